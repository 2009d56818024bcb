// Package payment integrates the hosted checkout provider: creating checkout
// sessions, verifying signed webhooks and exchanging a completed checkout for
// its session credential.
package payment

import (
	"context"
	"fmt"

	"github.com/noah-isme/lookscan-api/internal/session"
)

// Webhook event types that confirm a payment.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventOrderCreated      = "order.created"
)

// CheckoutRequest is the provider-facing checkout creation input.
type CheckoutRequest struct {
	ProductID     string
	SuccessURL    string
	CustomerEmail string
}

// Checkout is the hosted checkout returned by the provider.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutCreator opens hosted checkout sessions.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
}

// Minter binds a session credential to a paid checkout.
type Minter interface {
	Mint(ctx context.Context, checkoutID, customerEmail string) (session.MintResult, error)
}

// Exchanger looks up the credential minted for a checkout.
type Exchanger interface {
	Lookup(ctx context.Context, checkoutID string) (string, *session.Record, error)
}

// ProviderError carries a non-2xx provider response.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider returned status %d", e.StatusCode)
}

// WebhookEvent is the subset of the provider's webhook envelope the service reads.
type WebhookEvent struct {
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

// WebhookEventData describes the checkout or order the event refers to.
type WebhookEventData struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	ProductID     string            `json:"product_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ConfirmsPayment reports whether the event should mint a credential.
func (e WebhookEvent) ConfirmsPayment() bool {
	return e.Type == EventCheckoutCompleted || e.Type == EventOrderCreated
}
