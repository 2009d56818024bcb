package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/lookscan-api/internal/resilience"
)

const maxProviderBody = 1 << 20

// Polar creates hosted checkouts through the Polar REST API.
type Polar struct {
	BaseURL     string
	AccessToken string
	HTTP        resilience.HTTPClient
}

// NewTracedHTTPClient returns an http.Client whose transport emits client spans.
func NewTracedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type polarCheckoutBody struct {
	Products      []string `json:"products"`
	SuccessURL    string   `json:"success_url"`
	CustomerEmail string   `json:"customer_email,omitempty"`
}

// CreateCheckout opens a checkout for a single product. Non-2xx responses are
// returned as *ProviderError with the raw response body.
func (p Polar) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	ctx, span := otel.Tracer("payment.Polar").Start(ctx, "Polar.CreateCheckout")
	defer span.End()

	if strings.TrimSpace(p.BaseURL) == "" {
		return Checkout{}, errors.New("polar: base url not configured")
	}
	payload, err := json.Marshal(polarCheckoutBody{
		Products:      []string{req.ProductID},
		SuccessURL:    req.SuccessURL,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("encode checkout: %w", err)
	}
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/v1/checkouts/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Checkout{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.HTTP.Do(ctx, httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return Checkout{}, fmt.Errorf("polar checkout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Checkout{}, fmt.Errorf("read checkout response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return Checkout{}, &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var out Checkout
	if err := json.Unmarshal(raw, &out); err != nil {
		return Checkout{}, fmt.Errorf("decode checkout response: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return Checkout{}, errors.New("polar: checkout response missing id or url")
	}
	span.SetAttributes(attribute.String("payment.checkout_id", out.ID))
	return out, nil
}
