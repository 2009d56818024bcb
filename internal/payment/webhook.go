package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/obs"
)

const defaultWebhookMaxBody = 1 << 20

// Webhook verifies provider callbacks and mints a session credential for every
// confirmed payment.
type Webhook struct {
	Secret string
	// AllowUnsigned accepts deliveries without verification when Secret is empty.
	AllowUnsigned bool
	// Sessions is nil when no credential store is configured.
	Sessions Minter
	Validate *validator.Validate
	MaxBody  int64
	Logger   zerolog.Logger
}

// Handle processes a single webhook delivery.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBody
	if limit <= 0 {
		limit = defaultWebhookMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil || int64(len(body)) > limit {
		h.Logger.Error().Err(err).Int("bytes", len(body)).Msg("webhook body unreadable")
		obs.Count(obs.WebhookEventsTotal, "unknown", "error")
		http.Error(w, "Webhook processing failed", http.StatusInternalServerError)
		return
	}

	switch {
	case h.Secret != "":
		if !VerifySignature(h.Secret, body, SignatureFromRequest(r)) {
			h.Logger.Warn().Str("client_ip", common.ClientIP(r)).Msg("webhook signature rejected")
			obs.Count(obs.WebhookEventsTotal, "unknown", "unauthorized")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	case h.AllowUnsigned:
		h.Logger.Warn().Msg("accepting unsigned webhook: no secret configured")
	default:
		h.Logger.Error().Msg("webhook secret not configured")
		obs.Count(obs.WebhookEventsTotal, "unknown", "unauthorized")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Logger.Error().Err(err).Msg("webhook payload is not valid json")
		obs.Count(obs.WebhookEventsTotal, "unknown", "error")
		http.Error(w, "Webhook processing failed", http.StatusInternalServerError)
		return
	}
	if !event.ConfirmsPayment() {
		h.Logger.Debug().Str("event", event.Type).Msg("webhook event ignored")
		obs.Count(obs.WebhookEventsTotal, eventLabel(event.Type), "ignored")
		common.JSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err := h.validate(event); err != nil {
		h.Logger.Error().Err(err).Str("event", event.Type).Msg("webhook payload rejected")
		obs.Count(obs.WebhookEventsTotal, event.Type, "error")
		http.Error(w, "Webhook processing failed", http.StatusInternalServerError)
		return
	}

	if h.Sessions == nil {
		h.Logger.Warn().Str("checkout_id", event.Data.ID).Msg("credential store not configured, payment acknowledged without minting")
		obs.Count(obs.WebhookEventsTotal, event.Type, "skipped")
		common.JSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	res, err := h.Sessions.Mint(r.Context(), event.Data.ID, event.Data.CustomerEmail)
	if err != nil {
		h.Logger.Error().Err(err).Str("checkout_id", event.Data.ID).Msg("mint session")
		obs.Count(obs.WebhookEventsTotal, event.Type, "error")
		obs.Count(obs.SessionsMintedTotal, "error")
		http.Error(w, "Webhook processing failed", http.StatusInternalServerError)
		return
	}
	result := "minted"
	if !res.Created {
		result = "duplicate"
	}
	obs.Count(obs.WebhookEventsTotal, event.Type, result)
	obs.Count(obs.SessionsMintedTotal, result)
	h.Logger.Info().
		Str("event", event.Type).
		Str("checkout_id", event.Data.ID).
		Str("session_ref", common.ShortDigest(res.Token)).
		Bool("created", res.Created).
		Msg("payment verified")
	common.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

// validate checks a payment-confirming event carries what minting needs.
func (h Webhook) validate(event WebhookEvent) error {
	v := h.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Var(event.Data.ID, "required"); err != nil {
		return fmt.Errorf("payment event without data.id: %w", err)
	}
	return nil
}

func eventLabel(eventType string) string {
	switch eventType {
	case EventCheckoutCompleted, EventOrderCreated:
		return eventType
	case "":
		return "unknown"
	default:
		return "other"
	}
}
