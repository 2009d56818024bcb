package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/obs"
	"github.com/noah-isme/lookscan-api/internal/session"
)

const maxRequestBody = 64 << 10

// CheckoutHandler creates a hosted checkout for the configured product.
type CheckoutHandler struct {
	Provider  CheckoutCreator
	ProductID string
	// AppURL takes precedence over the request origin when building the default success URL.
	AppURL   string
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type checkoutReq struct {
	SuccessURL    string `json:"successUrl" validate:"omitempty,url"`
	CustomerEmail string `json:"customerEmail" validate:"omitempty,email"`
}

type checkoutResp struct {
	CheckoutURL string `json:"checkoutUrl"`
	CheckoutID  string `json:"checkoutId"`
}

// Create handles POST /checkout. An empty or malformed body is treated as {}.
func (h CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout unavailable", nil)
		return
	}
	var req checkoutReq
	if raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody)); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			req = checkoutReq{}
		}
	}
	req.SuccessURL = strings.TrimSpace(req.SuccessURL)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	if err := h.validator().Struct(req); err != nil {
		obs.Count(obs.CheckoutTotal, "invalid")
		common.WriteError(w, common.ValidationError(validationMessage(err)))
		return
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = DefaultSuccessURL(h.origin(r))
	}
	checkout, err := h.Provider.CreateCheckout(r.Context(), CheckoutRequest{
		ProductID:     h.ProductID,
		SuccessURL:    successURL,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			h.Logger.Error().Int("upstream_status", perr.StatusCode).Str("body", perr.Body).Msg("checkout provider error")
			obs.Count(obs.CheckoutTotal, "upstream_error")
			common.WriteError(w, common.UpstreamError("Failed to create checkout session", http.StatusInternalServerError, perr.StatusCode, perr.Body, err))
			return
		}
		h.Logger.Error().Err(err).Msg("create checkout")
		obs.Count(obs.CheckoutTotal, "error")
		common.WriteError(w, common.UpstreamError("Failed to create checkout session", http.StatusInternalServerError, 0, "", err))
		return
	}
	obs.Count(obs.CheckoutTotal, "success")
	h.Logger.Info().Str("checkout_id", checkout.ID).Msg("checkout created")
	common.JSON(w, http.StatusOK, checkoutResp{CheckoutURL: checkout.URL, CheckoutID: checkout.ID})
}

func (h CheckoutHandler) origin(r *http.Request) string {
	if h.AppURL != "" {
		return strings.TrimRight(h.AppURL, "/")
	}
	return common.RequestOrigin(r)
}

func (h CheckoutHandler) validator() *validator.Validate {
	if h.Validate != nil {
		return h.Validate
	}
	return validator.New()
}

// DefaultSuccessURL is where the provider redirects after payment. The provider
// substitutes {CHECKOUT_ID}.
func DefaultSuccessURL(origin string) string {
	return origin + "/result?checkout=success&checkout_id={CHECKOUT_ID}"
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch field {
		case "SuccessURL":
			field = "successUrl"
		case "CustomerEmail":
			field = "customerEmail"
		}
		return fmt.Sprintf("%s must be a valid %s", field, fe.Tag())
	}
	return "invalid request"
}

// ExchangeHandler trades a completed checkout id for its session credential.
type ExchangeHandler struct {
	// Sessions is nil when no credential store is configured.
	Sessions Exchanger
	Logger   zerolog.Logger
}

type exchangeReq struct {
	CheckoutID string `json:"checkoutId"`
}

type exchangeResp struct {
	Verified     bool            `json:"verified"`
	SessionToken string          `json:"sessionToken,omitempty"`
	Session      *session.Record `json:"session"`
	Warning      string          `json:"warning,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Verify handles POST /verify-payment.
func (h ExchangeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req exchangeReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		obs.Count(obs.SessionExchangeTotal, "invalid")
		common.JSON(w, http.StatusBadRequest, map[string]any{"verified": false, "error": "Invalid request body"})
		return
	}
	checkoutID := strings.TrimSpace(req.CheckoutID)
	if checkoutID == "" {
		obs.Count(obs.SessionExchangeTotal, "invalid")
		common.JSON(w, http.StatusBadRequest, map[string]any{"verified": false, "error": "Missing checkoutId"})
		return
	}

	if h.Sessions == nil {
		h.Logger.Warn().Str("checkout_id", checkoutID).Msg("credential store not configured, issuing development token")
		obs.Count(obs.SessionExchangeTotal, "dev")
		common.JSON(w, http.StatusOK, map[string]any{
			"verified":     true,
			"sessionToken": session.DevToken(checkoutID),
			"warning":      "Credential store not configured - development mode",
		})
		return
	}

	token, rec, err := h.Sessions.Lookup(r.Context(), checkoutID)
	switch {
	case errors.Is(err, session.ErrPaymentNotFound):
		obs.Count(obs.SessionExchangeTotal, "not_found")
		common.JSON(w, http.StatusNotFound, map[string]any{"verified": false, "error": "Payment not found"})
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("checkout_id", checkoutID).Msg("exchange checkout")
		obs.Count(obs.SessionExchangeTotal, "error")
		common.JSON(w, http.StatusInternalServerError, map[string]any{"verified": false, "error": "Verification failed"})
		return
	}
	obs.Count(obs.SessionExchangeTotal, "verified")
	common.JSON(w, http.StatusOK, exchangeResp{Verified: true, SessionToken: token, Session: rec})
}
