package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/credstore"
	"github.com/noah-isme/lookscan-api/internal/lock"
	"github.com/noah-isme/lookscan-api/internal/payment"
	"github.com/noah-isme/lookscan-api/internal/session"
)

type fakeCreator struct {
	got payment.CheckoutRequest
	out payment.Checkout
	err error
}

func (f *fakeCreator) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Checkout, error) {
	f.got = req
	return f.out, f.err
}

func newSessions(t *testing.T) (*session.Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &session.Service{
		Store:   credstore.NewRedisStore(client, ""),
		TTL:     24 * time.Hour,
		Locker:  lock.Locker{R: client, RetryBackoff: time.Millisecond, MaxWait: time.Second},
		LockTTL: time.Second,
		Logger:  zerolog.Nop(),
	}, mr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestCheckoutDefaultsSuccessURLToOrigin(t *testing.T) {
	creator := &fakeCreator{out: payment.Checkout{ID: "chk_1", URL: "https://pay.example/chk_1"}}
	h := payment.CheckoutHandler{Provider: creator, ProductID: "prod_1", Logger: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://lookscan.example")
	rr := httptest.NewRecorder()
	h.Create(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "https://pay.example/chk_1", body["checkoutUrl"])
	require.Equal(t, "chk_1", body["checkoutId"])
	require.Equal(t, "prod_1", creator.got.ProductID)
	require.Equal(t, "https://lookscan.example/result?checkout=success&checkout_id={CHECKOUT_ID}", creator.got.SuccessURL)
}

func TestCheckoutPrecedence(t *testing.T) {
	creator := &fakeCreator{out: payment.Checkout{ID: "chk_1", URL: "u"}}
	h := payment.CheckoutHandler{Provider: creator, AppURL: "https://app.example/", Logger: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)
	req.Header.Set("Referer", "https://elsewhere.example/page")
	h.Create(httptest.NewRecorder(), req)
	require.Equal(t, "https://app.example/result?checkout=success&checkout_id={CHECKOUT_ID}", creator.got.SuccessURL)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"successUrl":"https://x.example/ok","customerEmail":"a@example.com"}`))
	h.Create(httptest.NewRecorder(), req)
	require.Equal(t, "https://x.example/ok", creator.got.SuccessURL)
	require.Equal(t, "a@example.com", creator.got.CustomerEmail)
}

func TestCheckoutMalformedBodyTreatedAsEmpty(t *testing.T) {
	creator := &fakeCreator{out: payment.Checkout{ID: "chk_1", URL: "u"}}
	h := payment.CheckoutHandler{Provider: creator, Logger: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodPost, "http://api.example/api/v1/checkout", strings.NewReader(`{not json`))
	rr := httptest.NewRecorder()
	h.Create(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "http://api.example/result?checkout=success&checkout_id={CHECKOUT_ID}", creator.got.SuccessURL)
}

func TestCheckoutRejectsInvalidEmail(t *testing.T) {
	h := payment.CheckoutHandler{Provider: &fakeCreator{}, Logger: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"customerEmail":"nope"}`))
	rr := httptest.NewRecorder()
	h.Create(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "VALIDATION_FAILED", body["code"])
	require.Contains(t, body["error"], "customerEmail")
}

func TestCheckoutProviderErrorSurfacesStatusAndBody(t *testing.T) {
	creator := &fakeCreator{err: &payment.ProviderError{StatusCode: 422, Body: `{"detail":"bad"}`}}
	h := payment.CheckoutHandler{Provider: creator, Logger: zerolog.Nop()}
	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "Failed to create checkout session", body["error"])
	require.Equal(t, float64(422), body["status"])
	require.Equal(t, `{"detail":"bad"}`, body["details"])
}

func TestExchange(t *testing.T) {
	sessions, _ := newSessions(t)
	h := payment.ExchangeHandler{Sessions: sessions, Logger: zerolog.Nop()}

	rr := httptest.NewRecorder()
	h.Verify(rr, httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, map[string]any{"verified": false, "error": "Missing checkoutId"}, decode(t, rr))

	rr = httptest.NewRecorder()
	h.Verify(rr, httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(`{"checkoutId":"chk_1"}`)))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, map[string]any{"verified": false, "error": "Payment not found"}, decode(t, rr))

	minted, err := sessions.Mint(context.Background(), "chk_1", "a@example.com")
	require.NoError(t, err)

	rr = httptest.NewRecorder()
	h.Verify(rr, httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(`{"checkoutId":"chk_1"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, true, body["verified"])
	require.Equal(t, minted.Token, body["sessionToken"])
	sess := body["session"].(map[string]any)
	require.Equal(t, "chk_1", sess["checkoutId"])
	require.Equal(t, "a@example.com", sess["customerEmail"])
	require.Equal(t, false, sess["used"])
	_, touched := sess["lastUsed"]
	require.False(t, touched)
}

func TestExchangeSessionVanished(t *testing.T) {
	sessions, mr := newSessions(t)
	minted, err := sessions.Mint(context.Background(), "chk_1", "")
	require.NoError(t, err)
	mr.Del(minted.Token)

	h := payment.ExchangeHandler{Sessions: sessions, Logger: zerolog.Nop()}
	rr := httptest.NewRecorder()
	h.Verify(rr, httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(`{"checkoutId":"chk_1"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, minted.Token, body["sessionToken"])
	require.Nil(t, body["session"])
}

func TestExchangeDevMode(t *testing.T) {
	h := payment.ExchangeHandler{Logger: zerolog.Nop()}
	rr := httptest.NewRecorder()
	h.Verify(rr, httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(`{"checkoutId":"chk_9"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, true, body["verified"])
	require.Equal(t, "dev_chk_9", body["sessionToken"])
	require.NotEmpty(t, body["warning"])
}
