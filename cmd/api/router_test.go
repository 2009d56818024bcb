package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/textproto"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/analysis"
	"github.com/noah-isme/lookscan-api/internal/config"
	"github.com/noah-isme/lookscan-api/internal/credstore"
	"github.com/noah-isme/lookscan-api/internal/lock"
	"github.com/noah-isme/lookscan-api/internal/payment"
	"github.com/noah-isme/lookscan-api/internal/ratelimit"
	"github.com/noah-isme/lookscan-api/internal/session"
)

type stubCheckout struct{}

func (stubCheckout) CreateCheckout(context.Context, payment.CheckoutRequest) (payment.Checkout, error) {
	return payment.Checkout{ID: "chk_1", URL: "https://polar.test/chk_1"}, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(context.Context, analysis.Request) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		AppEnv:              "development",
		CredentialStore:     config.StoreRedis,
		SessionTTL:          24 * time.Hour,
		PolarProductID:      "prod_1",
		PolarWebhookSecret:  "whsec",
		AnalysisTimeout:     time.Second,
		RateLimitCheckout:   "100-M",
		RateLimitAnalyzeMax: 100,
		RateLimitWindow:     time.Minute,
		HealthStoreTimeout:  time.Second,
	}
	store := credstore.NewRedisStore(client, redisPrefix)
	sessions := &session.Service{
		Store:  store,
		TTL:    cfg.SessionTTL,
		Locker: lock.Locker{R: client, Prefix: redisPrefix, RetryBackoff: time.Millisecond},
		Logger: zerolog.Nop(),
	}
	limit, err := ratelimit.NewFixedWindow(cfg.RateLimitCheckout, client, redisPrefix+"limit:")
	require.NoError(t, err)

	return newRouter(routerDeps{
		cfg:           cfg,
		logger:        zerolog.Nop(),
		sessions:      sessions,
		redis:         client,
		store:         store,
		checkout:      stubCheckout{},
		analyzer:      stubAnalyzer{},
		validate:      validator.New(),
		checkoutLimit: limit,
	})
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPreflightAndMethods(t *testing.T) {
	h := testRouter(t)

	for _, path := range []string{"/api/v1/checkout", "/api/v1/verify-payment", "/api/v1/analyze"} {
		rr := serve(h, http.MethodOptions, path, "", map[string]string{
			"Origin":                        "https://app.example",
			"Access-Control-Request-Method": http.MethodPost,
		})
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"), path)

		rr = serve(h, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code, path)
	}

	rr := serve(h, http.MethodGet, "/api/v1/webhooks/polar", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = serve(h, http.MethodOptions, "/api/v1/webhooks/polar", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestPaymentToSessionFlow(t *testing.T) {
	h := testRouter(t)

	rr := serve(h, http.MethodPost, "/api/v1/checkout", `{}`, map[string]string{"Origin": "https://app.example"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"checkoutUrl":"https://polar.test/chk_1","checkoutId":"chk_1"}`, rr.Body.String())

	rr = serve(h, http.MethodPost, "/api/v1/verify-payment", `{"checkoutId":"chk_1"}`, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	event := `{"type":"checkout.completed","data":{"id":"chk_1","status":"succeeded","customer_email":"a@example.com"}}`
	rr = serve(h, http.MethodPost, "/api/v1/webhooks/polar", event, map[string]string{
		payment.HeaderWebhookSignature: payment.Sign("whsec", []byte(event)),
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"received":true}`, rr.Body.String())

	rr = serve(h, http.MethodPost, "/api/v1/verify-payment", `{"checkoutId":"chk_1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Verified     bool   `json:"verified"`
		SessionToken string `json:"sessionToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.True(t, out.Verified)
	require.True(t, session.ValidToken(out.SessionToken))

	rr = serve(h, http.MethodPost, "/api/v1/webhooks/polar", event, map[string]string{
		payment.HeaderWebhookSignature: strings.Repeat("0", 64),
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := testRouter(t)
	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health/live", "", nil).Code)
	rr := serve(h, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func paidToken(t *testing.T, h http.Handler, checkoutID string) string {
	t.Helper()
	event := `{"type":"checkout.completed","data":{"id":"` + checkoutID + `","status":"succeeded"}}`
	rr := serve(h, http.MethodPost, "/api/v1/webhooks/polar", event, map[string]string{
		payment.HeaderWebhookSignature: payment.Sign("whsec", []byte(event)),
	})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = serve(h, http.MethodPost, "/api/v1/verify-payment", `{"checkoutId":"`+checkoutID+`"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		SessionToken string `json:"sessionToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out.SessionToken
}

func photoUpload(t *testing.T, size int) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, field := range []string{"frontPhoto", "sidePhoto"} {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+field+`.jpg"`)
		hdr.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(bytes.Repeat([]byte{0xff}, size))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAnalyzeOversizeUploadThroughRouter(t *testing.T) {
	h := testRouter(t)
	token := paidToken(t, h, "chk_big")

	t.Run("oversize photos are a validation error", func(t *testing.T) {
		body, contentType := photoUpload(t, 11<<20)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Session-Token", token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		var out struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		require.Equal(t, "VALIDATION_FAILED", out.Code)
		require.Equal(t, "max_size", out.Details["constraint"])
		require.Equal(t, "frontPhoto", out.Details["field"])
	})

	t.Run("missing token wins over body size", func(t *testing.T) {
		body, contentType := photoUpload(t, 11<<20)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		require.Equal(t, http.StatusForbidden, rr.Code)
	})
}
