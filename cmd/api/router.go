package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/lookscan-api/internal/analysis"
	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/config"
	"github.com/noah-isme/lookscan-api/internal/credstore"
	"github.com/noah-isme/lookscan-api/internal/health"
	"github.com/noah-isme/lookscan-api/internal/obs"
	"github.com/noah-isme/lookscan-api/internal/payment"
	"github.com/noah-isme/lookscan-api/internal/ratelimit"
	"github.com/noah-isme/lookscan-api/internal/security"
	"github.com/noah-isme/lookscan-api/internal/session"
)

// The analysis handler bounds its own upload stream after the session check.
const (
	jsonBodyLimit    = 64 << 10
	webhookBodyLimit = 1 << 20
)

type routerDeps struct {
	cfg           *config.Config
	logger        zerolog.Logger
	sessions      *session.Service
	redis         redis.UniversalClient
	store         credstore.Store
	checkout      payment.CheckoutCreator
	analyzer      analysis.Analyzer
	validate      *validator.Validate
	checkoutLimit *limiter.Limiter

	httpMetrics    *obs.HTTPMetrics
	tracing        bool
	metricsHandler bool
	pprof          http.Handler
}

func newRouter(d routerDeps) http.Handler {
	cfg := d.cfg
	logger := d.logger

	checkoutHandler := payment.CheckoutHandler{
		Provider:  d.checkout,
		ProductID: cfg.PolarProductID,
		AppURL:    cfg.AppURL,
		Validate:  d.validate,
		Logger:    logger.With().Str("component", "checkout").Logger(),
	}
	exchangeHandler := payment.ExchangeHandler{Logger: logger.With().Str("component", "exchange").Logger()}
	webhookHandler := payment.Webhook{
		Secret:        cfg.PolarWebhookSecret,
		AllowUnsigned: cfg.PolarWebhookAllowUnsigned,
		Validate:      d.validate,
		MaxBody:       webhookBodyLimit,
		Logger:        logger.With().Str("component", "webhook").Logger(),
	}
	analysisHandler := analysis.Handler{
		SingleUse:   cfg.SessionSingleUse,
		Analyzer:    d.analyzer,
		Timeout:     cfg.AnalysisTimeout,
		MaxFileSize: analysis.DefaultMaxFileSize,
		Logger:      logger.With().Str("component", "analysis").Logger(),
	}
	// Interface fields stay nil without a store so handlers take their development path.
	if d.sessions != nil {
		exchangeHandler.Sessions = d.sessions
		webhookHandler.Sessions = d.sessions
		analysisHandler.Sessions = d.sessions
	}

	limitErr := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }
	checkoutLimit := ratelimit.FixedWindow{Limiter: d.checkoutLimit, Key: ratelimit.ByClientIP("checkout"), OnError: limitErr}
	exchangeLimit := ratelimit.FixedWindow{Limiter: d.checkoutLimit, Key: ratelimit.ByClientIP("verify"), OnError: limitErr}
	analyzeLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: d.redis, Prefix: redisPrefix},
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("analyze"),
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitAnalyzeMax,
		},
		OnError: limitErr,
	}
	if d.redis == nil {
		analyzeLimit.Config.Key = nil
	}
	idem := common.Idem{R: d.redis, TTL: cfg.IdempotencyTTL}

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.tracing {
		r.Use(obs.TracingMiddleware)
	}
	if d.httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     true,
		EnableHSTS: cfg.IsProduction(),
		NoStore:    true,
	}.Middleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		common.JSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	if d.metricsHandler {
		r.Handle("/metrics", promhttp.Handler())
	}
	if d.pprof != nil {
		r.Mount("/debug/pprof", d.pprof)
	}

	checks := map[string]health.Pinger{}
	if d.store != nil {
		checks["credential_store"] = d.store
	}
	if d.redis != nil && cfg.CredentialStore != config.StoreRedis {
		checks["redis"] = health.PingFunc(func(ctx context.Context) error { return d.redis.Ping(ctx).Err() })
	}
	healthHandler := health.Handler{Checks: checks, Timeout: cfg.HealthStoreTimeout}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(public chi.Router) {
			public.Use(cors.Handler(cors.Options{
				AllowedOrigins: origins,
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type", obs.SessionTokenHeader, "Idempotency-Key"},
				ExposedHeaders: []string{analysis.WarningHeader},
				MaxAge:         300,
			}))
			public.Options("/checkout", preflight)
			public.Options("/verify-payment", preflight)
			public.Options("/analyze", preflight)

			public.With(
				checkoutLimit.Middleware,
				security.BodyLimit{Max: jsonBodyLimit}.Middleware,
				idem.Middleware,
			).Post("/checkout", checkoutHandler.Create)
			public.With(
				exchangeLimit.Middleware,
				security.BodyLimit{Max: jsonBodyLimit}.Middleware,
			).Post("/verify-payment", exchangeHandler.Verify)
			public.With(analyzeLimit.Middleware).Post("/analyze", analysisHandler.Analyze)
		})

		v.Post("/webhooks/polar", webhookHandler.Handle)
	})

	return r
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
