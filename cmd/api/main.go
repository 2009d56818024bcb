package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lookscan-api/internal/analysis"
	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/config"
	"github.com/noah-isme/lookscan-api/internal/credstore"
	"github.com/noah-isme/lookscan-api/internal/health"
	"github.com/noah-isme/lookscan-api/internal/lock"
	"github.com/noah-isme/lookscan-api/internal/obs"
	"github.com/noah-isme/lookscan-api/internal/payment"
	"github.com/noah-isme/lookscan-api/internal/ratelimit"
	"github.com/noah-isme/lookscan-api/internal/resilience"
	"github.com/noah-isme/lookscan-api/internal/session"
)

const redisPrefix = "lookscan:"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "lookscan")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "lookscan-api",
			ServiceVersion: envOrDefault("APP_VERSION", "dev"),
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		client := mustInitRedis(ctx, cfg, logger, metricsEnabled)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		rdb = client
	}

	var store credstore.Store
	var pool *pgxpool.Pool
	switch cfg.CredentialStore {
	case config.StoreRedis:
		store = credstore.NewRedisStore(rdb, redisPrefix)
	case config.StorePostgres:
		if envBool("MIGRATE_ON_START", true) {
			if err := credstore.RunMigrations(cfg.DatabaseURL); err != nil {
				logger.Fatal().Err(err).Msg("run migrations")
			}
		}
		pool = mustInitDatabase(ctx, cfg, logger)
		defer pool.Close()
		store = credstore.NewPostgresStore(pool)
	default:
		logger.Warn().Msg("no credential store configured, running in development mode")
	}

	var sessions *session.Service
	if store != nil {
		sessions = &session.Service{
			Store:     store,
			TTL:       cfg.SessionTTL,
			SingleUse: cfg.SessionSingleUse,
			LockTTL:   cfg.LockTTL,
			Logger:    logger.With().Str("component", "session").Logger(),
		}
		switch {
		case rdb != nil:
			sessions.Locker = lock.Locker{R: rdb, Prefix: redisPrefix, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL}
		case pool != nil:
			sessions.Locker = lock.PgLocker{DB: pool, Prefix: redisPrefix, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL}
		}
	}

	polar := payment.Polar{
		BaseURL:     cfg.PolarAPIBase(),
		AccessToken: cfg.PolarAccessToken,
		HTTP: resilience.HTTPClient{
			Client:      payment.NewTracedHTTPClient(cfg.CheckoutTimeout),
			Breaker:     newBreaker(cfg, "polar", logger),
			Target:      "polar",
			MaxAttempts: 1,
			Timeout:     cfg.CheckoutTimeout,
			Logger:      logger,
		},
	}
	analyzer := analysis.OpenAI{
		BaseURL:   cfg.OpenAIBaseURL,
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.AnalysisModel,
		MaxTokens: cfg.AnalysisMaxTokens,
		HTTP: resilience.HTTPClient{
			Client:      payment.NewTracedHTTPClient(0),
			Breaker:     newBreaker(cfg, "openai", logger),
			Target:      "openai",
			BaseBackoff: cfg.AnalysisRetryBase,
			MaxAttempts: cfg.AnalysisMaxAttempts,
			Jitter:      cfg.AnalysisRetryJitter,
			Timeout:     cfg.AnalysisTimeout,
			Logger:      logger,
		},
	}

	checkoutLimit, err := ratelimit.NewFixedWindow(cfg.RateLimitCheckout, rdb, redisPrefix+"limit:")
	if err != nil {
		logger.Fatal().Err(err).Msg("configure rate limit")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	var pprofHandler http.Handler
	if envBool("OBS_ENABLE_PPROF", !cfg.IsProduction()) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		pprofHandler = protectPprof(newPprofMux(), user, pass)
	}

	r := newRouter(routerDeps{
		cfg:            cfg,
		logger:         logger,
		sessions:       sessions,
		redis:          rdb,
		store:          store,
		checkout:       polar,
		analyzer:       analyzer,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		checkoutLimit:  checkoutLimit,
		httpMetrics:    httpMetrics,
		tracing:        tracingEnabled,
		metricsHandler: metricsEnabled,
		pprof:          pprofHandler,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.AnalysisTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 30000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("credential_store", cfg.CredentialStore).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func newBreaker(cfg *config.Config, target string, logger zerolog.Logger) *resilience.Breaker {
	return resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget(target).
		WithLogger(logger)
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Component: "credstore"}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "lookscan-api"

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, common.CodeAuthenticationFailed, "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
