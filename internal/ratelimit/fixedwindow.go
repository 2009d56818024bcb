package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow enforces a fixed-window limit such as "30-M" per key. It protects
// the cheap public endpoints (checkout creation and session exchange).
type FixedWindow struct {
	Limiter *limiter.Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// NewFixedWindow builds a limiter from a formatted rate ("<limit>-<S|M|H|D>").
// It uses Redis when client is non-nil and process memory otherwise.
func NewFixedWindow(rate string, client redis.UniversalClient, prefix string) (*limiter.Limiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	var store limiter.Store
	if client != nil {
		store, err = limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
		if err != nil {
			return nil, fmt.Errorf("limiter store: %w", err)
		}
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix})
	}
	return limiter.New(store, parsed), nil
}

// Middleware implements the http.Handler middleware interface. Store failures fail open.
func (f FixedWindow) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.Limiter == nil || f.Key == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		lctx, err := f.Limiter.Get(r.Context(), f.Key(r))
		if err != nil {
			if f.OnError != nil {
				f.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if !writeLimitHeaders(w, lctx.Limit, lctx.Remaining, unixTime(lctx.Reset), !lctx.Reached) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}
