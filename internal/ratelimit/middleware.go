package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/lookscan-api/internal/common"
)

// CodeRateLimited is the error code returned with 429 responses.
const CodeRateLimited = "RATE_LIMITED"

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// ByClientIP keys limits on the caller's address, scoped by name.
func ByClientIP(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return name + ":" + common.ClientIP(r)
	}
}

// Handler enforces a sliding-window limit before delegating to the next handler.
// Limiter failures fail open.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Config.Key(r)
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		limitValue := h.Config.Max
		if limitValue < 0 {
			limitValue = 0
		}
		if !writeLimitHeaders(w, int64(limitValue), int64(remaining), resetAt, allowed) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeLimitHeaders sets the X-RateLimit headers and, when the limit is reached,
// writes the 429 response. It reports whether the request may proceed.
func writeLimitHeaders(w http.ResponseWriter, limit, remaining int64, resetAt time.Time, allowed bool) bool {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	headers.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	if allowed {
		return true
	}
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	headers.Set("Retry-After", strconv.Itoa(retryAfter))
	common.JSONError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests. Please try again later.", nil)
	return false
}
