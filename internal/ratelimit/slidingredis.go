package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims expired entries, admits the request only while the window
// has room, and returns {allowed, count, oldest score}. ARGV is now, window, max,
// member and cutoff, all in Unix milliseconds. Rejected requests are not recorded,
// so a client that keeps retrying does not extend its own lockout.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, ARGV[2])
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = tonumber(ARGV[1])
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// Limiter implements a sliding window rate limiter backed by a Redis sorted set
// per key. It guards the analysis gateway, where each admitted request costs a
// model call.
type Limiter struct {
	Client redis.UniversalClient
	Prefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Allow registers an event for the given key and returns whether it is within the
// limit. reset is when the oldest admitted event leaves the window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())
	res, err := slidingWindow.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), windowMs, max, member, now.UnixMilli()-windowMs).Int64Slice()
	if err != nil {
		return false, 0, now.Add(window), fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 3 {
		return false, 0, now.Add(window), fmt.Errorf("sliding window %s: unexpected reply %v", key, res)
	}

	remaining = max - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	reset = time.UnixMilli(res[2] + windowMs)
	return res[0] == 1, remaining, reset, nil
}
