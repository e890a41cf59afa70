// Package ratelimit implements a per-identity sliding-window request
// throttle over shared Redis counters.
//
// Each identity has one counter per fixed window. The effective count is the
// current window plus the previous window weighted by how much of it still
// overlaps the sliding window, which approximates a true sliding log with
// two keys per identity.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	goredis "github.com/redis/go-redis/v9"
)

// Result describes the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a Redis-backed sliding-window limiter.
type Limiter struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the Redis key prefix (default "ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(client goredis.Cmdable, opts ...Option) *Limiter {
	l := &Limiter{
		client:    client,
		keyPrefix: "ratelimit:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// allowScript checks and increments the sliding window atomically.
// KEYS[1] = current window counter
// KEYS[2] = previous window counter
// ARGV[1] = limit
// ARGV[2] = window length (ms)
// ARGV[3] = elapsed time in the current window (ms)
//
// Returns {allowed (1|0), remaining, retry_after_ms}.
var allowScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local elapsed = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local previous = tonumber(redis.call("GET", KEYS[2]) or "0")
local weighted = previous * (window - elapsed) / window + current

if weighted + 1 > limit then
    local retry = window - elapsed
    if previous > 0 and current < limit then
        -- time until enough of the previous window slides out
        local excess = weighted + 1 - limit
        retry = math.ceil(excess * window / previous)
        if retry > window - elapsed then
            retry = window - elapsed
        end
    end
    return {0, 0, retry}
end

current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("PEXPIRE", KEYS[1], window * 2)
end

local remaining = math.floor(limit - (weighted + 1))
if remaining < 0 then
    remaining = 0
end
return {1, remaining, 0}
`)

// Allow records one request for identity and reports whether it fits within
// limit requests per window. On Redis errors the request is allowed and the
// error is returned so the caller can log it.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	res := Result{Allowed: true, Limit: limit, Remaining: limit}
	if limit <= 0 || window <= 0 {
		return res, nil
	}

	now := l.now()
	windowMs := window.Milliseconds()
	nowMs := now.UnixMilli()
	windowStart := nowMs - nowMs%windowMs
	elapsed := nowMs - windowStart

	currentKey := l.key(identity, windowMs, windowStart)
	previousKey := l.key(identity, windowMs, windowStart-windowMs)

	vals, err := allowScript.Run(ctx, l.client,
		[]string{currentKey, previousKey},
		limit, windowMs, elapsed,
	).Int64Slice()
	if err != nil {
		log.Warnf("[RateLimit] redis unavailable, allowing %s: %v", identity, err)
		return res, fmt.Errorf("ratelimit: allow: %w", err)
	}
	if len(vals) != 3 {
		return res, fmt.Errorf("ratelimit: unexpected script result %v", vals)
	}

	res.Allowed = vals[0] == 1
	res.Remaining = int(vals[1])
	res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	return res, nil
}

func (l *Limiter) key(identity string, windowMs, windowStart int64) string {
	return l.keyPrefix + identity + ":" + strconv.FormatInt(windowMs, 10) + ":" + strconv.FormatInt(windowStart, 10)
}
