// Package breaker tracks upstream failures per key and gates outbound calls.
//
// State lives in Redis hashes so every worker process sees the same circuit.
// All transitions run inside Lua scripts. When Redis is unreachable the
// breaker reports closed: losing the monitoring store must not take the
// pipeline down with it.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Circuit states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
	// stateTTL bounds how long an idle circuit is remembered.
	stateTTL = 24 * time.Hour
)

// Breaker is a Redis-backed circuit breaker shared across processes.
type Breaker struct {
	client    goredis.Cmdable
	keyPrefix string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive failures that open a circuit (default 5).
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown sets how long a circuit stays open before a trial (default 30s).
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithKeyPrefix sets the Redis key prefix (default "circuit:").
func WithKeyPrefix(prefix string) Option {
	return func(b *Breaker) { b.keyPrefix = prefix }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(client goredis.Cmdable, opts ...Option) *Breaker {
	b := &Breaker{
		client:    client,
		keyPrefix: "circuit:",
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// allowScript decides whether a call may proceed.
// KEYS[1] = circuit hash
// ARGV[1] = now (ms)
// ARGV[2] = cooldown (ms)
//
// Returns 1 if the call may proceed, 0 if it must short-circuit.
// An open circuit past its cooldown moves to half-open and admits exactly
// one trial; further callers are rejected until the trial reports back or
// another cooldown passes without a report.
var allowScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state or state == "closed" then
    return 1
end
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

if state == "open" then
    local opened = tonumber(redis.call("HGET", KEYS[1], "opened_at") or "0")
    if now - opened < cooldown then
        return 0
    end
    redis.call("HSET", KEYS[1], "state", "half-open", "trial_at", ARGV[1])
    return 1
end

local trial = tonumber(redis.call("HGET", KEYS[1], "trial_at") or "0")
if now - trial < cooldown then
    return 0
end
redis.call("HSET", KEYS[1], "trial_at", ARGV[1])
return 1
`)

// failureScript records one failed attempt.
// KEYS[1] = circuit hash
// ARGV[1] = now (ms)
// ARGV[2] = threshold
// ARGV[3] = ttl (ms)
//
// Returns 1 if the circuit is open afterwards.
var failureScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state") or "closed"
local now = ARGV[1]

if state == "half-open" then
    redis.call("HSET", KEYS[1], "state", "open", "opened_at", now)
    redis.call("HDEL", KEYS[1], "trial_at")
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return 1
end
if state == "open" then
    return 1
end

local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
if failures >= tonumber(ARGV[2]) then
    redis.call("HSET", KEYS[1], "state", "open", "opened_at", now)
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return 1
end
redis.call("HSET", KEYS[1], "state", "closed")
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 0
`)

// successScript closes the circuit unless it is open and still cooling
// down, which happens when a call started before the circuit opened.
// KEYS[1] = circuit hash
// ARGV[1] = now (ms)
// ARGV[2] = cooldown (ms)
var successScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state == "open" then
    local opened = tonumber(redis.call("HGET", KEYS[1], "opened_at") or "0")
    if tonumber(ARGV[1]) - opened < tonumber(ARGV[2]) then
        return 0
    end
end
redis.call("DEL", KEYS[1])
return 1
`)

// Allow returns a CircuitOpenError when key must be short-circuited.
func (b *Breaker) Allow(ctx context.Context, key string) error {
	ok, err := allowScript.Run(ctx, b.client,
		[]string{b.key(key)},
		b.now().UnixMilli(), b.cooldown.Milliseconds(),
	).Int64()
	if err != nil {
		log.Warnf("[Breaker] state unavailable for %s, allowing call: %v", key, err)
		return nil
	}
	if ok == 0 {
		return &apperr.CircuitOpenError{Key: key}
	}
	return nil
}

// IsOpen reports whether calls to key are currently short-circuited.
func (b *Breaker) IsOpen(ctx context.Context, key string) bool {
	st, err := b.State(ctx, key)
	if err != nil {
		log.Warnf("[Breaker] state unavailable for %s: %v", key, err)
		return false
	}
	return st.State == StateOpen && b.now().Sub(st.OpenedAt) < b.cooldown
}

// RecordSuccess closes the circuit for key and resets its failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) {
	err := successScript.Run(ctx, b.client,
		[]string{b.key(key)},
		b.now().UnixMilli(), b.cooldown.Milliseconds(),
	).Err()
	if err != nil {
		log.Warnf("[Breaker] failed to record success for %s: %v", key, err)
	}
}

// RecordFailure counts one failed attempt against key.
func (b *Breaker) RecordFailure(ctx context.Context, key string) {
	open, err := failureScript.Run(ctx, b.client,
		[]string{b.key(key)},
		b.now().UnixMilli(), b.threshold, stateTTL.Milliseconds(),
	).Int64()
	if err != nil {
		log.Warnf("[Breaker] failed to record failure for %s: %v", key, err)
		return
	}
	if open == 1 {
		log.Debugf("[Breaker] circuit open for %s", key)
	}
}

// State returns the stored circuit state for key.
func (b *Breaker) State(ctx context.Context, key string) (model.CircuitState, error) {
	vals, err := b.client.HMGet(ctx, b.key(key), "state", "failures", "opened_at").Result()
	if err != nil {
		return model.CircuitState{}, fmt.Errorf("breaker: state: %w", err)
	}

	st := model.CircuitState{State: StateClosed}
	if s, ok := vals[0].(string); ok && s != "" {
		st.State = s
	}
	if s, ok := vals[1].(string); ok {
		st.ConsecutiveFailures, _ = strconv.Atoi(s)
	}
	if s, ok := vals[2].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			st.OpenedAt = time.UnixMilli(ms)
		}
	}
	return st, nil
}

func (b *Breaker) key(key string) string {
	return b.keyPrefix + key
}
