// Package retry wraps outbound provider calls with bounded exponential
// backoff and reports every attempt to a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Policy bounds a retried call.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// Call-class presets. Generation of long media gets longer timeouts and a
// slower backoff.
var (
	ChatPolicy  = Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, AttemptTimeout: 60 * time.Second}
	ImagePolicy = Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, AttemptTimeout: 120 * time.Second}
	AudioPolicy = Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, AttemptTimeout: 5 * time.Minute}
	VideoPolicy = Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, AttemptTimeout: 10 * time.Minute}
)

// PolicyFor returns the preset for a job kind.
func PolicyFor(kind model.JobKind) Policy {
	switch kind {
	case model.JobKindVideo:
		return VideoPolicy
	case model.JobKindAudio:
		return AudioPolicy
	case model.JobKindImage:
		return ImagePolicy
	default:
		return ChatPolicy
	}
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Guard gates attempts for an upstream key. *breaker.Breaker implements it.
type Guard interface {
	Allow(ctx context.Context, key string) error
	RecordSuccess(ctx context.Context, key string)
	RecordFailure(ctx context.Context, key string)
}

// Retrier runs calls under a Policy.
type Retrier struct {
	policy Policy
	guard  Guard
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier. guard may be nil.
func New(policy Policy, guard Guard) *Retrier {
	return &Retrier{
		policy: policy,
		guard:  guard,
		sleep:  sleepContext,
	}
}

// Policy returns the configured policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. key names the upstream for the circuit breaker. An open
// circuit fails the call immediately with a CircuitOpenError.
func (r *Retrier) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt)
			log.Debugf("[Retry] %s attempt %d failed, retrying in %s: %v", key, attempt, delay, lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		if r.guard != nil {
			if err := r.guard.Allow(ctx, key); err != nil {
				return err
			}
		}

		err := r.attempt(ctx, fn)
		r.record(ctx, key, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !apperr.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("attempt timed out after %s: %w", r.policy.AttemptTimeout, context.DeadlineExceeded)
	}
	return err
}

// record reports exactly one outcome per attempt. Terminal upstream answers
// such as an invalid prompt count as the upstream being healthy.
func (r *Retrier) record(ctx context.Context, key string, err error) {
	if r.guard == nil {
		return
	}
	if err == nil || !apperr.IsUpstreamFailure(err) {
		if err == nil || isTerminalProviderError(err) {
			r.guard.RecordSuccess(ctx, key)
		}
		return
	}
	r.guard.RecordFailure(ctx, key)
}

func isTerminalProviderError(err error) bool {
	var pe *apperr.ProviderError
	return errors.As(err, &pe) && !pe.Retryable
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
