package queue

import (
	"context"
	"time"

	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Message is what the broker transports for one job.
type Message struct {
	ID          string
	Queue       model.JobKind
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
	Payload     []byte
}

// Delivery is one attempt of a job handed to a Handler.
type Delivery struct {
	JobID       string
	Queue       model.JobKind
	Attempt     int // 1-based
	MaxAttempts int
	Payload     []byte
}

// LastAttempt reports whether a failure of this attempt is final.
func (d Delivery) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler processes deliveries of one queue. A nil error acks the delivery.
// An error wrapped with Permanent drops it, any other error schedules a retry
// while attempts remain.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Broker moves messages from publishers to worker pools.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Remove drops a pending message. Removing an unknown or in-flight
	// message is not an error.
	Remove(ctx context.Context, queue model.JobKind, id string) error
	// Run serves the given pools until ctx is canceled.
	Run(ctx context.Context, pools []PoolConfig, handlers map[model.JobKind]Handler) error
}

// PoolConfig sizes the worker pool of one queue.
type PoolConfig struct {
	Queue           model.JobKind
	Concurrency     int
	StartsPerSecond float64
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	JobTimeout      time.Duration
}

// DefaultPool returns the built-in sizing of a queue.
func DefaultPool(kind model.JobKind) PoolConfig {
	c, ok := config.PoolDefaults[kind]
	if !ok {
		c = config.PoolConfig{Concurrency: 1, StartsPerSecond: 10, MaxAttempts: 1, BaseBackoff: time.Second, MaxBackoff: time.Minute, JobTimeout: time.Minute}
	}
	return fromConfig(kind, c)
}

// PoolsFromConfig converts the configured pools, in queue order.
func PoolsFromConfig(cfg config.QueueConfig) []PoolConfig {
	pools := make([]PoolConfig, 0, len(model.JobKinds))
	for _, kind := range model.JobKinds {
		c, ok := cfg.Pools[kind]
		if !ok {
			pools = append(pools, DefaultPool(kind))
			continue
		}
		pools = append(pools, fromConfig(kind, c))
	}
	return pools
}

func fromConfig(kind model.JobKind, c config.PoolConfig) PoolConfig {
	return PoolConfig{
		Queue:           kind,
		Concurrency:     c.Concurrency,
		StartsPerSecond: c.StartsPerSecond,
		MaxAttempts:     c.MaxAttempts,
		BaseBackoff:     c.BaseBackoff,
		MaxBackoff:      c.MaxBackoff,
		JobTimeout:      c.JobTimeout,
	}
}
