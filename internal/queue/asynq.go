package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hibiken/asynq"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// taskRetention keeps finished tasks inspectable for a day.
const taskRetention = 24 * time.Hour

// TaskType returns the asynq task type of a queue, e.g. "job:image".
func TaskType(queue model.JobKind) string {
	return "job:" + string(queue)
}

// BandName returns the asynq queue carrying one priority band of a queue.
func BandName(queue model.JobKind, priority int) string {
	return fmt.Sprintf("%s:p%d", queue, ClampPriority(priority))
}

// AsynqBroker is the Redis-backed Broker. Each logical queue is split into
// one asynq queue per priority band, served with strict priority by a
// dedicated asynq server sized to the pool.
type AsynqBroker struct {
	redisOpt  asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	logLevel  asynq.LogLevel
	shutdown  time.Duration
}

var _ Broker = (*AsynqBroker)(nil)

// AsynqOption configures AsynqBroker.
type AsynqOption func(*AsynqBroker)

// WithLogLevel sets the asynq log level from a "debug|info|warn|error" string.
func WithLogLevel(level string) AsynqOption {
	return func(b *AsynqBroker) { b.logLevel = ParseAsynqLogLevel(level) }
}

// WithShutdownTimeout bounds how long in-flight tasks get on shutdown.
func WithShutdownTimeout(d time.Duration) AsynqOption {
	return func(b *AsynqBroker) { b.shutdown = d }
}

func NewAsynqBroker(redisOpt asynq.RedisConnOpt, opts ...AsynqOption) *AsynqBroker {
	b := &AsynqBroker{
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logLevel:  asynq.InfoLevel,
		shutdown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AsynqBroker) Publish(ctx context.Context, msg Message) error {
	opts := []asynq.Option{
		asynq.TaskID(msg.ID),
		asynq.Queue(BandName(msg.Queue, msg.Priority)),
		asynq.MaxRetry(max(msg.MaxAttempts-1, 0)),
		asynq.Retention(taskRetention),
	}
	if msg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(msg.Timeout))
	}

	_, err := b.client.EnqueueContext(ctx, asynq.NewTask(TaskType(msg.Queue), msg.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Remove deletes a pending task from whichever priority band holds it.
func (b *AsynqBroker) Remove(_ context.Context, queue model.JobKind, id string) error {
	for p := 0; p <= model.MaxPriority; p++ {
		err := b.inspector.DeleteTask(BandName(queue, p), id)
		if err == nil {
			return nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		// active tasks cannot be deleted; the claim check drops them
		if strings.Contains(err.Error(), "active") {
			return nil
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Run starts one asynq server per pool and blocks until ctx is canceled.
func (b *AsynqBroker) Run(ctx context.Context, pools []PoolConfig, handlers map[model.JobKind]Handler) error {
	var servers []*asynq.Server
	for _, p := range pools {
		h, ok := handlers[p.Queue]
		if !ok {
			continue
		}
		srv := asynq.NewServer(b.redisOpt, b.serverConfig(p))

		mux := asynq.NewServeMux()
		mux.HandleFunc(TaskType(p.Queue), b.taskHandler(p, h))

		if err := srv.Start(mux); err != nil {
			for _, s := range servers {
				s.Shutdown()
			}
			return fmt.Errorf("failed to start %s worker server: %w", p.Queue, err)
		}
		servers = append(servers, srv)
		log.Infof("[Queue] %s pool started (concurrency %d)", p.Queue, p.Concurrency)
	}

	<-ctx.Done()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *asynq.Server) {
			defer wg.Done()
			s.Shutdown()
		}(s)
	}
	wg.Wait()
	return nil
}

func (b *AsynqBroker) serverConfig(p PoolConfig) asynq.Config {
	bands := make(map[string]int, model.MaxPriority+1)
	for prio := 0; prio <= model.MaxPriority; prio++ {
		bands[BandName(p.Queue, prio)] = prio + 1
	}
	return asynq.Config{
		Concurrency:    p.Concurrency,
		Queues:         bands,
		StrictPriority: true,
		// n counts retries already made, so the first retry sees 0
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return Backoff(p.BaseBackoff, p.MaxBackoff, n+1)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			log.Warnf("[Queue] %s task %s failed (retry %d): %v", t.Type(), id, retried, err)
		}),
		Logger:          NewAsynqLogger(),
		LogLevel:        b.logLevel,
		ShutdownTimeout: b.shutdown,
	}
}

func (b *AsynqBroker) taskHandler(p PoolConfig, h Handler) func(context.Context, *asynq.Task) error {
	limiter := startLimiter(p.StartsPerSecond)
	return func(ctx context.Context, t *asynq.Task) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		d := Delivery{
			JobID:       id,
			Queue:       p.Queue,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
			Payload:     t.Payload(),
		}

		if _, ok := ctx.Deadline(); !ok && p.JobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.JobTimeout)
			defer cancel()
		}

		err := h.Handle(ctx, d)
		if err != nil && IsPermanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Close releases the enqueue client and inspector connections.
func (b *AsynqBroker) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

// ParseAsynqLogLevel maps a level name to an asynq.LogLevel, defaulting to info.
func ParseAsynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq's internal logging into the application logger.
type asynqLogger struct{}

// NewAsynqLogger returns an asynq.Logger backed by fiber's log package.
func NewAsynqLogger() asynq.Logger {
	return asynqLogger{}
}

func (asynqLogger) Debug(args ...interface{}) { log.Debug(append([]interface{}{"[Asynq] "}, args...)...) }
func (asynqLogger) Info(args ...interface{})  { log.Info(append([]interface{}{"[Asynq] "}, args...)...) }
func (asynqLogger) Warn(args ...interface{})  { log.Warn(append([]interface{}{"[Asynq] "}, args...)...) }
func (asynqLogger) Error(args ...interface{}) { log.Error(append([]interface{}{"[Asynq] "}, args...)...) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal(append([]interface{}{"[Asynq] "}, args...)...) }
