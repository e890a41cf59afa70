// Package queue is the durable job queue. A Queue pairs the job record store,
// which is the source of truth for job state, with a Broker that moves work
// to the worker pools.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// ErrNotClaimable is returned by Claim when the job was canceled, already
// finished, or is leased by another worker.
var ErrNotClaimable = errors.New("job not claimable")

// DefaultLeaseTimeout is added to the job timeout so a lease outlives a slow
// attempt.
const DefaultLeaseTimeout = 30 * time.Second

// Store is the durable job record store.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	Takeover(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
	Expire(ctx context.Context, id string, next model.JobStatus, reason string, now time.Time) (bool, error)
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	Progress(ctx context.Context, id string, progress int, step string) error
	SaveResult(ctx context.Context, id string, result []byte) error
	Complete(ctx context.Context, id string, actualCredits int64, now time.Time) error
	Release(ctx context.Context, id, reason string) error
	Fail(ctx context.Context, id, reason string, now time.Time) error
}

// Queue is the job queue facade used by services and workers.
type Queue struct {
	store  Store
	broker Broker
	pools  map[model.JobKind]PoolConfig
	lease  time.Duration
	now    func() time.Time
}

// Option configures Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLeaseTimeout sets the grace added to the job timeout when leasing a job
// to a worker.
func WithLeaseTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// New creates a Queue. pools supplies the attempt budget and job timeout of
// each logical queue.
func New(store Store, broker Broker, pools []PoolConfig, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		broker: broker,
		pools:  make(map[model.JobKind]PoolConfig, len(pools)),
		lease:  DefaultLeaseTimeout,
		now:    time.Now,
	}
	for _, p := range pools {
		q.pools[p.Queue] = p
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) pool(kind model.JobKind) PoolConfig {
	if p, ok := q.pools[kind]; ok {
		return p
	}
	return DefaultPool(kind)
}

func (q *Queue) leaseUntil(kind model.JobKind, now time.Time) time.Time {
	return now.Add(q.pool(kind).JobTimeout + q.lease)
}

// Enqueue persists the job as queued and hands it to the broker. The job's
// ID, status, attempt budget and creation time are filled in here.
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if !job.Kind.Valid() {
		return "", apperr.Validation("type", "unknown queue %q", job.Kind)
	}
	pool := q.pool(job.Kind)

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = model.JobStatusQueued
	job.Priority = ClampPriority(job.Priority)
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = pool.MaxAttempts
	}
	job.CreatedAt = q.now().UTC()

	if err := q.store.Create(ctx, job); err != nil {
		return "", err
	}

	err := q.broker.Publish(ctx, Message{
		ID:          job.ID,
		Queue:       job.Kind,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		Timeout:     pool.JobTimeout,
		Payload:     job.Payload,
	})
	if err != nil {
		log.Errorf("[Queue] failed to publish job %s: %v", job.ID, err)
		if ferr := q.store.Fail(ctx, job.ID, "failed to enqueue", q.now().UTC()); ferr != nil {
			log.Errorf("[Queue] failed to mark job %s failed: %v", job.ID, ferr)
		}
		return "", apperr.Persistence("enqueue job", err)
	}

	log.Debugf("[Queue] enqueued %s job %s (priority %d)", job.Kind, job.ID, job.Priority)
	return job.ID, nil
}

// Get returns the job record.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return q.store.Get(ctx, jobID)
}

// Claim marks the job processing and leases it to the caller.
func (q *Queue) Claim(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrNotClaimable
		}
		return nil, err
	}

	now := q.now().UTC()
	ok, err := q.store.Claim(ctx, jobID, now, q.leaseUntil(job.Kind, now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotClaimable
	}
	return q.store.Get(ctx, jobID)
}

// ClaimDelivery claims the job behind a broker delivery. A redelivery that
// finds the job still processing takes the lease over: brokers only hand a
// task out again once the previous attempt stopped running.
func (q *Queue) ClaimDelivery(ctx context.Context, d Delivery) (*model.Job, error) {
	job, err := q.Claim(ctx, d.JobID)
	if !errors.Is(err, ErrNotClaimable) || d.Attempt <= 1 {
		return job, err
	}

	now := q.now().UTC()
	ok, err := q.store.Takeover(ctx, d.JobID, now, q.leaseUntil(d.Queue, now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotClaimable
	}
	log.Warnf("[Queue] %s took over an abandoned lease", d)
	return q.store.Get(ctx, d.JobID)
}

// GetStatus returns the status view of a job in queueName.
func (q *Queue) GetStatus(ctx context.Context, queueName model.JobKind, jobID string) (*model.JobStatusView, error) {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != queueName {
		return nil, apperr.ErrNotFound
	}
	return job.StatusView(), nil
}

// Cancel cancels a job that has not been claimed yet. It reports false when
// the job is already processing or finished.
func (q *Queue) Cancel(ctx context.Context, queueName model.JobKind, jobID string) (bool, error) {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Kind != queueName {
		return false, apperr.ErrNotFound
	}

	ok, err := q.store.Cancel(ctx, jobID, q.now().UTC())
	if err != nil || !ok {
		return false, err
	}

	// a task that slips through is dropped at claim time
	if err := q.broker.Remove(ctx, queueName, jobID); err != nil {
		log.Warnf("[Queue] failed to remove canceled job %s from broker: %v", jobID, err)
	}
	return true, nil
}

func (q *Queue) Progress(ctx context.Context, jobID string, progress int, step string) error {
	return q.store.Progress(ctx, jobID, progress, step)
}

func (q *Queue) SaveResult(ctx context.Context, jobID string, result []byte) error {
	return q.store.SaveResult(ctx, jobID, result)
}

func (q *Queue) Complete(ctx context.Context, jobID string, actualCredits int64) error {
	return q.store.Complete(ctx, jobID, actualCredits, q.now().UTC())
}

// Release puts a claimed job back to queued so the broker's retry can claim it.
func (q *Queue) Release(ctx context.Context, jobID string, cause error) error {
	return q.store.Release(ctx, jobID, errorText(cause))
}

func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	return q.store.Fail(ctx, jobID, errorText(cause), q.now().UTC())
}

// Recover re-surfaces processing jobs whose lease expired without a broker
// redelivery taking them over. A job with attempts left goes back to queued
// and is published again, the rest are failed. It returns how many jobs
// were moved.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := q.now().UTC()
	expired, err := q.store.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	moved := 0
	for i := range expired {
		job := &expired[i]
		remaining := job.MaxAttempts - job.Attempts - 1
		next := model.JobStatusQueued
		if remaining <= 0 {
			next = model.JobStatusFailed
		}

		ok, err := q.store.Expire(ctx, job.ID, next, errLeaseExpired.Error(), now)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}
		moved++

		if next == model.JobStatusFailed {
			log.Warnf("[Queue] %s job %s failed after its last lease expired", job.Kind, job.ID)
			continue
		}
		err = q.broker.Publish(ctx, Message{
			ID:          job.ID,
			Queue:       job.Kind,
			Priority:    job.Priority,
			MaxAttempts: remaining,
			Timeout:     q.pool(job.Kind).JobTimeout,
			Payload:     job.Payload,
		})
		if err != nil {
			log.Errorf("[Queue] failed to republish job %s: %v", job.ID, err)
			continue
		}
		log.Warnf("[Queue] %s job %s re-queued after its lease expired", job.Kind, job.ID)
	}
	return moved, nil
}

// RunRecovery calls Recover every interval until ctx is canceled.
func (q *Queue) RunRecovery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = q.lease
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := q.Recover(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[Queue] lease recovery failed: %v", err)
			}
		}
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ClampPriority bounds a priority to the supported bands.
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > model.MaxPriority {
		return model.MaxPriority
	}
	return p
}

// Backoff returns the delay before the given retry (1-based): base doubled per
// retry, capped at ceiling when ceiling is positive.
func Backoff(base, ceiling time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func (d Delivery) String() string {
	return fmt.Sprintf("%s/%s attempt %d/%d", d.Queue, d.JobID, d.Attempt, d.MaxAttempts)
}
