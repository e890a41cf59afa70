package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/retry"
)

const (
	defaultTimeout = 30 * time.Second
	// maxResponseBody bounds how much of a receiver's answer is kept.
	maxResponseBody = 1024
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// JobQueue is the part of the job queue the delivery worker drives.
type JobQueue interface {
	ClaimDelivery(ctx context.Context, d queue.Delivery) (*model.Job, error)
	Complete(ctx context.Context, jobID string, actualCredits int64) error
	Release(ctx context.Context, jobID string, cause error) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// DeliveryRecorder persists delivery attempts.
type DeliveryRecorder interface {
	Record(ctx context.Context, d *model.WebhookDelivery) error
}

// DeliveryWorker POSTs webhook jobs to their receivers.
type DeliveryWorker struct {
	queue      JobQueue
	deliveries DeliveryRecorder
	guard      retry.Guard
	client     *http.Client
	timeout    time.Duration
	now        func() time.Time
}

// DeliveryOption configures DeliveryWorker.
type DeliveryOption func(*DeliveryWorker)

// WithTimeout bounds one POST (default 30s).
func WithTimeout(d time.Duration) DeliveryOption {
	return func(w *DeliveryWorker) { w.timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) DeliveryOption {
	return func(w *DeliveryWorker) { w.client = c }
}

// NewDeliveryWorker creates a worker. guard may be nil.
func NewDeliveryWorker(q JobQueue, deliveries DeliveryRecorder, guard retry.Guard, opts ...DeliveryOption) *DeliveryWorker {
	w := &DeliveryWorker{
		queue:      q,
		deliveries: deliveries,
		guard:      guard,
		client:     &http.Client{},
		timeout:    defaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle delivers one webhook job attempt. Every attempt leaves a delivery
// row, whatever its outcome.
func (w *DeliveryWorker) Handle(ctx context.Context, d queue.Delivery) error {
	job, err := w.queue.ClaimDelivery(ctx, d)
	if err != nil {
		if errors.Is(err, queue.ErrNotClaimable) {
			log.Debugf("[Webhook] %s not claimable, dropping", d)
			return nil
		}
		return err
	}

	p, err := job.DecodePayload()
	if err != nil {
		return w.settle(ctx, job.ID, d, queue.Permanent(err))
	}
	payload, ok := p.(model.WebhookPayload)
	if !ok {
		return w.settle(ctx, job.ID, d, queue.Permanent(fmt.Errorf("job %s carries a %s payload", job.ID, p.Kind())))
	}

	body, err := json.Marshal(model.WebhookBody{
		Event:     payload.Event,
		Timestamp: payload.Timestamp.UTC().Format(timestampLayout),
		WebhookID: payload.WebhookID,
		Data:      payload.Data,
	})
	if err != nil {
		return w.settle(ctx, job.ID, d, queue.Permanent(err))
	}

	record := &model.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: payload.WebhookID,
		JobID:     job.ID,
		Event:     payload.Event,
		Payload:   body,
		Attempt:   d.Attempt,
	}
	deliverErr := w.deliver(ctx, job.ID, payload, body, record)

	// the attempt is recorded and settled even when ctx ended it
	ctx = context.WithoutCancel(ctx)
	record.Delivered = deliverErr == nil
	if deliverErr != nil {
		record.Error = deliverErr.Error()
	}
	record.CreatedAt = w.now().UTC()
	if err := w.deliveries.Record(ctx, record); err != nil {
		log.Errorf("[Webhook] failed to record delivery of job %s: %v", job.ID, err)
	}

	return w.settle(ctx, job.ID, d, deliverErr)
}

func (w *DeliveryWorker) deliver(ctx context.Context, jobID string, p model.WebhookPayload, body []byte, record *model.WebhookDelivery) error {
	target, err := url.Parse(p.URL)
	if err != nil || target.Host == "" {
		return queue.Permanent(apperr.Validation("url", "invalid webhook url %q", p.URL))
	}
	key := "webhook:" + target.Host

	if w.guard != nil {
		if err := w.guard.Allow(ctx, key); err != nil {
			return err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(body, p.Secret))
	req.Header.Set(HeaderEvent, p.Event)
	req.Header.Set(HeaderDelivery, jobID)
	req.Header.Set(HeaderTimestamp, p.Timestamp.UTC().Format(timestampLayout))

	start := time.Now()
	resp, err := w.client.Do(req)
	record.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		err = apperr.NewProviderTransportError("webhook", err)
		w.report(ctx, key, err)
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	record.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := apperr.NewProviderHTTPError("webhook", resp.StatusCode, string(respBody))
		w.report(ctx, key, err)
		return err
	}
	w.report(ctx, key, nil)
	return nil
}

// report feeds the destination breaker. A receiver answering 4xx is up.
func (w *DeliveryWorker) report(ctx context.Context, key string, err error) {
	if w.guard == nil {
		return
	}
	if apperr.IsUpstreamFailure(err) {
		w.guard.RecordFailure(ctx, key)
		return
	}
	w.guard.RecordSuccess(ctx, key)
}

// settle moves the job to its next state. Any failed attempt is retried by
// the queue until the last one.
func (w *DeliveryWorker) settle(ctx context.Context, jobID string, d queue.Delivery, err error) error {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.queue.Complete(ctx, jobID, 0); cerr != nil {
			log.Errorf("[Webhook] failed to complete job %s: %v", jobID, cerr)
		}
		log.Debugf("[Webhook] delivered %s", d)
		return nil
	}

	if !d.LastAttempt() && !queue.IsPermanent(err) {
		log.Warnf("[Webhook] %s failed, will retry: %v", d, err)
		if rerr := w.queue.Release(ctx, jobID, err); rerr != nil {
			log.Errorf("[Webhook] failed to release job %s: %v", jobID, rerr)
		}
		return err
	}

	log.Errorf("[Webhook] %s failed permanently: %v", d, err)
	if ferr := w.queue.Fail(ctx, jobID, err); ferr != nil {
		log.Errorf("[Webhook] failed to mark job %s failed: %v", jobID, ferr)
	}
	return queue.Permanent(err)
}
