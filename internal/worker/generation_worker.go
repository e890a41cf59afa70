package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/ledger"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/retry"
	"github.com/gabrielkendy/agenciabase-sub002/internal/storage"
)

// JobQueue is the part of the job queue a worker drives.
type JobQueue interface {
	ClaimDelivery(ctx context.Context, d queue.Delivery) (*model.Job, error)
	Progress(ctx context.Context, jobID string, progress int, step string) error
	SaveResult(ctx context.Context, jobID string, result []byte) error
	Complete(ctx context.Context, jobID string, actualCredits int64) error
	Release(ctx context.Context, jobID string, cause error) error
	Fail(ctx context.Context, jobID string, cause error) error
}

type CostCalculator interface {
	CalculateCost(ctx context.Context, in pricing.CostInput) pricing.Cost
}

type Debiter interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.DebitResult, error)
}

type GenerationRecorder interface {
	Create(ctx context.Context, g *model.Generation) error
}

// Notifier pushes realtime events. Notify must not block.
type Notifier interface {
	Notify(channel, event string, payload any)
}

// EventTrigger fans events out to webhooks.
type EventTrigger interface {
	Trigger(ctx context.Context, orgID, event string, data any) (int, error)
}

// Deps are the collaborators of a GenerationWorker. Notifier, Events and
// Guard are optional.
type Deps struct {
	Queue       JobQueue
	Providers   *provider.Registry
	Storage     storage.Storage
	Pricing     CostCalculator
	Ledger      Debiter
	Generations GenerationRecorder
	Notifier    Notifier
	Events      EventTrigger
	Guard       retry.Guard
}

// JobUpdate is the payload of job:update notifications and webhooks.
type JobUpdate struct {
	JobID   string                  `json:"jobId"`
	Type    model.JobKind           `json:"type"`
	Status  model.JobStatus         `json:"status"`
	Step    string                  `json:"step,omitempty"`
	Credits int64                   `json:"credits,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Result  *model.GenerationResult `json:"result,omitempty"`
}

// GenerationWorker runs image, video and audio jobs end to end: provider
// call, asset upload, pricing, settlement and notification.
type GenerationWorker struct {
	Deps
	retriers map[model.JobKind]*retry.Retrier
}

// Option configures GenerationWorker.
type Option func(*GenerationWorker)

// WithPolicy overrides the retry policy of one job kind.
func WithPolicy(kind model.JobKind, p retry.Policy) Option {
	return func(w *GenerationWorker) { w.retriers[kind] = retry.New(p, w.Guard) }
}

// NewGenerationWorker creates a new generation worker
func NewGenerationWorker(deps Deps, opts ...Option) *GenerationWorker {
	w := &GenerationWorker{
		Deps:     deps,
		retriers: make(map[model.JobKind]*retry.Retrier, len(model.GenerationKinds)),
	}
	for _, kind := range model.GenerationKinds {
		w.retriers[kind] = retry.New(retry.PolicyFor(kind), deps.Guard)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one delivery of a generation job.
func (w *GenerationWorker) Handle(ctx context.Context, d queue.Delivery) error {
	job, err := w.Queue.ClaimDelivery(ctx, d)
	if err != nil {
		if errors.Is(err, queue.ErrNotClaimable) {
			log.Debugf("[Worker] %s not claimable, dropping", d)
			return nil
		}
		return err
	}

	log.Infof("[Worker] starting %s (provider %s)", d, job.Provider)
	result, err := w.process(ctx, job)
	if err != nil {
		return w.fail(ctx, job, d, err)
	}

	log.Infof("[Worker] %s job %s completed, %d credits", job.Kind, job.ID, result.Credits)
	return nil
}

func (w *GenerationWorker) process(ctx context.Context, job *model.Job) (*model.GenerationResult, error) {
	payload, err := job.DecodePayload()
	if err != nil {
		return nil, queue.Permanent(err)
	}

	var result *model.GenerationResult
	if job.HasResult() {
		// an earlier attempt generated and stored the assets
		result = &model.GenerationResult{}
		if err := json.Unmarshal(job.Result, result); err != nil {
			return nil, queue.Permanent(fmt.Errorf("failed to decode saved result: %w", err))
		}
		log.Infof("[Worker] job %s reusing saved result", job.ID)
	} else {
		prov, err := w.Providers.Get(job.Provider)
		if err != nil {
			return nil, queue.Permanent(err)
		}

		w.progress(ctx, job, 10, "Generating")
		out, err := w.generate(ctx, prov, job, payload)
		if err != nil {
			return nil, err
		}

		w.progress(ctx, job, 60, "Uploading assets")
		assets, err := w.upload(ctx, job, out)
		if err != nil {
			return nil, err
		}

		cost := w.Pricing.CalculateCost(ctx, pricing.CostInput{
			Provider:        job.Provider,
			Model:           job.Model,
			Operation:       out.operation,
			Resolution:      out.resolution,
			Quantity:        out.quantity,
			DurationSeconds: out.duration,
			Characters:      out.characters,
		})
		result = &model.GenerationResult{
			Assets:          assets,
			Width:           out.width,
			Height:          out.height,
			DurationSeconds: out.duration,
			Characters:      out.characters,
			Credits:         cost.Credits,
			CostUSD:         cost.CostUSD,
		}

		raw, err := json.Marshal(result)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		if err := w.Queue.SaveResult(ctx, job.ID, raw); err != nil {
			return nil, err
		}
	}

	w.progress(ctx, job, 90, "Settling credits")
	gen, err := w.settle(ctx, job, result)
	if err != nil {
		return nil, err
	}

	if err := w.Queue.Complete(ctx, job.ID, result.Credits); err != nil {
		return nil, err
	}

	w.trigger(ctx, job.OrganizationID, model.EventGenerationNew, gen)
	w.publish(ctx, job, JobUpdate{JobID: job.ID, Type: job.Kind, Status: model.JobStatusCompleted, Credits: result.Credits, Result: result})
	return result, nil
}

// settle charges the job and records the generation. Both writes are keyed
// by the job id, so repeating them after a crash is harmless.
func (w *GenerationWorker) settle(ctx context.Context, job *model.Job, result *model.GenerationResult) (*model.Generation, error) {
	if result.Credits > 0 {
		res, err := w.Ledger.Debit(ctx, ledger.DebitRequest{
			OrganizationID: job.OrganizationID,
			UserID:         job.UserID,
			Amount:         result.Credits,
			ReferenceType:  model.ReferenceTypeJob,
			ReferenceID:    job.ID,
			Description:    fmt.Sprintf("%s generation via %s", job.Kind, job.Provider),
		})
		if err != nil {
			if errors.Is(err, apperr.ErrInsufficientCredits) {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}
		if res.Duplicate {
			log.Infof("[Worker] job %s was already charged", job.ID)
		}
	}

	gen := &model.Generation{
		ID:             uuid.New().String(),
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		Kind:           job.Kind,
		Provider:       job.Provider,
		Model:          job.Model,
		Assets:         result.Assets,
		Credits:        result.Credits,
		CostUSD:        result.CostUSD,
	}
	if err := w.Generations.Create(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// fail releases the job for another attempt when one is left and the error
// may pass, otherwise it fails the job for good. Nothing is charged.
func (w *GenerationWorker) fail(ctx context.Context, job *model.Job, d queue.Delivery, err error) error {
	retryable := ctx.Err() != nil || (!queue.IsPermanent(err) && apperr.IsRetryable(err))
	if retryable && !d.LastAttempt() {
		log.Warnf("[Worker] %s failed, will retry: %v", d, err)
		if rerr := w.Queue.Release(context.WithoutCancel(ctx), job.ID, err); rerr != nil {
			log.Errorf("[Worker] failed to release job %s: %v", job.ID, rerr)
		}
		w.notify(job, JobUpdate{JobID: job.ID, Type: job.Kind, Status: model.JobStatusQueued, Error: err.Error()})
		return err
	}

	log.Errorf("[Worker] %s failed: %v", d, err)
	ctx = context.WithoutCancel(ctx)
	if ferr := w.Queue.Fail(ctx, job.ID, err); ferr != nil {
		log.Errorf("[Worker] failed to mark job %s failed: %v", job.ID, ferr)
	}
	w.publish(ctx, job, JobUpdate{JobID: job.ID, Type: job.Kind, Status: model.JobStatusFailed, Error: err.Error()})
	return queue.Permanent(err)
}

func (w *GenerationWorker) progress(ctx context.Context, job *model.Job, pct int, step string) {
	if err := w.Queue.Progress(ctx, job.ID, pct, step); err != nil {
		log.Warnf("[Worker] failed to update progress of job %s: %v", job.ID, err)
	}
	w.notify(job, JobUpdate{JobID: job.ID, Type: job.Kind, Status: model.JobStatusProcessing, Step: step})
}

// publish announces a terminal job state on the realtime channels and to
// webhooks.
func (w *GenerationWorker) publish(ctx context.Context, job *model.Job, update JobUpdate) {
	w.notify(job, update)
	w.trigger(ctx, job.OrganizationID, model.EventJobUpdate, update)
}

func (w *GenerationWorker) notify(job *model.Job, update JobUpdate) {
	if w.Notifier == nil {
		return
	}
	w.Notifier.Notify(model.OrgChannel(job.OrganizationID), model.EventJobUpdate, update)
	w.Notifier.Notify(model.JobChannel(job.ID), model.EventJobUpdate, update)
}

func (w *GenerationWorker) trigger(ctx context.Context, orgID, event string, data any) {
	if w.Events == nil {
		return
	}
	if _, err := w.Events.Trigger(ctx, orgID, event, data); err != nil {
		log.Errorf("[Worker] failed to trigger %s for organization %s: %v", event, orgID, err)
	}
}
