package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
)

const (
	defaultSyncTimeout  = 60 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// JobQueue is the part of the job queue the service needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *model.Job) (string, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	GetStatus(ctx context.Context, queueName model.JobKind, jobID string) (*model.JobStatusView, error)
	Cancel(ctx context.Context, queueName model.JobKind, jobID string) (bool, error)
}

type OrganizationGetter interface {
	Get(ctx context.Context, id string) (*model.Organization, error)
}

type ProviderResolver interface {
	Get(name string) (provider.Provider, error)
	Default() string
}

type CostCalculator interface {
	CalculateCost(ctx context.Context, in pricing.CostInput) pricing.Cost
}

// SubmitRequest is one generation request. Input holds the kind specific
// payload.
type SubmitRequest struct {
	OrganizationID string          `json:"-" validate:"required"`
	UserID         string          `json:"-"`
	Type           model.JobKind   `json:"-" validate:"required,oneof=image video audio"`
	Provider       string          `json:"provider,omitempty" validate:"max=64"`
	Model          string          `json:"model,omitempty" validate:"max=128"`
	Input          json.RawMessage `json:"input" validate:"required"`
}

type SubmitResponse struct {
	JobID            string          `json:"jobId"`
	Type             model.JobKind   `json:"type"`
	Status           model.JobStatus `json:"status"`
	EstimatedCredits int64           `json:"estimatedCredits"`
}

// JobService admits generation jobs against the credit balance and queues
// them.
type JobService struct {
	queue        JobQueue
	orgs         OrganizationGetter
	providers    ProviderResolver
	pricing      CostCalculator
	credits      *CreditService
	validate     *validator.Validate
	syncTimeout  time.Duration
	pollInterval time.Duration
}

// JobOption configures JobService.
type JobOption func(*JobService)

// WithSyncTimeout bounds how long SubmitSync waits (default 60s).
func WithSyncTimeout(d time.Duration) JobOption {
	return func(s *JobService) { s.syncTimeout = d }
}

// WithPollInterval sets how often SubmitSync checks the job (default 250ms).
func WithPollInterval(d time.Duration) JobOption {
	return func(s *JobService) { s.pollInterval = d }
}

// NewJobService creates a job service. orgs may be nil, in which case every
// organization is treated as active on the free plan.
func NewJobService(q JobQueue, orgs OrganizationGetter, providers ProviderResolver, calc CostCalculator, credits *CreditService, opts ...JobOption) *JobService {
	s := &JobService{
		queue:        q,
		orgs:         orgs,
		providers:    providers,
		pricing:      calc,
		credits:      credits,
		validate:     validator.New(),
		syncTimeout:  defaultSyncTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request, checks the organization can afford the
// estimated cost and queues the job. Nothing is charged here: the worker
// debits the actual cost once the generation succeeds.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperr.Validation("", "%s", err.Error())
	}

	payload, usage, err := s.decodeInput(req.Type, req.Input)
	if err != nil {
		return nil, err
	}

	if req.Provider == "" {
		req.Provider = s.providers.Default()
	}
	if _, err := s.providers.Get(req.Provider); err != nil {
		return nil, err
	}

	org, err := s.organization(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.Active() {
		return nil, apperr.Validation("organizationId", "organization %s is %s", org.ID, org.Status)
	}

	usage.Provider = req.Provider
	usage.Model = req.Model
	estimate := s.pricing.CalculateCost(ctx, usage)

	ok, balance, err := s.credits.HasEnough(ctx, req.OrganizationID, estimate.Credits)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &apperr.InsufficientCreditsError{Required: estimate.Credits, Available: balance}
	}

	raw, err := model.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	job := &model.Job{
		OrganizationID:   req.OrganizationID,
		UserID:           req.UserID,
		Kind:             req.Type,
		Provider:         req.Provider,
		Model:            req.Model,
		Operation:        usage.Operation,
		Priority:         org.Plan.Priority(),
		Payload:          raw,
		EstimatedCredits: estimate.Credits,
	}
	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	log.Infof("[Jobs] organization %s queued %s job %s (estimate %d credits)", req.OrganizationID, req.Type, jobID, estimate.Credits)
	return &SubmitResponse{
		JobID:            jobID,
		Type:             job.Kind,
		Status:           job.Status,
		EstimatedCredits: estimate.Credits,
	}, nil
}

// SubmitSync submits an image job and waits for it to finish. When the wait
// runs out the latest, still running, status is returned.
func (s *JobService) SubmitSync(ctx context.Context, req SubmitRequest) (*model.JobStatusView, error) {
	if req.Type != model.JobKindImage {
		return nil, apperr.Validation("type", "only image jobs can run synchronously")
	}
	resp, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		view, err := s.queue.GetStatus(ctx, req.Type, resp.JobID)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return view, nil
		case <-ticker.C:
		}
	}
}

// Status returns the status of a job owned by orgID.
func (s *JobService) Status(ctx context.Context, orgID string, kind model.JobKind, jobID string) (*model.JobStatusView, error) {
	if err := s.CheckOwner(ctx, orgID, jobID); err != nil {
		return nil, err
	}
	return s.queue.GetStatus(ctx, kind, jobID)
}

// Cancel cancels a queued job owned by orgID. It reports false once a worker
// has picked the job up.
func (s *JobService) Cancel(ctx context.Context, orgID string, kind model.JobKind, jobID string) (bool, error) {
	if err := s.CheckOwner(ctx, orgID, jobID); err != nil {
		return false, err
	}
	ok, err := s.queue.Cancel(ctx, kind, jobID)
	if err == nil && ok {
		log.Infof("[Jobs] organization %s canceled job %s", orgID, jobID)
	}
	return ok, err
}

// CheckOwner returns apperr.ErrNotFound unless jobID belongs to orgID.
func (s *JobService) CheckOwner(ctx context.Context, orgID, jobID string) error {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OrganizationID != orgID {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *JobService) organization(ctx context.Context, orgID string) (*model.Organization, error) {
	fallback := &model.Organization{ID: orgID, Status: model.OrganizationActive, Plan: model.PlanFree}
	if s.orgs == nil {
		return fallback, nil
	}
	org, err := s.orgs.Get(ctx, orgID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fallback, nil
	}
	return org, err
}

// decodeInput parses and validates the kind specific input and returns the
// usage the estimate is based on.
func (s *JobService) decodeInput(kind model.JobKind, input json.RawMessage) (model.JobPayload, pricing.CostInput, error) {
	usage := pricing.CostInput{Operation: pricing.OperationFor(kind), Quantity: 1}

	var target any
	switch kind {
	case model.JobKindImage:
		target = &model.ImagePayload{}
	case model.JobKindVideo:
		target = &model.VideoPayload{}
	case model.JobKindAudio:
		target = &model.AudioPayload{}
	default:
		return nil, usage, apperr.Validation("type", "unsupported job type %q", kind)
	}

	if err := json.Unmarshal(input, target); err != nil {
		return nil, usage, apperr.Validation("input", "invalid JSON: %s", err.Error())
	}
	if err := s.validate.Struct(target); err != nil {
		return nil, usage, apperr.Validation("input", "%s", err.Error())
	}

	var payload model.JobPayload
	switch p := target.(type) {
	case *model.ImagePayload:
		payload = *p
		usage.Quantity = p.Quantity()
		usage.Resolution = p.Resolution
	case *model.VideoPayload:
		payload = *p
		usage.DurationSeconds = float64(p.DurationSeconds)
		usage.Resolution = p.Resolution
	case *model.AudioPayload:
		payload = *p
		usage.Characters = len([]rune(p.Text))
	}
	return payload, usage, nil
}
