package store

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// JobStore persists job records. Every state change is a conditional UPDATE
// on the current status, so two workers can never both move the same job.
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return apperr.Persistence("create job", err)
	}
	return nil
}

// Get returns the job or apperr.ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, lookupErr("get job", err)
	}
	return &job, nil
}

// Claim moves a queued job, or a processing job whose lease expired, to
// processing. It reports false when the job is not claimable.
func (s *JobStore) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND (status = ? OR (status = ? AND lease_until < ?))",
			id, model.JobStatusQueued, model.JobStatusProcessing, now).
		Updates(map[string]any{
			"status":      model.JobStatusProcessing,
			"started_at":  gorm.Expr("COALESCE(started_at, ?)", now),
			"lease_until": leaseUntil,
		})
	if res.Error != nil {
		return false, apperr.Persistence("claim job", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Takeover renews the lease of a processing job for a redelivered attempt
// whatever the remaining lease. The abandoned attempt is counted.
func (s *JobStore) Takeover(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]any{
			"attempts":    gorm.Expr("attempts + 1"),
			"started_at":  gorm.Expr("COALESCE(started_at, ?)", now),
			"lease_until": leaseUntil,
		})
	if res.Error != nil {
		return false, apperr.Persistence("take over job", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListExpired returns processing jobs whose lease ended before now.
func (s *JobStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND lease_until < ?", model.JobStatusProcessing, now).
		Order("lease_until").
		Limit(clampLimit(limit, 100, 500)).
		Find(&jobs).Error
	if err != nil {
		return nil, apperr.Persistence("list expired jobs", err)
	}
	return jobs, nil
}

// Expire moves a processing job whose lease ended before now to next, which
// is queued for another attempt or failed once attempts are spent. It
// reports false when the job was taken over or settled meanwhile.
func (s *JobStore) Expire(ctx context.Context, id string, next model.JobStatus, reason string, now time.Time) (bool, error) {
	updates := map[string]any{
		"status":      next,
		"attempts":    gorm.Expr("attempts + 1"),
		"error":       reason,
		"lease_until": nil,
	}
	if next.Terminal() {
		updates["completed_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_until < ?", id, model.JobStatusProcessing, now).
		Updates(updates)
	if res.Error != nil {
		return false, apperr.Persistence("expire job", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Cancel moves a queued job to canceled. It reports false once the job has
// been claimed or finished.
func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusQueued).
		Updates(map[string]any{
			"status":       model.JobStatusCanceled,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, apperr.Persistence("cancel job", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *JobStore) Progress(ctx context.Context, id string, progress int, step string) error {
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]any{"progress": progress, "current_step": step}).Error
	return apperr.Persistence("update job progress", err)
}

// SaveResult stores the result before the job is settled, so a retry after a
// crash can skip the provider call.
func (s *JobStore) SaveResult(ctx context.Context, id string, result []byte) error {
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Update("result", datatypes.JSON(result)).Error
	return apperr.Persistence("save job result", err)
}

func (s *JobStore) Complete(ctx context.Context, id string, actualCredits int64, now time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]any{
			"status":         model.JobStatusCompleted,
			"progress":       100,
			"actual_credits": actualCredits,
			"attempts":       gorm.Expr("attempts + 1"),
			"error":          nil,
			"lease_until":    nil,
			"completed_at":   now,
		}).Error
	return apperr.Persistence("complete job", err)
}

// Release returns a processing job to the queue for another attempt.
func (s *JobStore) Release(ctx context.Context, id, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]any{
			"status":      model.JobStatusQueued,
			"attempts":    gorm.Expr("attempts + 1"),
			"error":       reason,
			"lease_until": nil,
		}).Error
	return apperr.Persistence("release job", err)
}

// Fail marks a queued or processing job as failed.
func (s *JobStore) Fail(ctx context.Context, id, reason string, now time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}).
		Updates(map[string]any{
			"status":       model.JobStatusFailed,
			"attempts":     gorm.Expr("attempts + 1"),
			"error":        reason,
			"lease_until":  nil,
			"completed_at": now,
		}).Error
	return apperr.Persistence("fail job", err)
}

// ListByOrganization returns the newest jobs of an organization.
func (s *JobStore) ListByOrganization(ctx context.Context, orgID string, kind model.JobKind, limit int) ([]model.Job, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var jobs []model.Job
	err := q.Order("created_at DESC").Limit(clampLimit(limit, 20, 100)).Find(&jobs).Error
	if err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	return jobs, nil
}
