package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

type GenerationStore struct {
	db *gorm.DB
}

func NewGenerationStore(db *gorm.DB) *GenerationStore {
	return &GenerationStore{db: db}
}

// Create records a generation. A second record for the same job is ignored.
func (s *GenerationStore) Create(ctx context.Context, g *model.Generation) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(g).Error
	return apperr.Persistence("create generation", err)
}

func (s *GenerationStore) GetByJob(ctx context.Context, jobID string) (*model.Generation, error) {
	var g model.Generation
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&g).Error; err != nil {
		return nil, lookupErr("get generation", err)
	}
	return &g, nil
}

func (s *GenerationStore) ListByOrganization(ctx context.Context, orgID string, limit int) ([]model.Generation, error) {
	var out []model.Generation
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Limit(clampLimit(limit, 20, 100)).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Persistence("list generations", err)
	}
	return out, nil
}
