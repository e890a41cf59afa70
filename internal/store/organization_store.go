package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

type OrganizationStore struct {
	db *gorm.DB
}

func NewOrganizationStore(db *gorm.DB) *OrganizationStore {
	return &OrganizationStore{db: db}
}

func (s *OrganizationStore) Get(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		return nil, lookupErr("get organization", err)
	}
	return &org, nil
}

// Upsert creates the organization or updates its name, status and plan.
func (s *OrganizationStore) Upsert(ctx context.Context, org *model.Organization) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status", "plan", "updated_at"}),
		}).
		Create(org).Error
	return apperr.Persistence("upsert organization", err)
}
