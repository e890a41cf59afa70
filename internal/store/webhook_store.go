package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// WebhookStore persists webhook endpoints.
type WebhookStore struct {
	db *gorm.DB
}

func NewWebhookStore(db *gorm.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func (s *WebhookStore) Create(ctx context.Context, w *model.Webhook) error {
	return apperr.Persistence("create webhook", s.db.WithContext(ctx).Create(w).Error)
}

// Get returns the webhook if it belongs to orgID.
func (s *WebhookStore) Get(ctx context.Context, orgID, id string) (*model.Webhook, error) {
	var w model.Webhook
	err := s.db.WithContext(ctx).Where("id = ? AND organization_id = ?", id, orgID).First(&w).Error
	if err != nil {
		return nil, lookupErr("get webhook", err)
	}
	return &w, nil
}

func (s *WebhookStore) ListByOrganization(ctx context.Context, orgID string) ([]model.Webhook, error) {
	var out []model.Webhook
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.Persistence("list webhooks", err)
	}
	return out, nil
}

// ListSubscribed returns the enabled webhooks of orgID that listen to event.
// Event filtering happens in Go so the JSON column stays dialect neutral.
func (s *WebhookStore) ListSubscribed(ctx context.Context, orgID, event string) ([]model.Webhook, error) {
	var all []model.Webhook
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND enabled = ?", orgID, true).
		Order("created_at ASC").
		Find(&all).Error
	if err != nil {
		return nil, apperr.Persistence("list subscribed webhooks", err)
	}
	out := all[:0]
	for _, w := range all {
		if w.Subscribes(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

// UpdateSecret replaces the signing secret and returns the updated webhook.
func (s *WebhookStore) UpdateSecret(ctx context.Context, orgID, id, secret string) (*model.Webhook, error) {
	res := s.db.WithContext(ctx).Model(&model.Webhook{}).
		Where("id = ? AND organization_id = ?", id, orgID).
		Updates(map[string]any{"secret": secret, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, apperr.Persistence("update webhook secret", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrNotFound
	}
	return s.Get(ctx, orgID, id)
}

// SetEnabled toggles delivery to the webhook.
func (s *WebhookStore) SetEnabled(ctx context.Context, orgID, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&model.Webhook{}).
		Where("id = ? AND organization_id = ?", id, orgID).
		Updates(map[string]any{"enabled": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return apperr.Persistence("update webhook", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// DeliveryStore persists the audit trail of webhook delivery attempts.
type DeliveryStore struct {
	db *gorm.DB
}

func NewDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func (s *DeliveryStore) Record(ctx context.Context, d *model.WebhookDelivery) error {
	return apperr.Persistence("record webhook delivery", s.db.WithContext(ctx).Create(d).Error)
}

// ListByWebhook returns the newest delivery attempts first.
func (s *DeliveryStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Limit(clampLimit(limit, 50, 500)).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Persistence("list webhook deliveries", err)
	}
	return out, nil
}

// CountByJob returns how many attempts were recorded for one delivery job.
func (s *DeliveryStore) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.WebhookDelivery{}).Where("job_id = ?", jobID).Count(&n).Error
	if err != nil {
		return 0, apperr.Persistence("count webhook deliveries", err)
	}
	return n, nil
}
