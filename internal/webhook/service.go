package webhook

import (
	"context"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Repository stores webhook endpoints.
type Repository interface {
	Create(ctx context.Context, w *model.Webhook) error
	Get(ctx context.Context, orgID, id string) (*model.Webhook, error)
	ListByOrganization(ctx context.Context, orgID string) ([]model.Webhook, error)
	UpdateSecret(ctx context.Context, orgID, id, secret string) (*model.Webhook, error)
	SetEnabled(ctx context.Context, orgID, id string, enabled bool) error
}

// DeliveryLister reads the delivery audit log.
type DeliveryLister interface {
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]model.WebhookDelivery, error)
}

// CreateRequest registers an endpoint.
type CreateRequest struct {
	URL    string   `json:"url" validate:"required,url,max=2048"`
	Events []string `json:"events" validate:"required,min=1,dive,oneof=generation:new job:update *"`
}

// Service manages webhook endpoints and their secrets.
type Service struct {
	webhooks   Repository
	deliveries DeliveryLister
	validate   *validator.Validate
	now        func() time.Time
}

func NewService(webhooks Repository, deliveries DeliveryLister) *Service {
	return &Service{
		webhooks:   webhooks,
		deliveries: deliveries,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// Create registers a webhook. The returned record carries its secret, which
// is not readable again afterwards.
func (s *Service) Create(ctx context.Context, orgID string, req CreateRequest) (*model.Webhook, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperr.Validation("webhook", "%s", err.Error())
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("url", "must be an absolute http(s) url")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	w := &model.Webhook{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		URL:            req.URL,
		Events:         req.Events,
		Secret:         secret,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.webhooks.Create(ctx, w); err != nil {
		return nil, err
	}
	log.Infof("[Webhook] organization %s registered webhook %s", orgID, w.ID)
	return w, nil
}

func (s *Service) List(ctx context.Context, orgID string) ([]model.Webhook, error) {
	return s.webhooks.ListByOrganization(ctx, orgID)
}

// RegenerateSecret rotates the signing secret. Deliveries already queued
// keep the secret they were triggered with.
func (s *Service) RegenerateSecret(ctx context.Context, orgID, webhookID string) (*model.Webhook, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	w, err := s.webhooks.UpdateSecret(ctx, orgID, webhookID, secret)
	if err != nil {
		return nil, err
	}
	log.Infof("[Webhook] rotated secret of webhook %s", webhookID)
	return w, nil
}

func (s *Service) SetEnabled(ctx context.Context, orgID, webhookID string, enabled bool) error {
	return s.webhooks.SetEnabled(ctx, orgID, webhookID, enabled)
}

// Deliveries lists the attempts made for a webhook of orgID, newest first.
func (s *Service) Deliveries(ctx context.Context, orgID, webhookID string, limit int) ([]model.WebhookDelivery, error) {
	if _, err := s.webhooks.Get(ctx, orgID, webhookID); err != nil {
		return nil, err
	}
	return s.deliveries.ListByWebhook(ctx, webhookID, limit)
}
