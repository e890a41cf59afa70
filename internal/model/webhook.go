package model

import (
	"time"

	"gorm.io/datatypes"
)

// Events emitted by the generation pipeline
const (
	EventGenerationNew = "generation:new"
	EventJobUpdate     = "job:update"
	EventWildcard      = "*"
)

// Webhook is an organization-owned delivery endpoint. The secret is only
// serialized by the endpoints that create or rotate it.
type Webhook struct {
	ID             string                      `gorm:"primaryKey;size:64" json:"id"`
	OrganizationID string                      `gorm:"size:64;index;not null" json:"organizationId"`
	URL            string                      `gorm:"size:2048;not null" json:"url"`
	Events         datatypes.JSONSlice[string] `json:"events"`
	Secret         string                      `gorm:"size:128;not null" json:"-"`
	Enabled        bool                        `gorm:"not null" json:"enabled"`
	CreatedAt      time.Time                   `json:"createdAt"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
}

func (Webhook) TableName() string { return "webhooks" }

// Subscribes reports whether the webhook listens to event.
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event || e == EventWildcard {
			return true
		}
	}
	return false
}

// WebhookDelivery is the audit record of one delivery attempt.
type WebhookDelivery struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	WebhookID  string         `gorm:"size:64;index;not null" json:"webhookId"`
	JobID      string         `gorm:"size:64;index" json:"jobId"`
	Event      string         `gorm:"size:64;not null" json:"event"`
	Payload    datatypes.JSON `json:"payload"`
	StatusCode int            `json:"statusCode"`
	DurationMs int64          `json:"durationMs"`
	Delivered  bool           `gorm:"not null" json:"delivered"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	Attempt    int            `json:"attempt"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

// WebhookBody is the JSON document POSTed to receivers.
type WebhookBody struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	WebhookID string `json:"webhookId"`
	Data      any    `json:"data"`
}
