package model

import (
	"time"

	"gorm.io/datatypes"
)

// Asset is one stored artifact of a generation
type Asset struct {
	Path            string  `json:"path"`
	URL             string  `json:"url"`
	ContentType     string  `json:"contentType,omitempty"`
	Size            int64   `json:"size"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Generation records a completed, charged generation.
type Generation struct {
	ID             string                     `gorm:"primaryKey;size:64" json:"id"`
	JobID          string                     `gorm:"size:64;uniqueIndex;not null" json:"jobId"`
	OrganizationID string                     `gorm:"size:64;index;not null" json:"organizationId"`
	UserID         string                     `gorm:"size:64" json:"userId,omitempty"`
	Kind           JobKind                    `gorm:"size:16;not null" json:"type"`
	Provider       string                     `gorm:"size:64" json:"provider"`
	Model          string                     `gorm:"size:128" json:"model"`
	Assets         datatypes.JSONSlice[Asset] `json:"assets"`
	Credits        int64                      `json:"credits"`
	CostUSD        float64                    `json:"costUsd"`
	CreatedAt      time.Time                  `json:"createdAt"`
}

func (Generation) TableName() string { return "generations" }

// CircuitState is the shared breaker state for one upstream key.
type CircuitState struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}
