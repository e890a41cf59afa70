package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobKind names both the type of a job and the logical queue it runs on.
type JobKind string

const (
	JobKindImage   JobKind = "image"
	JobKindVideo   JobKind = "video"
	JobKindAudio   JobKind = "audio"
	JobKindWebhook JobKind = "webhook"
)

// JobKinds lists every queue in a stable order.
var JobKinds = []JobKind{JobKindImage, JobKindVideo, JobKindAudio, JobKindWebhook}

// GenerationKinds lists the queues that run AI generation.
var GenerationKinds = []JobKind{JobKindImage, JobKindVideo, JobKindAudio}

func (k JobKind) Valid() bool {
	switch k {
	case JobKindImage, JobKindVideo, JobKindAudio, JobKindWebhook:
		return true
	}
	return false
}

// IsGeneration reports whether jobs of this kind call an AI provider.
func (k JobKind) IsGeneration() bool {
	return k == JobKindImage || k == JobKindVideo || k == JobKindAudio
}

// ParseJobKind converts a route or config value into a JobKind.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is the durable record of one unit of queued work.
type Job struct {
	ID               string         `gorm:"primaryKey;size:64" json:"id"`
	OrganizationID   string         `gorm:"size:64;index;not null" json:"organizationId"`
	UserID           string         `gorm:"size:64" json:"userId,omitempty"`
	Kind             JobKind        `gorm:"size:16;index;not null" json:"type"`
	Provider         string         `gorm:"size:64" json:"provider,omitempty"`
	Model            string         `gorm:"size:128" json:"model,omitempty"`
	Operation        string         `gorm:"size:32" json:"operation,omitempty"`
	Status           JobStatus      `gorm:"size:16;index;not null" json:"status"`
	Priority         int            `gorm:"not null;default:0" json:"priority"`
	Progress         int            `gorm:"not null;default:0" json:"progress"`
	CurrentStep      string         `gorm:"size:128" json:"currentStep,omitempty"`
	Payload          datatypes.JSON `json:"-"`
	Result           datatypes.JSON `json:"result,omitempty"`
	EstimatedCredits int64          `gorm:"not null;default:0" json:"estimatedCredits"`
	ActualCredits    int64          `gorm:"not null;default:0" json:"actualCredits"`
	Attempts         int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts      int            `gorm:"not null;default:1" json:"maxAttempts"`
	LeaseUntil       *time.Time     `json:"-"`
	Error            *string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

func (Job) TableName() string { return "ai_jobs" }

// DecodePayload returns the typed payload stored on the job.
func (j *Job) DecodePayload() (JobPayload, error) {
	return DecodePayload(j.Payload)
}

// HasResult reports whether an earlier attempt already persisted a result.
func (j *Job) HasResult() bool {
	return len(j.Result) > 0 && string(j.Result) != "null"
}

// StatusView builds the public status projection of the job.
func (j *Job) StatusView() *JobStatusView {
	v := &JobStatusView{
		JobID:            j.ID,
		Type:             j.Kind,
		Status:           j.Status,
		Progress:         j.Progress,
		CurrentStep:      j.CurrentStep,
		Error:            j.Error,
		EstimatedCredits: j.EstimatedCredits,
		ActualCredits:    j.ActualCredits,
		Attempts:         j.Attempts,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
	if j.Status == JobStatusCompleted && j.HasResult() {
		v.Result = json.RawMessage(j.Result)
	}
	return v
}

// JobStatusView is what status lookups expose to callers.
type JobStatusView struct {
	JobID            string          `json:"jobId"`
	Type             JobKind         `json:"type"`
	Status           JobStatus       `json:"status"`
	Progress         int             `json:"progress"`
	CurrentStep      string          `json:"currentStep,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	EstimatedCredits int64           `json:"estimatedCredits"`
	ActualCredits    int64           `json:"actualCredits"`
	Attempts         int             `json:"attempts"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// GenerationResult is stored on a completed generation job.
type GenerationResult struct {
	Assets          []Asset        `json:"assets"`
	Width           int            `json:"width,omitempty"`
	Height          int            `json:"height,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	Characters      int            `json:"characters,omitempty"`
	Credits         int64          `json:"credits"`
	CostUSD         float64        `json:"costUsd"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
