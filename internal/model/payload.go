package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobPayload is the tagged union carried by every job. Each queue has
// exactly one payload type.
type JobPayload interface {
	Kind() JobKind
}

// ImagePayload contains the data for an image generation job
type ImagePayload struct {
	Prompt         string `json:"prompt" validate:"required,max=4000"`
	NegativePrompt string `json:"negativePrompt,omitempty" validate:"max=2000"`
	AspectRatio    string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	NumImages      int    `json:"numImages,omitempty" validate:"omitempty,min=1,max=8"`
	Resolution     string `json:"resolution,omitempty"`
}

// VideoPayload contains the data for a video generation job
type VideoPayload struct {
	ImageURL        string `json:"imageUrl" validate:"required,url"`
	MotionPrompt    string `json:"motionPrompt,omitempty" validate:"max=2000"`
	DurationSeconds int    `json:"durationSeconds" validate:"required,min=1,max=60"`
	Resolution      string `json:"resolution,omitempty"`
}

// AudioPayload contains the data for a speech/audio generation job
type AudioPayload struct {
	Text    string `json:"text" validate:"required,max=20000"`
	VoiceID string `json:"voiceId,omitempty"`
}

// WebhookPayload contains one outbound webhook delivery. Timestamp is fixed
// when the event is triggered so every retry sends an identical body.
type WebhookPayload struct {
	WebhookID string          `json:"webhookId"`
	URL       string          `json:"url"`
	Secret    string          `json:"secret"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (ImagePayload) Kind() JobKind   { return JobKindImage }
func (VideoPayload) Kind() JobKind   { return JobKindVideo }
func (AudioPayload) Kind() JobKind   { return JobKindAudio }
func (WebhookPayload) Kind() JobKind { return JobKindWebhook }

// Quantity is the billable unit count of the payload.
func (p ImagePayload) Quantity() int {
	if p.NumImages <= 0 {
		return 1
	}
	return p.NumImages
}

type payloadEnvelope struct {
	Kind JobKind         `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes a payload together with its kind tag.
func EncodePayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil job payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload parses a tagged payload into its concrete type.
func DecodePayload(raw []byte) (JobPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	var (
		p   JobPayload
		err error
	)
	switch env.Kind {
	case JobKindImage:
		var v ImagePayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case JobKindVideo:
		var v VideoPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case JobKindAudio:
		var v AudioPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case JobKindWebhook:
		var v WebhookPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return p, nil
}
