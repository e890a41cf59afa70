// Package provider defines the AI generation provider contract and the
// registry workers resolve providers from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
)

// ErrUnsupported is returned for an operation a provider does not offer.
var ErrUnsupported = errors.New("operation not supported by provider")

// Provider generates media. Implementations classify their failures with
// apperr.ProviderError so callers can tell retryable errors apart.
type Provider interface {
	Name() string
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
	GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error)
	GenerateAudio(ctx context.Context, req AudioRequest) (*AudioResult, error)
}

// Media is one generated artifact. Exactly one of URL, Base64 or Data is set.
type Media struct {
	URL         string `json:"url,omitempty"`
	Base64      string `json:"base64,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"contentType,omitempty"`
}

type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	NumImages      int    `json:"numImages,omitempty"`
}

type ImageResult struct {
	Images []Media `json:"images"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

type VideoRequest struct {
	Model           string `json:"model"`
	ImageURL        string `json:"imageUrl"`
	MotionPrompt    string `json:"motionPrompt,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
	Resolution      string `json:"resolution,omitempty"`
}

type VideoResult struct {
	Video           Media   `json:"video"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type AudioRequest struct {
	Model   string `json:"model"`
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

type AudioResult struct {
	Audio           Media   `json:"audio"`
	DurationSeconds float64 `json:"durationSeconds"`
	Characters      int     `json:"characters"`
}

// Registry maps provider names to implementations. It is built once during
// wiring and only read afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
	first     string
}

// NewRegistry builds a registry from providers. Duplicate names are rejected.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. It must only be called while wiring, before any Get.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if name == "" {
		return errors.New("provider name is required")
	}
	if _, dup := r.providers[name]; dup {
		return fmt.Errorf("provider %q registered twice", name)
	}
	r.providers[name] = p
	if r.first == "" {
		r.first = name
	}
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.Validation("provider", "unknown provider %q", name)
	}
	return p, nil
}

// Default is the first registered provider, used when a request names none.
func (r *Registry) Default() string {
	return r.first
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
