package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"
)

// Mock is an in-process Provider for development and tests.
type Mock struct {
	name      string
	latency   time.Duration
	err       error
	failFirst int64
	calls     atomic.Int64
}

var _ Provider = (*Mock)(nil)

// MockOption configures Mock.
type MockOption func(*Mock)

// WithName sets the provider name (default "mock").
func WithName(name string) MockOption {
	return func(m *Mock) { m.name = name }
}

// WithLatency delays every call.
func WithLatency(d time.Duration) MockOption {
	return func(m *Mock) { m.latency = d }
}

// WithError makes every call fail with err.
func WithError(err error) MockOption {
	return func(m *Mock) { m.err = err; m.failFirst = -1 }
}

// WithFailures makes the first n calls fail with err.
func WithFailures(n int, err error) MockOption {
	return func(m *Mock) { m.err = err; m.failFirst = int64(n) }
}

func NewMock(opts ...MockOption) *Mock {
	m := &Mock{name: "mock"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) Name() string { return m.name }

// Calls returns how many generation calls were made.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) call(ctx context.Context) error {
	n := m.calls.Add(1)
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.latency):
		}
	}
	if m.err != nil && (m.failFirst < 0 || n <= m.failFirst) {
		return m.err
	}
	return nil
}

func (m *Mock) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	n := req.NumImages
	if n <= 0 {
		n = 1
	}
	images := make([]Media, n)
	for i := range images {
		raw := []byte(fmt.Sprintf("mock-image:%s:%d", req.Prompt, i))
		images[i] = Media{
			Base64:      base64.StdEncoding.EncodeToString(raw),
			ContentType: "image/png",
		}
	}
	return &ImageResult{Images: images, Width: 1024, Height: 1024}, nil
}

func (m *Mock) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	return &VideoResult{
		Video: Media{
			Data:        []byte("mock-video:" + req.ImageURL),
			ContentType: "video/mp4",
		},
		DurationSeconds: float64(req.DurationSeconds),
	}, nil
}

// GenerateAudio pretends speech runs at fifteen characters per second.
func (m *Mock) GenerateAudio(ctx context.Context, req AudioRequest) (*AudioResult, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	chars := len([]rune(req.Text))
	return &AudioResult{
		Audio: Media{
			Data:        []byte("mock-audio:" + req.Text),
			ContentType: "audio/mpeg",
		},
		DurationSeconds: float64(chars) / 15,
		Characters:      chars,
	}, nil
}
