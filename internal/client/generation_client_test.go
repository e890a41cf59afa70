package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *GenerationClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGenerationClient(config.ProviderConfig{Name: "fal", BaseURL: srv.URL, APIKey: "key-1"})
}

func TestGenerateImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

		var req provider.ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a red fox", req.Prompt)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"images":[{"url":"https://cdn.example.com/1.png","contentType":"image/png"}],"width":512,"height":512}`))
	})

	res, err := c.GenerateImage(context.Background(), provider.ImageRequest{Prompt: "a red fox"})
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, "https://cdn.example.com/1.png", res.Images[0].URL)
	assert.Equal(t, 512, res.Width)
	assert.True(t, c.IsConfigured())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad prompt", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})

			_, err := c.GenerateAudio(context.Background(), provider.AudioRequest{Text: "hi"})
			var pe *apperr.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryable, apperr.IsRetryable(err))
		})
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewGenerationClient(config.ProviderConfig{Name: "fal", BaseURL: url, APIKey: "k"})
	_, err := c.GenerateVideo(context.Background(), provider.VideoRequest{ImageURL: "https://x/y.png", DurationSeconds: 4})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestEmptyImageResponseIsTerminal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[]}`))
	})
	_, err := c.GenerateImage(context.Background(), provider.ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, apperr.IsRetryable(err))
}
