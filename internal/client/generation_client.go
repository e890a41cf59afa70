package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
)

// maxErrorBody bounds how much of an upstream error body ends up in logs and
// job errors.
const maxErrorBody = 512

// GenerationClient implements provider.Provider for a JSON/HTTP generation API
type GenerationClient struct {
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
}

var _ provider.Provider = (*GenerationClient)(nil)

// NewGenerationClient creates a new generation API client. The per-attempt
// deadline comes from the caller's context; the client timeout is only a
// backstop.
func NewGenerationClient(cfg config.ProviderConfig) *GenerationClient {
	return &GenerationClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Minute,
		},
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

func (c *GenerationClient) Name() string {
	return c.name
}

// IsConfigured returns true if the client has valid configuration
func (c *GenerationClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// GenerateImage requests one or more images
func (c *GenerationClient) GenerateImage(ctx context.Context, req provider.ImageRequest) (*provider.ImageResult, error) {
	var result provider.ImageResult
	if err := c.post(ctx, "/v1/images/generations", req, &result); err != nil {
		return nil, err
	}
	if len(result.Images) == 0 {
		return nil, &apperr.ProviderError{Provider: c.name, Message: "response contained no images"}
	}
	return &result, nil
}

// GenerateVideo animates an image into a video
func (c *GenerationClient) GenerateVideo(ctx context.Context, req provider.VideoRequest) (*provider.VideoResult, error) {
	var result provider.VideoResult
	if err := c.post(ctx, "/v1/videos/generations", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateAudio synthesizes speech
func (c *GenerationClient) GenerateAudio(ctx context.Context, req provider.AudioRequest) (*provider.AudioResult, error) {
	var result provider.AudioResult
	if err := c.post(ctx, "/v1/audio/speech", req, &result); err != nil {
		return nil, err
	}
	if result.Characters == 0 {
		result.Characters = len([]rune(req.Text))
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *GenerationClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and classifies any failure
func (c *GenerationClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debugf("[%s API] → %s %s", c.name, req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warnf("[%s API] %s %s request failed: %v", c.name, req.Method, req.URL.String(), err)
		return apperr.NewProviderTransportError(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.NewProviderTransportError(c.name, fmt.Errorf("failed to read response: %w", err))
	}

	log.Debugf("[%s API] ← %d %s %s", c.name, resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		log.Warnf("[%s API] %s %s returned %d: %s", c.name, req.Method, req.URL.String(), resp.StatusCode, msg)
		return apperr.NewProviderHTTPError(c.name, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &apperr.ProviderError{Provider: c.name, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	return nil
}
