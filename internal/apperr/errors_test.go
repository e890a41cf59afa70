package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", NewProviderHTTPError("fal", http.StatusTooManyRequests, "slow down"), true},
		{"bad gateway", NewProviderHTTPError("fal", http.StatusBadGateway, ""), true},
		{"invalid prompt", NewProviderHTTPError("fal", http.StatusBadRequest, "invalid prompt"), false},
		{"unauthorized", NewProviderHTTPError("fal", http.StatusUnauthorized, ""), false},
		{"transport", NewProviderTransportError("fal", errors.New("connection reset")), true},
		{"circuit open", &CircuitOpenError{Key: "fal"}, true},
		{"persistence", Persistence("debit", errors.New("conn refused")), true},
		{"validation", Validation("prompt", "is required"), false},
		{"insufficient", &InsufficientCreditsError{Required: 3, Available: 1}, false},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWrappedTaxonomyMatchesSentinels(t *testing.T) {
	err := fmt.Errorf("settle job: %w", &InsufficientCreditsError{Required: 3, Available: 1})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	var ice *InsufficientCreditsError
	assert.True(t, errors.As(err, &ice))
	assert.Equal(t, int64(3), ice.Required)
	assert.Equal(t, int64(1), ice.Available)

	assert.ErrorIs(t, fmt.Errorf("x: %w", &CircuitOpenError{Key: "k"}), ErrCircuitOpen)
	assert.ErrorIs(t, Persistence("op", context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestIsUpstreamFailureIgnoresTerminalResponses(t *testing.T) {
	assert.False(t, IsUpstreamFailure(NewProviderHTTPError("fal", http.StatusBadRequest, "")))
	assert.True(t, IsUpstreamFailure(NewProviderHTTPError("fal", http.StatusServiceUnavailable, "")))
	assert.False(t, IsUpstreamFailure(&CircuitOpenError{Key: "fal"}))
}
