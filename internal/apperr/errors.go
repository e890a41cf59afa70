package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrValidation          = errors.New("validation failed")
	ErrPersistence         = errors.New("persistence failure")
)

// InsufficientCreditsError is returned when a balance cannot cover an amount.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// ProviderError is an upstream AI provider failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderHTTPError classifies an upstream HTTP status: 429 and 5xx are
// retryable, every other 4xx is terminal.
func NewProviderHTTPError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    body,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// NewProviderTransportError wraps a network failure, which is always retryable.
func NewProviderTransportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Message:   err.Error(),
		Retryable: true,
		Err:       err,
	}
}

// CircuitOpenError is returned without calling upstream while a circuit is open.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: service temporarily unavailable", e.Key)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// PersistenceError wraps a storage or ledger I/O failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Persistence wraps err as a PersistenceError, or returns nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether a failed operation may succeed if attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrPersistence) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUpstreamFailure reports whether err should count against an upstream's
// circuit. Terminal 4xx responses mean the upstream is healthy.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return IsRetryable(err)
}
