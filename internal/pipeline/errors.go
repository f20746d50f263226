package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound indicates the backend no longer knows the job. A poll loop
// treats this as terminal-with-error and stops.
var ErrNotFound = errors.New("pipeline: not found")

// TransientError wraps a network failure or 5xx response. Poll loops log it
// and continue on schedule; job failure is observed only through the job's
// own status field, never through fetch errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient pipeline error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is recoverable by the next poll tick.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError represents a permanent error response from the pipeline API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pipeline API error %d on %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

// RateLimitError indicates the client-side limiter rejected the request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// classifyStatus maps an HTTP response status to the error taxonomy.
func classifyStatus(statusCode int, endpoint, body string) error {
	switch {
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode >= 500:
		return &TransientError{Err: &APIError{StatusCode: statusCode, Message: body, Endpoint: endpoint}}
	default:
		return &APIError{StatusCode: statusCode, Message: body, Endpoint: endpoint}
	}
}
