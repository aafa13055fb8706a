package llm

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classifying gateway failures. Every error returned by the
// Client wraps exactly one of them.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimit      = errors.New("rate limited")
	ErrConnection     = errors.New("connection failed")
	ErrTimeout        = errors.New("request timed out")
	ErrResponse       = errors.New("malformed response")
	ErrServer         = errors.New("server error")
	ErrRequest        = errors.New("request rejected")
	ErrInvalidParams  = errors.New("invalid parameters")
)

// APIError carries the classification of a failed call plus whatever the
// server told us.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	return "llm: " + msg
}

func (e *APIError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout)
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrResponse):
		return "response"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrRequest):
		return "request"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	}
	return "other"
}
