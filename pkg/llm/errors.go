package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ProviderError is an error returned by a model endpoint.
type ProviderError struct {
	Cause      error
	Provider   string
	Message    string
	Code       string
	StatusCode int
	RetryAfter time.Duration
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func (e *ProviderError) providerError() *ProviderError {
	return e
}

// Concrete provider error kinds. Each embeds the ProviderError it was built from.
type (
	AuthenticationError struct{ *ProviderError }
	InvalidRequestError struct{ *ProviderError }
	NotFoundError       struct{ *ProviderError }
	ContextLengthError  struct{ *ProviderError }
	RateLimitError      struct{ *ProviderError }
	QuotaExceededError  struct{ *ProviderError }
	ServerError         struct{ *ProviderError }
)

// NetworkError wraps a transport-level failure such as a reset connection.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// MalformedOutputError is returned when the model output could not be used,
// for example unparsable JSON or an empty response where content was required.
// It is never retried automatically.
type MalformedOutputError struct {
	Cause  error
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed model output: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed model output: %s", e.Reason)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Cause
}

// ErrorFromStatusCode maps an HTTP status code onto the error taxonomy.
// A 429 whose code reports an exhausted quota becomes a QuotaExceededError.
func ErrorFromStatusCode(provider string, statusCode int, code, message string, retryAfter time.Duration, cause error) error {
	pe := &ProviderError{
		Cause:      cause,
		Provider:   provider,
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == 400 || statusCode == 422:
		return &InvalidRequestError{pe}
	case statusCode == 401 || statusCode == 403:
		return &AuthenticationError{pe}
	case statusCode == 404:
		return &NotFoundError{pe}
	case statusCode == 413:
		return &ContextLengthError{pe}
	case statusCode == 429 && code == "insufficient_quota":
		return &QuotaExceededError{pe}
	case statusCode == 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case statusCode == 408 || statusCode >= 500:
		pe.Retryable = true
		return &ServerError{pe}
	default:
		return pe
	}
}

// AsProviderError extracts the ProviderError behind any provider error kind.
func AsProviderError(err error) (*ProviderError, bool) {
	type provider interface{ providerError() *ProviderError }
	for err != nil {
		if p, ok := err.(provider); ok {
			return p.providerError(), true
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

// StatusCode returns the HTTP status behind err, or 0.
func StatusCode(err error) int {
	if pe, ok := AsProviderError(err); ok {
		return pe.StatusCode
	}
	return 0
}

// IsRateLimit reports whether err is a transient 429.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsQuotaExceeded reports whether err is a terminal quota error.
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// IsRetryable returns true if the error is a transient failure that is safe to retry.
// Cancellation, malformed output and client errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var malformed *MalformedOutputError
	if errors.As(err, &malformed) {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var opErr net.Error
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
