package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a failed backend call. Retryable errors are network failures,
// timeouts, rate limits and 5xx responses; everything else is permanent.
type Error struct {
	Provider  string
	Status    int
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status %d", e.Status)
	}
	if e.Retryable {
		b.WriteString(" (temporary)")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusError classifies a non-2xx response. The body snippet is kept short
// so it can be logged.
func StatusError(provider string, status int, body []byte) *Error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	var cause error
	if snippet != "" {
		cause = errors.New(snippet)
	}
	return &Error{
		Provider:  provider,
		Status:    status,
		Retryable: status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
		Cause:     cause,
	}
}

// TransportError wraps a failure to get any response at all.
func TransportError(provider string, err error) *Error {
	return &Error{
		Provider:  provider,
		Retryable: !errors.Is(err, context.Canceled),
		Cause:     fmt.Errorf("request failed: %w", err),
	}
}

// InvalidResponse reports a 2xx body the adapter cannot use.
func InvalidResponse(provider string, err error) *Error {
	return &Error{Provider: provider, Cause: err}
}

// IsRetryable is the retry predicate for backend calls.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
