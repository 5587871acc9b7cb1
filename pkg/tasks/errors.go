package tasks

import (
	"errors"
	"fmt"
	"time"
)

// ErrSoftTimeLimit is the context cause set when an invocation's soft time limit
// expires. Handlers should return promptly once their context is done.
var ErrSoftTimeLimit = errors.New("soft time limit exceeded")

// ConfigurationError is fatal at startup: missing or invalid connection, schedule
// or registry configuration.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// HandlerError wraps a failure raised by a task handler. It is recoverable and
// feeds the retry controller.
type HandlerError struct {
	Task string
	Err  error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("handler %s: %v", e.Task, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutKind distinguishes cooperative from forced termination.
type TimeoutKind string

const (
	TimeoutSoft TimeoutKind = "soft"
	TimeoutHard TimeoutKind = "hard"
)

// TimeoutError is retried like a HandlerError but kept distinct in error_detail.
type TimeoutError struct {
	Kind  TimeoutKind
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s time limit (%s) exceeded", e.Kind, e.Limit)
	}
	return fmt.Sprintf("%s time limit (%s) exceeded: %v", e.Kind, e.Limit, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// AttemptsExhaustedError marks an invocation as terminally failed. It must reach
// an operator-visible channel; the invocation stays queryable with its last error.
type AttemptsExhaustedError struct {
	InvocationID string
	Task         string
	Attempts     int
	Last         error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("invocation %s (%s) failed after %d attempt(s): %v", e.InvocationID, e.Task, e.Attempts, e.Last)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.Last }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry so the
// invocation fails immediately instead of burning its remaining attempts.
//
// Example:
//
//	return nil, tasks.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The hint replaces the exponential delay but is still bounded
// by the task's MaxBackoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
