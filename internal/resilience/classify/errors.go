package classify

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockContention reports that another attempt holds the feed lock.
	ErrLockContention = errors.New("lock held by another attempt")
	// ErrOrphanedSchedule reports a timer for a feed that no longer exists.
	ErrOrphanedSchedule = errors.New("schedule has no feed state")
)

// NoRetry marks an error as non-retryable.
//
// Collaborators wrap validation errors or other permanent failures with
// NoRetry so the classifier reports them as not recoverable:
//
//	return classify.NoRetry(fmt.Errorf("bad chat id: %w", err))
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

// RetryAfter attaches a provider-supplied retry delay to err.
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

// StatusError is implemented by errors that carry a numeric status code
// (HTTP status for fetches, Bot API error code for sends).
type StatusError interface {
	error
	StatusCode() int
}

// HTTPStatusError is a non-2xx HTTP response.
type HTTPStatusError struct {
	Code   int
	Status string
	URL    string
	After  time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

func (e *HTTPStatusError) StatusCode() int           { return e.Code }
func (e *HTTPStatusError) RetryAfter() time.Duration { return e.After }
