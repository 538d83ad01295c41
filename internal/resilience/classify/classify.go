// Package classify maps raw fetch and delivery errors onto a closed set of
// kinds with a recoverability verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

type Kind string

const (
	RateLimited       Kind = "rate_limited"
	NetworkError      Kind = "network_error"
	ServerError       Kind = "server_error"
	ClientError       Kind = "client_error"
	Timeout           Kind = "timeout"
	ConnectionRefused Kind = "connection_refused"
	LockContention    Kind = "lock_contention"
	OrphanedSchedule  Kind = "orphaned_schedule"
)

// Kinds lists every kind, in a stable order (metrics labels).
var Kinds = []Kind{RateLimited, NetworkError, ServerError, ClientError, Timeout, ConnectionRefused, LockContention, OrphanedSchedule}

// DefaultRateLimitDelay applies to a 429 without a retry hint.
const DefaultRateLimitDelay = 30 * time.Second

// Recoverable reports the default verdict for k.
func (k Kind) Recoverable() bool {
	switch k {
	case ClientError, OrphanedSchedule:
		return false
	default:
		return true
	}
}

// Gateway reports whether k belongs to the network/gateway family that
// penalizes a fetch breaker harder than a plain failure.
func (k Kind) Gateway() bool {
	return k == NetworkError || k == ConnectionRefused || k == Timeout
}

// ClassifiedError is one classified failure. It is never persisted.
type ClassifiedError struct {
	Code        int
	Description string
	Op          string
	Kind        Kind
	Recoverable bool
	RetryAfter  time.Duration
	At          time.Time
	RetryCount  int
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Description)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify is ClassifyAt with the current time. It returns nil for a nil err.
func Classify(err error, op string) *ClassifiedError {
	return ClassifyAt(err, op, time.Now())
}

// ClassifyAt classifies err raised by operation op.
func ClassifyAt(err error, op string, now time.Time) *ClassifiedError {
	if err == nil {
		return nil
	}
	var already *ClassifiedError
	if errors.As(err, &already) && already != nil {
		cp := *already
		return &cp
	}

	ce := &ClassifiedError{Op: op, At: now, Err: err, Description: describe(err)}
	ce.Code = statusCode(err)
	ce.Kind = kindOf(err, ce.Code)
	ce.Recoverable = ce.Kind.Recoverable()
	if IsNoRetry(err) {
		ce.Recoverable = false
	}
	if ce.Kind == RateLimited {
		ce.RetryAfter = retryHint(err)
		if ce.RetryAfter <= 0 {
			ce.RetryAfter = DefaultRateLimitDelay
		}
	}
	return ce
}

// KindOf is a shortcut for Classify(err, "").Kind. A nil err yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return ClassifyAt(err, "", time.Time{}).Kind
}

func kindOf(err error, code int) Kind {
	switch {
	case errors.Is(err, ErrLockContention):
		return LockContention
	case errors.Is(err, ErrOrphanedSchedule):
		return OrphanedSchedule
	}

	if code > 0 {
		switch {
		case code == 429:
			return RateLimited
		case code == 408:
			return Timeout
		case code == 502 || code == 503 || code == 504:
			return NetworkError
		case code >= 500:
			return ServerError
		case code >= 400:
			return ClientError
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Timeout
		}
		return ConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "enotfound"), strings.Contains(msg, "econnrefused"):
		return ConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "etimedout"):
		return Timeout
	case strings.Contains(msg, "too many requests"):
		return RateLimited
	}
	// Unclassifiable: retry conservatively.
	return NetworkError
}

func statusCode(err error) int {
	var se StatusError
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}

func retryHint(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

func describe(err error) string {
	var d interface{ Describe() string }
	if errors.As(err, &d) {
		if s := strings.TrimSpace(d.Describe()); s != "" {
			return s
		}
	}
	return err.Error()
}
