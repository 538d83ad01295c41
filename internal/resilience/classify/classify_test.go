package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"feedrelay/internal/transport"
)

func TestClassifyStatusCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code        int
		kind        Kind
		recoverable bool
	}{
		{429, RateLimited, true},
		{502, NetworkError, true},
		{503, NetworkError, true},
		{504, NetworkError, true},
		{500, ServerError, true},
		{520, ServerError, true},
		{400, ClientError, false},
		{403, ClientError, false},
		{404, ClientError, false},
		{408, Timeout, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			t.Parallel()
			err := &transport.SendError{Op: transport.OpSendMessage, Code: tt.code, Description: "x"}
			ce := Classify(err, transport.OpSendMessage)
			if ce.Kind != tt.kind || ce.Recoverable != tt.recoverable || ce.Code != tt.code {
				t.Fatalf("Classify(%d) = %s/%v, want %s/%v", tt.code, ce.Kind, ce.Recoverable, tt.kind, tt.recoverable)
			}
		})
	}
}

func TestClassifyRateLimitHint(t *testing.T) {
	t.Parallel()
	withHint := &transport.SendError{Code: 429, Description: "Too Many Requests: retry after 7", After: 7 * time.Second}
	if ce := Classify(withHint, "sendMessage"); ce.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v, want 7s", ce.RetryAfter)
	}
	noHint := &HTTPStatusError{Code: 429, URL: "https://example.com/feed"}
	if ce := Classify(noHint, "fetch"); ce.RetryAfter != DefaultRateLimitDelay {
		t.Fatalf("RetryAfter = %v, want default", ce.RetryAfter)
	}
	if ce := Classify(withHint, "sendMessage"); ce.Description != "Too Many Requests: retry after 7" {
		t.Fatalf("Description = %q", ce.Description)
	}
}

func TestClassifyConnectionLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ConnectionRefused},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, ConnectionRefused},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}, Timeout},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), Timeout},
		{"message timeout", errors.New("read tcp: i/o timeout"), Timeout},
		{"unknown", errors.New("something odd"), NetworkError},
		{"lock", fmt.Errorf("check f1: %w", ErrLockContention), LockContention},
		{"orphan", ErrOrphanedSchedule, OrphanedSchedule},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.kind {
				t.Fatalf("KindOf(%v) = %s, want %s", tt.err, got, tt.kind)
			}
		})
	}
}

func TestNoRetryOverridesVerdict(t *testing.T) {
	t.Parallel()
	err := NoRetry(errors.New("chat not found"))
	ce := Classify(err, "sendMessage")
	if ce.Recoverable {
		t.Fatal("NoRetry error classified recoverable")
	}
	if !IsNoRetry(fmt.Errorf("wrapped: %w", err)) {
		t.Fatal("IsNoRetry lost through wrapping")
	}
	if Classify(nil, "x") != nil || NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil handling")
	}
}

func TestRetryAfterWrapper(t *testing.T) {
	t.Parallel()
	err := RetryAfter(&HTTPStatusError{Code: 429}, 12*time.Second)
	if ce := Classify(err, "fetch"); ce.Kind != RateLimited || ce.RetryAfter != 12*time.Second {
		t.Fatalf("got %s %v", ce.Kind, ce.RetryAfter)
	}
}

func TestKindFamilies(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{NetworkError, ConnectionRefused, Timeout} {
		if !k.Gateway() {
			t.Fatalf("%s should be gateway", k)
		}
	}
	if ServerError.Gateway() || ClientError.Recoverable() || OrphanedSchedule.Recoverable() {
		t.Fatal("family mismatch")
	}
}
