package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimitForSuffixMatch(t *testing.T) {
	t.Parallel()
	l := New(Config{Domains: map[string]Limit{"Example.org": {MaxRequests: 2, Window: time.Second, MinDelay: 5 * time.Second}}})
	tests := []struct {
		domain string
		want   time.Duration
	}{
		{"old.reddit.com", DefaultDomains["reddit.com"].MinDelay},
		{"www.example.org", 5 * time.Second},
		{"feeds.example.org", 5 * time.Second},
		{"unknown.test", DefaultLimit.MinDelay},
	}
	for _, tt := range tests {
		if got := l.LimitFor(tt.domain).MinDelay; got != tt.want {
			t.Fatalf("LimitFor(%q).MinDelay = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestWaitEnforcesMinDelay(t *testing.T) {
	t.Parallel()
	l := New(Config{Domains: map[string]Limit{"slow.test": {MaxRequests: 100, Window: time.Second, MinDelay: 80 * time.Millisecond}}})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "slow.test"); err != nil {
			t.Fatal(err)
		}
	}
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Fatalf("3 requests took %v, want >= 160ms of spacing", el)
	}
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()
	l := New(Config{Domains: map[string]Limit{"slow.test": {MaxRequests: 1, Window: time.Hour}}})
	if err := l.Wait(context.Background(), "slow.test"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "slow.test"); err == nil {
		t.Fatal("expected window budget to block past the deadline")
	}
}

func TestSweepIdle(t *testing.T) {
	t.Parallel()
	l := New(Config{Default: Limit{MaxRequests: 10, Window: time.Second}})
	_ = l.Wait(context.Background(), "a.test")
	_ = l.Wait(context.Background(), "b.test")
	if l.Len() != 2 {
		t.Fatalf("Len = %d", l.Len())
	}
	if n := l.Sweep(time.Now().Add(time.Hour), time.Minute); n != 2 || l.Len() != 0 {
		t.Fatalf("Sweep = %d, Len = %d", n, l.Len())
	}
}

func TestDomainOf(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://www.Reddit.com/r/golang/.rss": "reddit.com",
		"http://example.com:8080/feed":         "example.com",
		"feeds.example.org":                    "feeds.example.org",
	}
	for in, want := range tests {
		if got := DomainOf(in); got != want {
			t.Fatalf("DomainOf(%q) = %q, want %q", in, got, want)
		}
	}
}
