package backoff

import (
	"math/rand"
	"testing"
	"time"

	"feedrelay/internal/resilience/classify"
)

func TestNominalLadder(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for n, w := range want {
		if got := b.Nominal(n); got != w {
			t.Fatalf("Nominal(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestDelayMonotonicAndWithinBand(t *testing.T) {
	t.Parallel()
	b := NewWithRand(Config{}, rand.New(rand.NewSource(1)))
	cfg := b.Config()
	prev := time.Duration(0)
	for n := 1; n <= 12; n++ {
		nom := b.Nominal(n)
		if nom < prev {
			t.Fatalf("Nominal(%d)=%v < Nominal(%d)=%v", n, nom, n-1, prev)
		}
		prev = nom
		lo := time.Duration(float64(nom) * (1 - cfg.Jitter))
		hi := min(time.Duration(float64(nom)*(1+cfg.Jitter)), cfg.Max)
		for i := 0; i < 200; i++ {
			d := b.Delay(n)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d)=%v outside [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestDelayForRateLimit(t *testing.T) {
	t.Parallel()
	b := New(Config{RateLimitDefault: 20 * time.Second, RateLimitMax: time.Minute})
	tests := []struct {
		name string
		ce   *classify.ClassifiedError
		want time.Duration
	}{
		{"hint", &classify.ClassifiedError{Kind: classify.RateLimited, RetryAfter: 9 * time.Second}, 9 * time.Second},
		{"no hint", &classify.ClassifiedError{Kind: classify.RateLimited}, 20 * time.Second},
		{"capped", &classify.ClassifiedError{Kind: classify.RateLimited, RetryAfter: time.Hour}, time.Minute},
	}
	for _, tt := range tests {
		if got := b.DelayFor("sendMessage", 3, tt.ce); got != tt.want {
			t.Fatalf("%s: DelayFor = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDelayForOpLadder(t *testing.T) {
	t.Parallel()
	b := NewWithRand(Config{
		Jitter:    0.01,
		OpLadders: map[string][]time.Duration{"getMe": {100 * time.Millisecond}},
	}, rand.New(rand.NewSource(7)))
	d := b.DelayFor("getMe", 1, &classify.ClassifiedError{Kind: classify.NetworkError})
	if d < 99*time.Millisecond || d > 101*time.Millisecond {
		t.Fatalf("getMe delay = %v", d)
	}
	if d := b.DelayFor("sendMessage", 1, nil); d < 990*time.Millisecond || d > 1010*time.Millisecond {
		t.Fatalf("sendMessage delay = %v", d)
	}
}
