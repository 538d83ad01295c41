// Package backoff computes retry delays from a fixed ladder with
// multiplicative jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"feedrelay/internal/resilience/classify"
)

var DefaultLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

type Config struct {
	// Ladder is the nominal delay for the 1st, 2nd, ... consecutive failure.
	// Failures beyond the ladder keep doubling the last step until Max.
	Ladder []time.Duration
	Max    time.Duration
	// Jitter is the symmetric multiplicative band (0.25 = +/-25%).
	Jitter float64

	// OpLadders overrides Ladder for specific operations.
	OpLadders map[string][]time.Duration

	RateLimitDefault time.Duration
	RateLimitMax     time.Duration
}

type Backoff struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) *Backoff {
	return NewWithRand(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand is New with a caller-owned random source.
func NewWithRand(cfg Config, rng *rand.Rand) *Backoff {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = 0.25
	}
	if cfg.Jitter > 0.9 {
		cfg.Jitter = 0.9
	}
	if cfg.RateLimitDefault <= 0 {
		cfg.RateLimitDefault = classify.DefaultRateLimitDelay
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 10 * time.Minute
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

func (b *Backoff) Config() Config { return b.cfg }

// Nominal is the un-jittered delay after consecutiveFailures failures.
// It is non-decreasing in consecutiveFailures and never exceeds Max.
func (b *Backoff) Nominal(consecutiveFailures int) time.Duration {
	return nominal(b.cfg.Ladder, consecutiveFailures, b.cfg.Max)
}

// Delay is Nominal with jitter applied, clamped to Max.
func (b *Backoff) Delay(consecutiveFailures int) time.Duration {
	return b.jitter(b.Nominal(consecutiveFailures), b.cfg.Max)
}

// DelayFor is the method-aware delay: rate limit errors use the provider
// hint (or RateLimitDefault) instead of the ladder.
func (b *Backoff) DelayFor(op string, consecutiveFailures int, ce *classify.ClassifiedError) time.Duration {
	if ce != nil && ce.Kind == classify.RateLimited {
		d := ce.RetryAfter
		if d <= 0 {
			d = b.cfg.RateLimitDefault
		}
		return min(d, b.cfg.RateLimitMax)
	}
	ladder := b.cfg.Ladder
	if l, ok := b.cfg.OpLadders[op]; ok && len(l) > 0 {
		ladder = l
	}
	return b.jitter(nominal(ladder, consecutiveFailures, b.cfg.Max), b.cfg.Max)
}

func (b *Backoff) jitter(d, maxD time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	b.mu.Lock()
	r := (b.rng.Float64()*2 - 1) * b.cfg.Jitter
	b.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func nominal(ladder []time.Duration, failures int, maxD time.Duration) time.Duration {
	if failures <= 0 || len(ladder) == 0 {
		return 0
	}
	if failures <= len(ladder) {
		return min(ladder[failures-1], maxD)
	}
	d := ladder[len(ladder)-1]
	for i := len(ladder); i < failures; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	return min(d, maxD)
}
