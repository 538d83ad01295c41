// Package breaker implements the circuit breakers guarding feed fetches
// (one per source domain) and deliveries (one for the whole endpoint).
package breaker

import (
	"errors"
	"math"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker settings. Zero values take defaults.
//
// Defaults:
//   - FailureThreshold: 5
//   - SuccessThreshold: 2
//   - ResetTimeout: 60s
//
// When SlowResponse or FastResponse is set the failure threshold adapts to
// the rolling average response time: x1.5 above SlowResponse, x0.75 below
// FastResponse.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	SlowResponse     time.Duration
	FastResponse     time.Duration

	Now func() time.Time
}

const (
	slowFactor = 1.5
	fastFactor = 0.75
	// ewmaAlpha weights the newest response time sample.
	ewmaAlpha = 0.2
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker is a single CLOSED/OPEN/HALF_OPEN state machine. Safe for
// concurrent use; each instance has its own lock.
type Breaker struct {
	key string
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	nextAttempt   time.Time
	avgResponse   time.Duration
	probeInFlight bool
	lastUsed      time.Time
	opens         int
}

func New(key string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{key: key, cfg: cfg, lastUsed: cfg.Now()}
}

func (b *Breaker) Key() string { return b.key }

// CanExecute reports whether a call may proceed. In OPEN it flips to
// HALF_OPEN once ResetTimeout has elapsed; HALF_OPEN admits one probe at a time.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Now()
	b.lastUsed = now

	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
		b.probeInFlight = true
		return true
	default:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
}

// TryProbe moves an OPEN breaker to HALF_OPEN before its timer and claims
// the probe slot. It reports false if a probe is already in flight.
func (b *Breaker) TryProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = b.cfg.Now()
	switch b.state {
	case Closed:
		return true
	case Open:
		b.state = HalfOpen
		b.successes = 0
	}
	if b.probeInFlight {
		return false
	}
	b.probeInFlight = true
	return true
}

// ReleaseProbe frees the probe slot without recording an outcome.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) RecordSuccess(rt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe(rt)

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.nextAttempt = time.Time{}
		}
	}
}

func (b *Breaker) RecordFailure(rt time.Duration) { b.RecordFailures(1, rt) }

// RecordFailures records n failures at once. A failure in HALF_OPEN always
// reopens the breaker.
func (b *Breaker) RecordFailures(n int, rt time.Duration) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe(rt)
	now := b.cfg.Now()
	b.lastFailure = now

	switch b.state {
	case Closed:
		b.failures += n
		if b.failures >= b.thresholdLocked() {
			b.trip(now)
		}
	case HalfOpen:
		b.failures += n
		b.trip(now)
	case Open:
		b.failures += n
	}
}

// Reset forces CLOSED and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.nextAttempt = time.Time{}
	b.lastUsed = b.cfg.Now()
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Key         string        `json:"key"`
	State       string        `json:"state"`
	Failures    int           `json:"failures"`
	Successes   int           `json:"successes"`
	Threshold   int           `json:"threshold"`
	Opens       int           `json:"opens"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
	NextAttempt time.Time     `json:"next_attempt,omitempty"`
	AvgResponse time.Duration `json:"avg_response"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:         b.key,
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		Threshold:   b.thresholdLocked(),
		Opens:       b.opens,
		LastFailure: b.lastFailure,
		NextAttempt: b.nextAttempt,
		AvgResponse: b.avgResponse,
	}
}

func (b *Breaker) idleSince() (time.Time, State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed, b.state
}

func (b *Breaker) lastFailureAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.successes = 0
	b.probeInFlight = false
	b.nextAttempt = now.Add(b.cfg.ResetTimeout)
	b.opens++
}

func (b *Breaker) observe(rt time.Duration) {
	b.lastUsed = b.cfg.Now()
	if rt <= 0 {
		return
	}
	if b.avgResponse == 0 {
		b.avgResponse = rt
		return
	}
	b.avgResponse = time.Duration(ewmaAlpha*float64(rt) + (1-ewmaAlpha)*float64(b.avgResponse))
}

func (b *Breaker) thresholdLocked() int {
	base := float64(b.cfg.FailureThreshold)
	switch {
	case b.avgResponse <= 0:
	case b.cfg.SlowResponse > 0 && b.avgResponse > b.cfg.SlowResponse:
		base *= slowFactor
	case b.cfg.FastResponse > 0 && b.avgResponse < b.cfg.FastResponse:
		base *= fastFactor
	}
	return max(1, int(math.Ceil(base)))
}
