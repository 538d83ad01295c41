package breaker

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/resilience/classify"
)

// DeliveryKey is the sentinel breaker domain for the messaging endpoint.
const DeliveryKey = "delivery"

type DeliveryConfig struct {
	Breaker Config

	// CriticalOps bypass the breaker (identity checks).
	CriticalOps []string
	// RecoveryDecay multiplies the OPEN recovery probability for every
	// failed recovery since the breaker last closed. Default 0.5.
	RecoveryDecay float64
	// MinRecoveryProbability bounds the decay factor from below so long
	// streaks still recover. Default 0.02.
	MinRecoveryProbability float64

	Rand *rand.Rand
}

// DeliveryBreaker is the endpoint-wide breaker.
//
// While OPEN each attempt is admitted with probability
//
//	min(1, sinceLastFailure/ResetTimeout) * max(MinRecoveryProbability, RecoveryDecay^failedRecoveries)
//
// instead of a hard timer; the admitted attempt is the HALF_OPEN probe.
// Right after a failure the probability is zero.
type DeliveryBreaker struct {
	b        *Breaker
	now      func() time.Time
	critical map[string]bool
	decay    float64
	floor    float64

	mu               sync.Mutex
	rng              *rand.Rand
	failedRecoveries int
	probing          bool
}

func NewDelivery(cfg DeliveryConfig) *DeliveryBreaker {
	bc := cfg.Breaker.withDefaults()
	if cfg.RecoveryDecay <= 0 || cfg.RecoveryDecay > 1 {
		cfg.RecoveryDecay = 0.5
	}
	if cfg.MinRecoveryProbability <= 0 {
		cfg.MinRecoveryProbability = 0.02
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	crit := map[string]bool{}
	for _, op := range cfg.CriticalOps {
		if op = strings.TrimSpace(op); op != "" {
			crit[op] = true
		}
	}
	return &DeliveryBreaker{
		b:        New(DeliveryKey, bc),
		now:      bc.Now,
		critical: crit,
		decay:    cfg.RecoveryDecay,
		floor:    cfg.MinRecoveryProbability,
		rng:      cfg.Rand,
	}
}

func (d *DeliveryBreaker) IsCritical(op string) bool { return d.critical[op] }

// Allow reports whether op may be attempted now.
func (d *DeliveryBreaker) Allow(op string) bool {
	if d.critical[op] {
		return true
	}
	switch d.b.State() {
	case Closed:
		return true
	case HalfOpen:
		if !d.b.CanExecute() {
			return false
		}
	default:
		p := d.RecoveryProbability()
		d.mu.Lock()
		roll := d.rng.Float64()
		d.mu.Unlock()
		if roll >= p || !d.b.TryProbe() {
			return false
		}
	}
	d.mu.Lock()
	d.probing = true
	d.mu.Unlock()
	return true
}

// RecoveryProbability is the current OPEN admission probability (1 when
// the breaker is not OPEN).
func (d *DeliveryBreaker) RecoveryProbability() float64 {
	if d.b.State() != Open {
		return 1
	}
	elapsed := d.now().Sub(d.b.lastFailureAt())
	p := math.Min(1, float64(elapsed)/float64(d.b.cfg.ResetTimeout))
	d.mu.Lock()
	k := d.failedRecoveries
	d.mu.Unlock()
	return p * math.Max(d.floor, math.Pow(d.decay, float64(k)))
}

// Record feeds the outcome of op into the breaker. Critical operations and
// rate limiting never change breaker state; non-recoverable errors mean the
// endpoint answered and count as success.
func (d *DeliveryBreaker) Record(op string, err error, rt time.Duration) {
	if d.critical[op] {
		return
	}
	d.mu.Lock()
	probe := d.probing
	d.probing = false
	d.mu.Unlock()

	if err == nil {
		d.success(rt)
		return
	}
	ce := classify.Classify(err, op)
	switch {
	case ce.Kind == classify.RateLimited:
		if probe {
			d.b.ReleaseProbe()
		}
	case !ce.Recoverable:
		d.success(rt)
	default:
		d.b.RecordFailure(rt)
		if probe {
			d.mu.Lock()
			d.failedRecoveries++
			d.mu.Unlock()
		}
	}
}

// Abort gives back an admitted attempt that produced no outcome.
func (d *DeliveryBreaker) Abort(op string) {
	if d.critical[op] {
		return
	}
	d.mu.Lock()
	probe := d.probing
	d.probing = false
	d.mu.Unlock()
	if probe {
		d.b.ReleaseProbe()
	}
}

func (d *DeliveryBreaker) success(rt time.Duration) {
	d.b.RecordSuccess(rt)
	if d.b.State() == Closed {
		d.mu.Lock()
		d.failedRecoveries = 0
		d.mu.Unlock()
	}
}

func (d *DeliveryBreaker) State() State { return d.b.State() }

func (d *DeliveryBreaker) Reset() {
	d.b.Reset()
	d.mu.Lock()
	d.failedRecoveries = 0
	d.probing = false
	d.mu.Unlock()
}

type DeliverySnapshot struct {
	Snapshot
	FailedRecoveries    int     `json:"failed_recoveries"`
	RecoveryProbability float64 `json:"recovery_probability"`
}

func (d *DeliveryBreaker) Snapshot() DeliverySnapshot {
	p := d.RecoveryProbability()
	d.mu.Lock()
	k := d.failedRecoveries
	d.mu.Unlock()
	return DeliverySnapshot{Snapshot: d.b.Snapshot(), FailedRecoveries: k, RecoveryProbability: p}
}
