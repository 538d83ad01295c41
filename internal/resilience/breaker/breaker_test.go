package breaker

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerTransitions(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := New("example.com", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute, Now: clk.Now})

	for i := 0; i < 3; i++ {
		if !b.CanExecute() {
			t.Fatalf("closed breaker refused call %d", i)
		}
		b.RecordFailure(0)
	}
	if b.State() != Open {
		t.Fatalf("state = %s, want OPEN", b.State())
	}
	if b.CanExecute() {
		t.Fatal("OPEN breaker admitted a call before reset timeout")
	}

	clk.Advance(time.Minute)
	if !b.CanExecute() {
		t.Fatal("no probe after reset timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}
	if b.CanExecute() {
		t.Fatal("second concurrent probe admitted")
	}

	b.RecordSuccess(0)
	if b.State() != HalfOpen {
		t.Fatal("closed after one success; threshold is 2")
	}
	if !b.CanExecute() {
		t.Fatal("probe slot not freed after success")
	}
	b.RecordSuccess(0)
	if b.State() != Closed {
		t.Fatalf("state = %s, want CLOSED", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := New("k", Config{FailureThreshold: 1, ResetTimeout: time.Second, Now: clk.Now})
	b.RecordFailure(0)
	clk.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected probe")
	}
	b.RecordFailure(0)
	if b.State() != Open {
		t.Fatalf("state = %s, want OPEN", b.State())
	}
	if b.CanExecute() {
		t.Fatal("reopened breaker admitted call")
	}
	if s := b.Snapshot(); s.Opens != 2 {
		t.Fatalf("opens = %d, want 2", s.Opens)
	}
}

func TestBreakerAdaptiveThreshold(t *testing.T) {
	t.Parallel()
	cfg := Config{FailureThreshold: 4, SlowResponse: 2 * time.Second, FastResponse: 200 * time.Millisecond}

	slow := New("slow", cfg)
	slow.RecordSuccess(5 * time.Second)
	if got := slow.Snapshot().Threshold; got != 6 {
		t.Fatalf("slow threshold = %d, want 6", got)
	}
	fast := New("fast", cfg)
	fast.RecordSuccess(50 * time.Millisecond)
	if got := fast.Snapshot().Threshold; got != 3 {
		t.Fatalf("fast threshold = %d, want 3", got)
	}
	for i := 0; i < 2; i++ {
		fast.RecordFailure(50 * time.Millisecond)
	}
	if fast.State() != Closed {
		t.Fatal("opened below adaptive threshold")
	}
	fast.RecordFailure(50 * time.Millisecond)
	if fast.State() != Open {
		t.Fatal("did not open at adaptive threshold")
	}
}

func TestBreakerRecordFailuresPenalty(t *testing.T) {
	t.Parallel()
	b := New("flaky.example", Config{FailureThreshold: 5})
	b.RecordFailures(3, 0)
	if b.State() != Closed {
		t.Fatal("opened early")
	}
	b.RecordFailures(3, 0)
	if b.State() != Open {
		t.Fatal("penalty did not open breaker")
	}
	b.Reset()
	if b.State() != Closed || b.Snapshot().Failures != 0 {
		t.Fatal("reset did not clear state")
	}
}

func TestRegistrySweepAndReset(t *testing.T) {
	t.Parallel()
	clk := newClock()
	r := NewRegistry(Config{FailureThreshold: 1, Now: clk.Now})
	if r.Get("Example.com ") != r.Get("example.com") {
		t.Fatal("keys not normalized")
	}
	r.Get("open.example").RecordFailure(0)
	clk.Advance(2 * time.Hour)

	if n := r.Sweep(clk.Now(), time.Hour); n != 1 {
		t.Fatalf("Sweep removed %d, want 1 (open breakers stay)", n)
	}
	if _, ok := r.Lookup("open.example"); !ok {
		t.Fatal("open breaker swept")
	}
	if !r.Reset("open.example") || r.Reset("missing") {
		t.Fatal("Reset result mismatch")
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0].State != "CLOSED" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDeliveryBreakerCriticalBypass(t *testing.T) {
	t.Parallel()
	d := NewDelivery(DeliveryConfig{
		Breaker:     Config{FailureThreshold: 1},
		CriticalOps: []string{transport.OpGetMe},
	})
	d.Record(transport.OpSendMessage, &transport.SendError{Code: 502}, 0)
	if d.State() != Open {
		t.Fatalf("state = %s", d.State())
	}
	if !d.Allow(transport.OpGetMe) {
		t.Fatal("critical op gated by breaker")
	}
	d.Record(transport.OpGetMe, errors.New("still down"), 0)
	if d.Snapshot().Failures != 1 {
		t.Fatal("critical op outcome mutated breaker")
	}
}

func TestDeliveryBreakerRecoveryProbability(t *testing.T) {
	t.Parallel()
	clk := newClock()
	d := NewDelivery(DeliveryConfig{
		Breaker:       Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 100 * time.Second, Now: clk.Now},
		RecoveryDecay: 0.5,
		Rand:          rand.New(rand.NewSource(3)),
	})
	d.Record(transport.OpSendMessage, &transport.SendError{Code: 503}, 0)

	if p := d.RecoveryProbability(); p != 0 {
		t.Fatalf("p at t=0 = %v, want 0", p)
	}
	if d.Allow(transport.OpSendMessage) {
		t.Fatal("attempt admitted at the instant of failure")
	}
	clk.Advance(50 * time.Second)
	if p := d.RecoveryProbability(); p != 0.5 {
		t.Fatalf("p at half timeout = %v, want 0.5", p)
	}
	clk.Advance(50 * time.Second)
	if p := d.RecoveryProbability(); p != 1 {
		t.Fatalf("p at timeout = %v, want 1", p)
	}

	if !d.Allow(transport.OpSendMessage) {
		t.Fatal("p=1 attempt refused")
	}
	if d.Allow(transport.OpSendMessage) {
		t.Fatal("second probe admitted while first in flight")
	}
	d.Record(transport.OpSendMessage, &transport.SendError{Code: 504}, 0)
	if d.State() != Open || d.Snapshot().FailedRecoveries != 1 {
		t.Fatalf("snapshot = %+v", d.Snapshot())
	}
	if p := d.RecoveryProbability(); p != 0 {
		t.Fatalf("p right after failed recovery = %v, want 0", p)
	}

	clk.Advance(100 * time.Second)
	if p := d.RecoveryProbability(); p != 0.5 {
		t.Fatalf("decayed p = %v, want 0.5", p)
	}

	// Force admission and close with one success.
	for !d.Allow(transport.OpSendMessage) {
	}
	d.Record(transport.OpSendMessage, nil, 10*time.Millisecond)
	if d.State() != Closed || d.Snapshot().FailedRecoveries != 0 {
		t.Fatalf("not closed after success: %+v", d.Snapshot())
	}
}

func TestDeliveryBreakerRecoveryFloor(t *testing.T) {
	t.Parallel()
	clk := newClock()
	d := NewDelivery(DeliveryConfig{
		Breaker:                Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second, Now: clk.Now},
		RecoveryDecay:          0.5,
		MinRecoveryProbability: 0.02,
	})
	d.Record(transport.OpSendMessage, &transport.SendError{Code: 503}, 0)
	d.mu.Lock()
	d.failedRecoveries = 20
	d.mu.Unlock()

	if p := d.RecoveryProbability(); p != 0 {
		t.Fatalf("p at t=0 = %v, want 0", p)
	}
	clk.Advance(5 * time.Second)
	if p := d.RecoveryProbability(); p != 0.01 {
		t.Fatalf("p at half timeout = %v, want 0.01", p)
	}
	clk.Advance(5 * time.Second)
	if p := d.RecoveryProbability(); p != 0.02 {
		t.Fatalf("p at timeout = %v, want floor 0.02", p)
	}
}

func TestDeliveryBreakerIgnoresRateLimitAndClientErrors(t *testing.T) {
	t.Parallel()
	d := NewDelivery(DeliveryConfig{Breaker: Config{FailureThreshold: 2}})
	for i := 0; i < 5; i++ {
		d.Record(transport.OpSendMessage, &transport.SendError{Code: 429, After: time.Second}, 0)
		d.Record(transport.OpSendMessage, &transport.SendError{Code: 400, Description: "Bad Request: chat not found"}, 0)
	}
	if d.State() != Closed {
		t.Fatalf("state = %s, want CLOSED", d.State())
	}
}
