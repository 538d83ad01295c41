package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/storage"
	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

type backlog struct{ n int }

func (b *backlog) Stats() delivery.QueueStats { return delivery.QueueStats{Total: b.n} }

type fixedBreaker struct{ st breaker.State }

func (b *fixedBreaker) State() breaker.State { return b.st }

type monitorFixture struct {
	m     *Monitor
	q     *backlog
	br    *fixedBreaker
	store storage.Store
	now   time.Time
}

func newMonitor(t *testing.T, cfg Config) *monitorFixture {
	t.Helper()
	f := &monitorFixture{q: &backlog{}, br: &fixedBreaker{st: breaker.Closed}, store: storage.NewMemory(), now: time.Unix(1_700_000_000, 0)}
	f.m = NewMonitor(cfg, Deps{Queue: f.q, Breaker: f.br, Store: f.store, Log: logx.Nop()})
	f.m.now = func() time.Time { return f.now }
	return f
}

var serverErr = &kit.SendError{Op: kit.OpSendMessage, Code: 502, Description: "Bad Gateway"}

func TestMonitorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		setup   func(f *monitorFixture)
		want    Status
		connect bool
	}{
		{
			name:    "no traffic",
			setup:   func(*monitorFixture) {},
			want:    Healthy,
			connect: true,
		},
		{
			name: "mostly successful",
			setup: func(f *monitorFixture) {
				for i := 0; i < 19; i++ {
					f.m.ObserveSend(kit.OpSendMessage, nil, 100*time.Millisecond)
				}
				f.m.ObserveSend(kit.OpSendMessage, serverErr, 0)
			},
			want:    Healthy,
			connect: true,
		},
		{
			name: "soft error rate",
			setup: func(f *monitorFixture) {
				for i := 0; i < 4; i++ {
					f.m.ObserveSend(kit.OpSendMessage, nil, 0)
				}
				f.m.ObserveSend(kit.OpSendMessage, serverErr, 0)
			},
			want:    Degraded,
			connect: true,
		},
		{
			name:    "backlog",
			setup:   func(f *monitorFixture) { f.q.n = 500 },
			want:    Degraded,
			connect: true,
		},
		{
			name: "critical error rate",
			setup: func(f *monitorFixture) {
				f.m.ObserveSend(kit.OpSendMessage, nil, 0)
				f.m.ObserveSend(kit.OpSendMessage, serverErr, 0)
				f.m.ObserveSend(kit.OpSendMessage, serverErr, 0)
			},
			want:    Unhealthy,
			connect: true,
		},
		{
			name:  "connection refused",
			setup: func(f *monitorFixture) { f.m.ObserveConnection(errors.New("dial tcp: connection refused"), 0) },
			want:  Unhealthy,
		},
		{
			name:  "breaker open",
			setup: func(f *monitorFixture) { f.br.st = breaker.Open },
			want:  Unhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newMonitor(t, Config{})
			tt.setup(f)
			r := f.m.Report()
			if r.Status != tt.want || r.Connected != tt.connect {
				t.Fatalf("report = %+v, want %s connected=%v", r, tt.want, tt.connect)
			}
			if f.m.Degraded() != (tt.want != Healthy) {
				t.Fatalf("Degraded() disagrees with %s", r.Status)
			}
		})
	}
}

func TestMonitorWindowAndTimeToClear(t *testing.T) {
	t.Parallel()
	f := newMonitor(t, Config{Window: time.Minute})
	for i := 0; i < 6; i++ {
		f.m.ObserveSend(kit.OpSendMessage, nil, 200*time.Millisecond)
	}
	f.q.n = 30
	r := f.m.Report()
	// 6 sends per minute: 30 messages take five minutes.
	if r.TimeToClear != 5*time.Minute || r.AvgResponse != 200*time.Millisecond || r.Attempts != 6 {
		t.Fatalf("report = %+v", r)
	}

	f.now = f.now.Add(2 * time.Minute)
	r = f.m.Report()
	if r.Attempts != 0 || !r.Stalled || r.TimeToClear != 0 {
		t.Fatalf("window not pruned: %+v", r)
	}
}

func TestMonitorConsecutiveFailures(t *testing.T) {
	t.Parallel()
	f := newMonitor(t, Config{MaxConsecutiveFailures: 3, CriticalErrorRate: 0.99, DegradedErrorRate: 0.99})
	for i := 0; i < 20; i++ {
		f.m.ObserveSend(kit.OpSendMessage, nil, 0)
	}
	for i := 0; i < 3; i++ {
		f.m.ObserveSend(kit.OpSendMessage, serverErr, 0)
	}
	r := f.m.Report()
	if r.Status != Degraded || r.ConsecutiveFailures != 3 || r.LastError == "" {
		t.Fatalf("report = %+v", r)
	}
	f.m.ObserveSend(kit.OpSendMessage, nil, 0)
	if r := f.m.Report(); r.ConsecutiveFailures != 0 || r.Status != Healthy {
		t.Fatalf("after success: %+v", r)
	}
}

func TestEvaluateAlertsWithCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newMonitor(t, Config{AlertCooldown: 5 * time.Minute})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	f.m.d.Bus = bus

	f.br.st = breaker.Open
	if r := f.m.Evaluate(ctx); r.Status != Unhealthy {
		t.Fatalf("status = %s", r.Status)
	}
	f.now = f.now.Add(time.Minute)
	f.m.Evaluate(ctx)

	alerts, _ := f.store.RecentAlerts(ctx, 10)
	if len(alerts) != 1 || alerts[0].Type != AlertUnhealthy || alerts[0].Severity != SeverityCritical {
		t.Fatalf("alerts inside cooldown = %+v", alerts)
	}
	if e := <-events; e.Type != eventbus.HealthAlert {
		t.Fatalf("event = %+v", e)
	}

	f.now = f.now.Add(5 * time.Minute)
	f.m.Evaluate(ctx)
	f.br.st = breaker.Closed
	f.m.Evaluate(ctx)

	alerts, _ = f.m.RecentAlerts(ctx, 10)
	if len(alerts) != 3 || alerts[0].Type != AlertRecovered {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestEvaluatePersistsSamples(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &sampleStore{Store: storage.NewMemory()}
	m := NewMonitor(Config{}, Deps{Queue: &backlog{n: 7}, Store: st, Log: logx.Nop()})
	m.ObserveSend(kit.OpSendMessage, nil, 40*time.Millisecond)
	m.ObserveDrop("max_retries")
	m.Evaluate(ctx)

	got := map[string]float64{}
	for _, s := range st.samples {
		got[s.Name] = s.Value
	}
	if got["queue.backlog"] != 7 || got["delivery.drops"] != 1 || got["health.avg_response_ms"] != 40 {
		t.Fatalf("samples = %v", got)
	}
	if _, ok := got["queue.time_to_clear_s"]; !ok {
		t.Fatal("time to clear not persisted")
	}
}

type sampleStore struct {
	storage.Store
	samples []storage.MetricSample
}

func (s *sampleStore) AppendMetrics(ctx context.Context, samples []storage.MetricSample) error {
	s.samples = append(s.samples, samples...)
	return s.Store.AppendMetrics(ctx, samples)
}
