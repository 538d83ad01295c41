// Package health tracks delivery outcomes and derives an overall status
// with rate-limited alerts.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/resilience/classify"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Level is the health_status gauge value.
func (s Status) Level() float64 {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}

// Alert types.
const (
	AlertUnhealthy           = "unhealthy"
	AlertDegraded            = "degraded"
	AlertConsecutiveFailures = "consecutive_failures"
	AlertBacklog             = "backlog"
	AlertRecovered           = "recovered"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Config struct {
	Window                 time.Duration
	CriticalErrorRate      float64
	DegradedErrorRate      float64
	DegradedBacklog        int
	MaxConsecutiveFailures int
	// AlertCooldown is the minimum spacing between two alerts of one type.
	AlertCooldown time.Duration
	// MetricsRetention bounds persisted samples; 0 keeps a week.
	MetricsRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.CriticalErrorRate <= 0 {
		c.CriticalErrorRate = 0.5
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = 0.1
	}
	if c.DegradedBacklog <= 0 {
		c.DegradedBacklog = 100
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 7 * 24 * time.Hour
	}
	return c
}

type Backlog interface {
	Stats() delivery.QueueStats
}

type BreakerState interface {
	State() breaker.State
}

type Deps struct {
	Queue   Backlog
	Breaker BreakerState
	Store   storage.HealthStore
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Report is one health evaluation.
type Report struct {
	Status              Status        `json:"status"`
	Reasons             []string      `json:"reasons,omitempty"`
	Connected           bool          `json:"connected"`
	Breaker             string        `json:"breaker,omitempty"`
	Attempts            int           `json:"attempts"`
	ErrorRate           float64       `json:"error_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgResponse         time.Duration `json:"avg_response"`
	ConnectionAttempts  int           `json:"connection_attempts"`
	Drops               int           `json:"drops"`
	Backlog             int           `json:"backlog"`
	// TimeToClear is the backlog divided by the windowed send rate. It is
	// zero with a non-empty backlog when nothing was sent (Stalled).
	TimeToClear time.Duration `json:"time_to_clear"`
	Stalled     bool          `json:"stalled,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	At          time.Time     `json:"at"`
}

// Monitor is the HealthMonitor. It implements delivery.Observer and
// delivery.HealthGate.
type Monitor struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	mu          sync.Mutex
	cfg         Config
	sends       window
	conns       window
	drops       window
	consecutive int
	connected   bool
	lastErr     string
	lastAlert   map[string]time.Time
	last        Status
}

func NewMonitor(cfg Config, deps Deps) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		d:         deps,
		log:       deps.Log.With(logx.String("comp", "health")),
		now:       time.Now,
		cfg:       cfg,
		sends:     window{span: cfg.Window},
		conns:     window{span: cfg.Window},
		drops:     window{span: cfg.Window},
		connected: true,
		lastAlert: map[string]time.Time{},
		last:      Healthy,
	}
}

func (m *Monitor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.sends.span, m.conns.span, m.drops.span = cfg.Window, cfg.Window, cfg.Window
	m.mu.Unlock()
}

func (m *Monitor) ObserveSend(op string, err error, rt time.Duration) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends.add(now, err == nil, rt)
	if err == nil {
		m.consecutive = 0
		m.connected = true
		return
	}
	m.consecutive++
	m.lastErr = err.Error()
	// Any status code from the endpoint proves connectivity.
	ce := classify.Classify(err, op)
	m.connected = ce.Code > 0 || !ce.Kind.Gateway()
}

func (m *Monitor) ObserveConnection(err error, rt time.Duration) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns.add(now, err == nil, rt)
	m.connected = err == nil
	if err != nil {
		m.lastErr = err.Error()
	}
}

func (m *Monitor) ObserveDrop(string) {
	now := m.now()
	m.mu.Lock()
	m.drops.add(now, false, 0)
	m.mu.Unlock()
}

// Degraded reports a status other than healthy.
func (m *Monitor) Degraded() bool {
	return m.Report().Status != Healthy
}

// Report computes the current status without side effects.
func (m *Monitor) Report() Report {
	var qs delivery.QueueStats
	if m.d.Queue != nil {
		qs = m.d.Queue.Stats()
	}
	bs := breaker.Closed
	if m.d.Breaker != nil {
		bs = m.d.Breaker.State()
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	sends := m.sends.stats(now)
	conns := m.conns.stats(now)
	drops := m.drops.stats(now)

	r := Report{
		Connected:           m.connected && bs != breaker.Open,
		Breaker:             bs.String(),
		Attempts:            sends.total,
		ErrorRate:           sends.errorRate(),
		ConsecutiveFailures: m.consecutive,
		AvgResponse:         sends.avgRT,
		ConnectionAttempts:  conns.total,
		Drops:               drops.total,
		Backlog:             qs.Total,
		LastError:           m.lastErr,
		At:                  now,
	}
	if sent := sends.total - sends.failures; sent > 0 {
		perMsg := cfg.Window / time.Duration(sent)
		r.TimeToClear = time.Duration(r.Backlog) * perMsg
	} else if r.Backlog > 0 {
		r.Stalled = true
	}

	switch {
	case !r.Connected:
		r.Reasons = append(r.Reasons, "disconnected")
	case r.ErrorRate > cfg.CriticalErrorRate:
		r.Reasons = append(r.Reasons, fmt.Sprintf("error rate %.0f%% above %.0f%%", r.ErrorRate*100, cfg.CriticalErrorRate*100))
	}
	if len(r.Reasons) > 0 {
		r.Status = Unhealthy
		return r
	}
	if r.Backlog > cfg.DegradedBacklog {
		r.Reasons = append(r.Reasons, fmt.Sprintf("backlog %d above %d", r.Backlog, cfg.DegradedBacklog))
	}
	if r.ErrorRate > cfg.DegradedErrorRate {
		r.Reasons = append(r.Reasons, fmt.Sprintf("error rate %.0f%% above %.0f%%", r.ErrorRate*100, cfg.DegradedErrorRate*100))
	}
	if m.consecutive >= cfg.MaxConsecutiveFailures {
		r.Reasons = append(r.Reasons, fmt.Sprintf("%d consecutive failures", m.consecutive))
	}
	r.Status = Healthy
	if len(r.Reasons) > 0 {
		r.Status = Degraded
	}
	return r
}

// Evaluate computes a report, persists its samples and raises alerts.
func (m *Monitor) Evaluate(ctx context.Context) Report {
	r := m.Report()
	m.persist(ctx, r)

	m.mu.Lock()
	prev := m.last
	m.last = r.Status
	maxFail := m.cfg.MaxConsecutiveFailures
	backlog := m.cfg.DegradedBacklog
	m.mu.Unlock()

	switch r.Status {
	case Unhealthy:
		m.raise(ctx, AlertUnhealthy, SeverityCritical, "delivery unhealthy: "+strings.Join(r.Reasons, "; "))
	case Degraded:
		m.raise(ctx, AlertDegraded, SeverityWarning, "delivery degraded: "+strings.Join(r.Reasons, "; "))
	case Healthy:
		if prev != Healthy {
			m.raise(ctx, AlertRecovered, SeverityInfo, fmt.Sprintf("delivery recovered (was %s)", prev))
		}
	}
	if r.ConsecutiveFailures >= maxFail {
		m.raise(ctx, AlertConsecutiveFailures, SeverityWarning, fmt.Sprintf("%d consecutive send failures, last: %s", r.ConsecutiveFailures, r.LastError))
	}
	if r.Backlog > backlog {
		m.raise(ctx, AlertBacklog, SeverityWarning, fmt.Sprintf("%d messages queued, time to clear %s", r.Backlog, describeTTC(r)))
	}
	return r
}

// RecentAlerts returns persisted alerts, newest first.
func (m *Monitor) RecentAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	if m.d.Store == nil {
		return nil, nil
	}
	return m.d.Store.RecentAlerts(ctx, limit)
}

func (m *Monitor) raise(ctx context.Context, typ, severity, msg string) bool {
	now := m.now()
	m.mu.Lock()
	if last, ok := m.lastAlert[typ]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return false
	}
	m.lastAlert[typ] = now
	m.mu.Unlock()

	a := storage.Alert{ID: uuid.NewString(), Type: typ, Severity: severity, Message: msg, At: now}
	fields := []logx.Field{logx.String("type", typ), logx.String("severity", severity)}
	switch severity {
	case SeverityCritical:
		m.log.Error(msg, fields...)
	case SeverityWarning:
		m.log.Warn(msg, fields...)
	default:
		m.log.Info(msg, fields...)
	}
	if m.d.Store != nil {
		if err := m.d.Store.AppendAlert(ctx, a); err != nil {
			m.log.Warn("persist alert failed", logx.Err(err))
		}
	}
	eventbus.Publish(m.d.Bus, eventbus.HealthAlert, a)
	return true
}

func (m *Monitor) persist(ctx context.Context, r Report) {
	if m.d.Store == nil {
		return
	}
	samples := []storage.MetricSample{
		{At: r.At, Name: "health.status", Value: r.Status.Level()},
		{At: r.At, Name: "health.error_rate", Value: r.ErrorRate},
		{At: r.At, Name: "health.consecutive_failures", Value: float64(r.ConsecutiveFailures)},
		{At: r.At, Name: "health.avg_response_ms", Value: float64(r.AvgResponse.Milliseconds())},
		{At: r.At, Name: "delivery.drops", Value: float64(r.Drops)},
		{At: r.At, Name: "queue.backlog", Value: float64(r.Backlog)},
		{At: r.At, Name: "queue.time_to_clear_s", Value: r.TimeToClear.Seconds()},
	}
	if err := m.d.Store.AppendMetrics(ctx, samples); err != nil {
		m.log.Warn("persist health samples failed", logx.Err(err))
		return
	}
	m.mu.Lock()
	keep := m.cfg.MetricsRetention
	m.mu.Unlock()
	if n, err := m.d.Store.PruneMetrics(ctx, r.At.Add(-keep)); err != nil {
		m.log.Warn("prune health samples failed", logx.Err(err))
	} else if n > 0 {
		m.log.Debug("health samples pruned", logx.Int64("removed", n))
	}
}

func describeTTC(r Report) string {
	if r.Stalled {
		return "unknown (no sends in window)"
	}
	return r.TimeToClear.Round(time.Second).String()
}
