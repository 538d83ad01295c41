package check

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/feed"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPruneSpec  = "@every 1h"
	DefaultSweepSpec  = "@every 10m"
	DefaultHealthSpec = "@every 1m"
	DefaultSweepIdle  = 30 * time.Minute

	jobTimeout = 2 * time.Minute
)

// MaintenanceConfig holds cron specs. A plain duration ("10m") means
// "@every 10m"; "-" disables the job.
type MaintenanceConfig struct {
	DedupePrune string
	Sweep       string
	HealthCheck string
	// SweepIdle is how long an untouched breaker or limiter key survives.
	SweepIdle time.Duration
}

type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

type MaintenanceDeps struct {
	Dedupe   Pruner
	Breakers *breaker.Registry
	Limiters *ratelimit.DomainLimiter
	Cache    *feed.Cache
	Locker   storage.Locker
	// Evaluate runs one health evaluation.
	Evaluate func(ctx context.Context)
	Log      logx.Logger
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	Breakers int
	Limiters int
	Cache    int
	Locks    int64
}

// Maintenance runs periodic housekeeping on a cron.
type Maintenance struct {
	d   MaintenanceDeps
	log logx.Logger

	mu  sync.Mutex
	cfg MaintenanceConfig
	c   *cron.Cron
	ctx context.Context
}

func NewMaintenance(cfg MaintenanceConfig, deps MaintenanceDeps) *Maintenance {
	return &Maintenance{
		d:   deps,
		log: deps.Log.With(logx.String("comp", "maintenance")),
		cfg: withMaintenanceDefaults(cfg),
	}
}

func withMaintenanceDefaults(cfg MaintenanceConfig) MaintenanceConfig {
	if strings.TrimSpace(cfg.DedupePrune) == "" {
		cfg.DedupePrune = DefaultPruneSpec
	}
	if strings.TrimSpace(cfg.Sweep) == "" {
		cfg.Sweep = DefaultSweepSpec
	}
	if strings.TrimSpace(cfg.HealthCheck) == "" {
		cfg.HealthCheck = DefaultHealthSpec
	}
	if cfg.SweepIdle <= 0 {
		cfg.SweepIdle = DefaultSweepIdle
	}
	return cfg
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateMaintenance parses every spec without starting anything.
func ValidateMaintenance(cfg MaintenanceConfig) error {
	cfg = withMaintenanceDefaults(cfg)
	for name, spec := range map[string]string{"dedupe_prune": cfg.DedupePrune, "sweep": cfg.Sweep, "health_check": cfg.HealthCheck} {
		if _, err := parseSpec(spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	return nil
}

func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	m.ctx = ctx
	return m.startLocked()
}

// Apply restarts the cron with new specs when running.
func (m *Maintenance) Apply(cfg MaintenanceConfig) error {
	if err := ValidateMaintenance(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = withMaintenanceDefaults(cfg)
	if m.c == nil {
		return nil
	}
	m.c.Stop()
	m.c = nil
	return m.startLocked()
}

func (m *Maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (m *Maintenance) startLocked() error {
	c := cron.New(cron.WithParser(specParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"dedupe_prune", m.cfg.DedupePrune, m.prune},
		{"sweep", m.cfg.Sweep, func(ctx context.Context) { m.RunSweep(ctx) }},
		{"health_check", m.cfg.HealthCheck, m.evaluate},
	}
	n := 0
	for _, j := range jobs {
		sched, err := parseSpec(j.spec)
		if err != nil {
			return fmt.Errorf("maintenance.%s: %w", j.name, err)
		}
		if sched == nil {
			continue
		}
		run := j.run
		c.Schedule(sched, cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(m.ctx, jobTimeout)
			defer cancel()
			run(ctx)
		}))
		n++
	}
	c.Start()
	m.c = c
	m.log.Debug("maintenance started", logx.Int("jobs", n))
	return nil
}

// parseSpec returns nil for a disabled job.
func parseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "-" {
		return nil, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), nil
	}
	return specParser.Parse(spec)
}

func (m *Maintenance) prune(ctx context.Context) {
	if m.d.Dedupe == nil {
		return
	}
	n, err := m.d.Dedupe.Prune(ctx)
	if err != nil {
		m.log.Warn("dedupe prune failed", logx.Err(err))
		return
	}
	m.log.Debug("dedupe pruned", logx.Int64("removed", n))
}

func (m *Maintenance) evaluate(ctx context.Context) {
	if m.d.Evaluate != nil {
		m.d.Evaluate(ctx)
	}
}

// RunSweep removes idle breaker and limiter keys, expired cache entries and
// expired locks.
func (m *Maintenance) RunSweep(ctx context.Context) SweepReport {
	m.mu.Lock()
	idle := m.cfg.SweepIdle
	m.mu.Unlock()
	now := time.Now()

	var r SweepReport
	if m.d.Breakers != nil {
		r.Breakers = m.d.Breakers.Sweep(now, idle)
	}
	if m.d.Limiters != nil {
		r.Limiters = m.d.Limiters.Sweep(now, idle)
	}
	r.Cache = m.d.Cache.Sweep(now)
	if m.d.Locker != nil {
		n, err := m.d.Locker.PurgeLocks(ctx, now)
		if err != nil {
			m.log.Warn("lock purge failed", logx.Err(err))
		}
		r.Locks = n
	}
	if r != (SweepReport{}) {
		m.log.Debug("sweep done",
			logx.Int("breakers", r.Breakers),
			logx.Int("limiters", r.Limiters),
			logx.Int("cache", r.Cache),
			logx.Int64("locks", r.Locks))
	}
	return r
}
