package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"time"

	"feedrelay/internal/adminapi"
	"feedrelay/internal/check"
	"feedrelay/internal/config"
	"feedrelay/internal/dedupe"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/health"
	"feedrelay/internal/metrics"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/relay"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/storage"
	telegram "feedrelay/internal/transport/telegram/adapter"
	logx "feedrelay/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// seedActor is recorded in audit entries for feeds from the config file.
const seedActor = "config"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	dedupe  *dedupe.Service
	queue   *delivery.Queue
	proc    *delivery.Processor
	monitor *health.Monitor
	metrics *metrics.Collector

	coord *check.Coordinator
	sched *check.Scheduler
	maint *check.Maintenance

	relay *relay.Service
	admin *adminapi.Server

	// seeds is the feed list last applied from config.
	seeds []relay.FeedSpec
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(s.telegram, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.logging, ad)

	bus := eventbus.New()

	store, err := storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", s.storage.Driver), logx.String("path", s.storage.Path))

	// Fetch side: per-domain rate limits and breakers in front of the HTTP source.
	limiter := ratelimit.New(s.limits)
	breakers := breaker.NewRegistry(s.fetchBreaker)
	cache := feed.NewCache(s.cacheTTL, rand.New(rand.NewSource(time.Now().UnixNano())))
	fetcher := feed.NewFetcher(
		feed.NewHTTPSource(s.http),
		feed.NewGuard(limiter, breakers, s.penalty),
		cache,
		log.With(logx.String("comp", "fetch")),
	)
	dd := dedupe.New(store, s.dedupe, log.With(logx.String("comp", "dedupe")))

	// Delivery side.
	queue := delivery.NewQueue(store, s.queue, log)
	dbreaker := breaker.NewDelivery(s.deliveryBreaker)
	monitor := health.NewMonitor(s.health, health.Deps{
		Queue:   queue,
		Breaker: dbreaker,
		Store:   store,
		Bus:     bus,
		Log:     log,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		dedupe:  dd,
		queue:   queue,
		monitor: monitor,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(reg, metrics.Gauges{
		QueueDepth:   func() float64 { return float64(queue.Len()) },
		BreakerState: func() float64 { return float64(dbreaker.State()) },
		HealthStatus: func() float64 { return monitor.Report().Status.Level() },
		Feeds:        func() float64 { return float64(a.sched.Len()) },

		OpsLogDropped: func() float64 { return float64(logSvc.OpsDropped()) },
		EventsDropped: func() float64 { return float64(eventbus.Dropped(bus)) },
	})

	a.proc = delivery.NewProcessor(s.processor, delivery.ProcessorDeps{
		Queue:     queue,
		Sender:    ad,
		Breaker:   dbreaker,
		Renderer:  delivery.NewRenderer(delivery.RenderConfig{}),
		Locker:    store,
		Gate:      monitor,
		Observers: []delivery.Observer{monitor, a.metrics},
		Bus:       bus,
		Log:       log,
	})

	a.coord = check.NewCoordinator(s.coordinator, store, fetcher, dd, queue, bus, log)
	a.sched = check.NewScheduler(s.scheduler, observedChecker{a.coord, a.metrics}, store, log)
	a.maint = check.NewMaintenance(s.maintenance, check.MaintenanceDeps{
		Dedupe:   dd,
		Breakers: breakers,
		Limiters: limiter,
		Cache:    cache,
		Locker:   store,
		Evaluate: func(ctx context.Context) { monitor.Evaluate(ctx) },
		Log:      log,
	})

	a.relay = relay.New(relay.Deps{
		Store:         store,
		Scheduler:     a.sched,
		Queue:         queue,
		Processor:     a.proc,
		Health:        monitor,
		Delivery:      dbreaker,
		FetchBreakers: breakers,
		Intervals:     a.coord.Interval,
		Log:           log,
	})
	a.admin = adminapi.New(a.relay, metrics.Handler(reg), log)
	return a, nil
}

// Relay is the operation surface used by the admin API.
func (a *App) Relay() *relay.Service { return a.relay }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Reloads are validated before they are committed and published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if err := a.adapter.Ping(ctx); err != nil {
		// The processor probes again before every drain; a dead endpoint at boot is not fatal.
		a.log.Warn("telegram identity check failed", logx.Err(err))
	}

	n, err := a.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("queue recover: %w", err)
	}
	if n > 0 {
		a.log.Info("queue recovered", logx.Int("messages", n))
	}

	s, err := mapConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.seedFeeds(ctx, nil, s.feeds)

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.maint.Start(runCtx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	a.monitor.Evaluate(ctx)

	a.sup.GoRestart("delivery.drain", a.proc.Run, supervisor.RestartPolicy{})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.RestartPolicy{})

	if err := a.admin.Apply(runCtx, s.admin); err != nil {
		return fmt.Errorf("admin api: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.onEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("app started", logx.Int("feeds", a.sched.Len()), logx.Int("queued", a.queue.Len()))
	return nil
}

func (a *App) onEvent(e eventbus.Event) {
	// Keep this debug-level to avoid noise for frequent checks.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	switch e.Type {
	case eventbus.FeedChecked:
		if res, ok := e.Data.(check.Result); ok && res.NewItemCount > 0 {
			a.proc.Kick()
		}
	case eventbus.HealthAlert:
		if al, ok := e.Data.(storage.Alert); ok {
			a.metrics.ObserveAlert(al.Type)
			a.log.Warn("health alert", logx.String("type", al.Type), logx.String("severity", al.Severity), logx.String("message", al.Message))
		}
	}
}

// reload applies a validated config. Sections that cannot change live are
// logged and keep their startup values.
func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	s, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Delivery.Breaker, newCfg.Delivery.Breaker) ||
		!reflect.DeepEqual(oldCfg.Delivery.CriticalOps, newCfg.Delivery.CriticalOps) ||
		oldCfg.Delivery.RecoveryDecay != newCfg.Delivery.RecoveryDecay {
		a.log.Warn("delivery breaker settings changed; restart required for changes to take effect")
	}

	a.logs.Apply(s.logging)
	a.dedupe.Apply(s.dedupe)
	a.queue.Apply(s.queue)
	a.proc.Apply(s.processor)
	a.monitor.Apply(s.health)
	a.coord.Apply(s.coordinator)
	a.sched.Apply(s.scheduler)
	if err := a.maint.Apply(s.maintenance); err != nil {
		a.log.Warn("maintenance reload failed", logx.Err(err))
	}
	if err := a.admin.Apply(ctx, s.admin); err != nil {
		a.log.Warn("admin api reload failed", logx.Err(err))
	}
	a.seedFeeds(ctx, a.seeds, s.feeds)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// seedFeeds upserts config feeds and deregisters the ones dropped from the
// list since the last apply. Feeds registered through the admin API are
// left alone.
func (a *App) seedFeeds(ctx context.Context, prev, next []relay.FeedSpec) {
	ctx = relay.WithActor(ctx, seedActor)
	kept := map[string]bool{}
	applied := make([]relay.FeedSpec, 0, len(next))
	for _, spec := range next {
		fv, err := a.relay.RegisterFeed(ctx, spec)
		if err != nil {
			a.log.Warn("config feed rejected", logx.String("url", spec.URL), logx.Err(err))
			continue
		}
		spec.ID = fv.ID
		kept[fv.ID] = true
		applied = append(applied, spec)
	}
	for _, spec := range prev {
		if kept[spec.ID] {
			continue
		}
		if err := a.relay.DeregisterFeed(ctx, spec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.log.Warn("config feed removal failed", logx.String("feed_id", spec.ID), logx.Err(err))
		}
	}
	a.seeds = applied
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Intake first, then the drain loop, then storage.
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// observedChecker records every cycle outcome in metrics.
type observedChecker struct {
	*check.Coordinator
	m *metrics.Collector
}

func (o observedChecker) CheckFeed(ctx context.Context, feedID string) check.Result {
	res := o.Coordinator.CheckFeed(ctx, feedID)
	o.m.ObserveCheck(string(res.Status), res.NewItemCount, res.Took)
	return res
}
