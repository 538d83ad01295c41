package app

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"feedrelay/internal/adminapi"
	"feedrelay/internal/check"
	"feedrelay/internal/config"
	"feedrelay/internal/dedupe"
	"feedrelay/internal/delivery"
	"feedrelay/internal/feed"
	"feedrelay/internal/health"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/relay"
	"feedrelay/internal/resilience/backoff"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/storage"
	kit "feedrelay/internal/transport"
	telegram "feedrelay/internal/transport/telegram/adapter"
	logx "feedrelay/pkg/logx"
)

const defaultStoragePath = "./data/feedrelay.db"

// settings is a Config resolved into component configs. Building one is
// also the validation step for hot reloads.
type settings struct {
	telegram telegram.Config
	logging  logx.Config
	storage  storage.Config

	http         feed.HTTPConfig
	limits       ratelimit.Config
	fetchBreaker breaker.Config
	penalty      int
	cacheTTL     time.Duration

	dedupe      dedupe.Config
	coordinator check.CoordinatorConfig
	scheduler   check.SchedulerConfig
	maintenance check.MaintenanceConfig

	queue           delivery.QueueConfig
	processor       delivery.ProcessorConfig
	deliveryBreaker breaker.DeliveryConfig

	health health.Config
	admin  adminapi.Config
	feeds  []relay.FeedSpec
}

func mapConfig(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		cfg = &config.Config{}
	}
	steps := []func(*config.Config, *settings) error{
		mapTelegram, mapLogging, mapStorage, mapFetch, mapScheduler,
		mapDelivery, mapHealth, mapFeeds,
	}
	for _, step := range steps {
		if err := step(cfg, &s); err != nil {
			return settings{}, err
		}
	}
	s.admin = adminapi.Config{
		Enabled: cfg.Admin.Enabled,
		Addr:    strings.TrimSpace(cfg.Admin.Addr),
		Token:   strings.TrimSpace(cfg.Admin.Token),
		Pprof:   cfg.Admin.Pprof,
	}
	return s, nil
}

func mapTelegram(cfg *config.Config, s *settings) error {
	timeout, err := config.ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout)
	if err != nil {
		return err
	}
	s.telegram = telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		RequestTimeout: timeout,
	}
	return nil
}

func mapLogging(cfg *config.Config, s *settings) error {
	lc := cfg.Logging
	if lc.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	if lc.Telegram.Enabled && cfg.Telegram.OpsChatID == 0 {
		return fmt.Errorf("logging.telegram.enabled requires telegram.ops_chat_id")
	}
	s.logging = logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     cfg.Telegram.OpsChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	return nil
}

func mapStorage(cfg *config.Config, s *settings) error {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return err
		}
		s.storage = storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}
	case "memory", "mem":
		s.storage = storage.Config{Driver: "memory"}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	return nil
}

func mapFetch(cfg *config.Config, s *settings) error {
	fc := cfg.Fetch
	timeout, err := config.ParseDurationField("fetch.timeout", fc.Timeout)
	if err != nil {
		return err
	}
	if fc.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must be >= 0")
	}
	s.http = feed.HTTPConfig{
		Timeout:              timeout,
		UserAgent:            fc.UserAgent,
		Headers:              maps.Clone(fc.Headers),
		MaxBodyBytes:         fc.MaxBodyBytes,
		AllowPrivateNetworks: fc.AllowPrivateNetworks,
	}

	if s.cacheTTL, err = config.ParseDurationField("fetch.cache_ttl", fc.CacheTTL); err != nil {
		return err
	}
	if s.maintenance.SweepIdle, err = config.ParseDurationField("fetch.sweep_idle", fc.SweepIdle); err != nil {
		return err
	}

	def, err := mapLimit("fetch.default", fc.Default)
	if err != nil {
		return err
	}
	s.limits = ratelimit.Config{Default: def, Domains: map[string]ratelimit.Limit{}}
	for domain, lc := range fc.Domains {
		l, err := mapLimit("fetch.domains."+domain, lc)
		if err != nil {
			return err
		}
		s.limits.Domains[domain] = l
	}

	if s.fetchBreaker, err = mapBreaker("fetch.breaker", fc.Breaker); err != nil {
		return err
	}
	if fc.NetworkPenalty < 0 {
		return fmt.Errorf("fetch.network_penalty must be >= 0")
	}
	s.penalty = fc.NetworkPenalty
	return nil
}

func mapLimit(path string, lc config.DomainLimitConfig) (ratelimit.Limit, error) {
	if lc.MaxRequests < 0 {
		return ratelimit.Limit{}, fmt.Errorf("%s.max_requests must be >= 0", path)
	}
	window, err := config.ParseDurationField(path+".window", lc.Window)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	minDelay, err := config.ParseDurationField(path+".min_delay", lc.MinDelay)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	return ratelimit.Limit{MaxRequests: lc.MaxRequests, Window: window, MinDelay: minDelay}, nil
}

func mapBreaker(path string, bc config.BreakerConfig) (breaker.Config, error) {
	if bc.FailureThreshold < 0 || bc.SuccessThreshold < 0 {
		return breaker.Config{}, fmt.Errorf("%s: thresholds must be >= 0", path)
	}
	out := breaker.Config{FailureThreshold: bc.FailureThreshold, SuccessThreshold: bc.SuccessThreshold}
	var err error
	if out.ResetTimeout, err = config.ParseDurationField(path+".reset_timeout", bc.ResetTimeout); err != nil {
		return breaker.Config{}, err
	}
	if out.SlowResponse, err = config.ParseDurationField(path+".slow_response", bc.SlowResponse); err != nil {
		return breaker.Config{}, err
	}
	if out.FastResponse, err = config.ParseDurationField(path+".fast_response", bc.FastResponse); err != nil {
		return breaker.Config{}, err
	}
	return out, nil
}

func mapScheduler(cfg *config.Config, s *settings) error {
	sc := cfg.Scheduler
	if sc.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	def, err := config.ParseDurationField("scheduler.default_interval", sc.DefaultInterval)
	if err != nil {
		return err
	}
	minInterval, err := config.ParseDurationOrDefault("scheduler.min_interval", sc.MinInterval, time.Minute)
	if err != nil {
		return err
	}
	maxBackoff, err := config.ParseDurationField("scheduler.max_backoff", sc.MaxBackoff)
	if err != nil {
		return err
	}
	spread, err := config.ParseDurationOrDefault("scheduler.startup_spread", sc.StartupSpread, 30*time.Second)
	if err != nil {
		return err
	}
	lockTTL, err := config.ParseDurationField("scheduler.lock_ttl", sc.LockTTL)
	if err != nil {
		return err
	}

	domains := maps.Clone(feed.DefaultDomainIntervals)
	for host, raw := range sc.DomainIntervals {
		d, err := config.ParseDurationField("scheduler.domain_intervals."+host, raw)
		if err != nil {
			return err
		}
		domains[ratelimit.DomainOf(host)] = d
	}

	s.coordinator = check.CoordinatorConfig{
		LockTTL:    lockTTL,
		MaxBackoff: maxBackoff,
		Intervals:  feed.IntervalTable{Default: def, Min: minInterval, Domains: domains},
	}
	s.scheduler = check.SchedulerConfig{Workers: sc.Workers, StartupSpread: spread}
	s.maintenance.DedupePrune = sc.Maintenance.DedupePrune
	s.maintenance.Sweep = sc.Maintenance.Sweep
	s.maintenance.HealthCheck = sc.Maintenance.HealthCheck
	if err := check.ValidateMaintenance(s.maintenance); err != nil {
		return fmt.Errorf("scheduler.maintenance: %w", err)
	}

	ttl, err := config.ParseDurationField("dedupe.ttl", cfg.Dedupe.TTL)
	if err != nil {
		return err
	}
	s.dedupe = dedupe.Config{TTL: ttl}
	return nil
}

func mapDelivery(cfg *config.Config, s *settings) error {
	dc := cfg.Delivery
	if dc.BatchSize < 0 || dc.PerMinute < 0 || dc.MaxRetries < 0 {
		return fmt.Errorf("delivery: batch_size, per_minute and max_retries must be >= 0")
	}
	p := delivery.ProcessorConfig{
		BatchSize:      dc.BatchSize,
		PerMinute:      dc.PerMinute,
		DisablePreview: dc.DisablePreview,
	}
	var err error
	if p.Interval, err = config.ParseDurationField("delivery.interval", dc.Interval); err != nil {
		return err
	}
	if p.SendSpacing, err = config.ParseDurationOrDefault("delivery.send_spacing", dc.SendSpacing, time.Second); err != nil {
		return err
	}
	if p.SendTimeout, err = config.ParseDurationField("delivery.send_timeout", dc.SendTimeout); err != nil {
		return err
	}

	bo := backoff.Config{Jitter: dc.Backoff.Jitter}
	if dc.Backoff.Jitter < 0 || dc.Backoff.Jitter > 0.9 {
		return fmt.Errorf("delivery.backoff.jitter must be within [0, 0.9]")
	}
	if bo.Ladder, err = config.ParseDurationList("delivery.backoff.ladder", dc.Backoff.Ladder); err != nil {
		return err
	}
	if bo.Max, err = config.ParseDurationField("delivery.backoff.max", dc.Backoff.Max); err != nil {
		return err
	}
	if bo.RateLimitDefault, err = config.ParseDurationField("delivery.backoff.rate_limit_default", dc.Backoff.RateLimitDefault); err != nil {
		return err
	}
	if bo.RateLimitMax, err = config.ParseDurationField("delivery.backoff.rate_limit_max", dc.Backoff.RateLimitMax); err != nil {
		return err
	}
	p.Backoff = bo
	s.processor = p

	ttl, err := config.ParseDurationField("delivery.message_ttl", dc.MessageTTL)
	if err != nil {
		return err
	}
	s.queue = delivery.QueueConfig{MaxRetries: dc.MaxRetries, MessageTTL: ttl}

	bc, err := mapBreaker("delivery.breaker", dc.Breaker)
	if err != nil {
		return err
	}
	if dc.RecoveryDecay < 0 || dc.RecoveryDecay > 1 {
		return fmt.Errorf("delivery.recovery_decay must be within [0, 1]")
	}
	critical := dc.CriticalOps
	if len(critical) == 0 {
		critical = []string{kit.OpGetMe}
	}
	s.deliveryBreaker = breaker.DeliveryConfig{Breaker: bc, CriticalOps: critical, RecoveryDecay: dc.RecoveryDecay}
	return nil
}

func mapHealth(cfg *config.Config, s *settings) error {
	hc := cfg.Health
	if hc.CriticalErrorRate < 0 || hc.CriticalErrorRate > 1 || hc.DegradedErrorRate < 0 || hc.DegradedErrorRate > 1 {
		return fmt.Errorf("health: error rates must be within [0, 1]")
	}
	if hc.DegradedBacklog < 0 || hc.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("health: degraded_backlog and max_consecutive_failures must be >= 0")
	}
	window, err := config.ParseDurationField("health.window", hc.Window)
	if err != nil {
		return err
	}
	cooldown, err := config.ParseDurationField("health.alert_cooldown", hc.AlertCooldown)
	if err != nil {
		return err
	}
	s.health = health.Config{
		Window:                 window,
		CriticalErrorRate:      hc.CriticalErrorRate,
		DegradedErrorRate:      hc.DegradedErrorRate,
		DegradedBacklog:        hc.DegradedBacklog,
		MaxConsecutiveFailures: hc.MaxConsecutiveFailures,
		AlertCooldown:          cooldown,
	}
	return nil
}

func mapFeeds(cfg *config.Config, s *settings) error {
	s.feeds = make([]relay.FeedSpec, 0, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		path := fmt.Sprintf("feeds[%d]", i)
		if strings.TrimSpace(f.URL) == "" || f.ChatID == 0 {
			return fmt.Errorf("%s: url and chat_id are required", path)
		}
		interval, err := config.ParseDurationField(path+".interval", f.Interval)
		if err != nil {
			return err
		}
		s.feeds = append(s.feeds, relay.FeedSpec{
			ID:       strings.TrimSpace(f.ID),
			URL:      f.URL,
			ChatID:   f.ChatID,
			ThreadID: f.ThreadID,
			Interval: interval,
			Headers:  maps.Clone(f.Headers),
			Disabled: f.Disabled,
		})
	}
	return nil
}
