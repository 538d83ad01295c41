package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to component defaults.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Fetch     FetchConfig     `json:"fetch"`
	Dedupe    DedupeConfig    `json:"dedupe"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Health    HealthConfig    `json:"health"`
	Admin     AdminConfig     `json:"admin"`

	// Feeds is a static seed list, upserted on every start.
	Feeds []FeedSeed `json:"feeds,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API base (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
	// RequestTimeout bounds every outbound Bot API call.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// OpsChatID receives Telegram log lines (logging.telegram) and nothing else.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feedrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls per-feed check timers.
//
// Defaults:
//   - workers: 4
//   - default_interval: "30m"
//   - min_interval: "1m"
//   - max_backoff: "1h"
//   - startup_spread: "30s"
//   - lock_ttl: "60s"
type SchedulerConfig struct {
	Workers         int    `json:"workers,omitempty"`
	DefaultInterval string `json:"default_interval,omitempty"`
	MinInterval     string `json:"min_interval,omitempty"`
	MaxBackoff      string `json:"max_backoff,omitempty"`
	StartupSpread   string `json:"startup_spread,omitempty"`
	LockTTL         string `json:"lock_ttl,omitempty"`

	// DomainIntervals maps a host suffix (e.g. "reddit.com") to a check interval.
	DomainIntervals map[string]string `json:"domain_intervals,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

// MaintenanceConfig holds cron specs ("@every 10m", "0 * * * *") for housekeeping jobs.
// An explicit "-" disables a job.
type MaintenanceConfig struct {
	DedupePrune string `json:"dedupe_prune,omitempty"`
	Sweep       string `json:"sweep,omitempty"`
	HealthCheck string `json:"health_check,omitempty"`
}

type FetchConfig struct {
	Timeout   string            `json:"timeout,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// AllowPrivateNetworks disables the SSRF guard (tests, intranet feeds).
	AllowPrivateNetworks bool `json:"allow_private_networks,omitempty"`

	CacheTTL  string `json:"cache_ttl,omitempty"`
	SweepIdle string `json:"sweep_idle,omitempty"`

	// Default limits apply to every domain without an explicit entry.
	Default DomainLimitConfig            `json:"default"`
	Domains map[string]DomainLimitConfig `json:"domains,omitempty"`

	Breaker BreakerConfig `json:"breaker"`
	// NetworkPenalty is the number of failures recorded for one network/gateway error.
	NetworkPenalty int `json:"network_penalty,omitempty"`
}

type DomainLimitConfig struct {
	MaxRequests int    `json:"max_requests,omitempty"`
	Window      string `json:"window,omitempty"`
	MinDelay    string `json:"min_delay,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
	SlowResponse     string `json:"slow_response,omitempty"`
	FastResponse     string `json:"fast_response,omitempty"`
}

type DedupeConfig struct {
	TTL string `json:"ttl,omitempty"`
}

// DeliveryConfig controls the durable queue drain.
//
// Defaults:
//   - interval: "2s"
//   - batch_size: 10
//   - per_minute: 20
//   - send_spacing: "1s"
//   - send_timeout: "15s"
//   - max_retries: 5
//   - message_ttl: "24h"
type DeliveryConfig struct {
	Interval    string `json:"interval,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	PerMinute   int    `json:"per_minute,omitempty"`
	SendSpacing string `json:"send_spacing,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	MessageTTL  string `json:"message_ttl,omitempty"`
	// DisablePreview turns off link previews on feed item messages.
	DisablePreview bool `json:"disable_preview,omitempty"`

	Backoff BackoffConfig `json:"backoff"`
	Breaker BreakerConfig `json:"breaker"`

	// RecoveryDecay multiplies the OPEN-state recovery probability after each failed probe.
	RecoveryDecay float64 `json:"recovery_decay,omitempty"`
	// CriticalOps bypass the delivery breaker.
	CriticalOps []string `json:"critical_ops,omitempty"`
}

type BackoffConfig struct {
	Ladder []string `json:"ladder,omitempty"`
	Max    string   `json:"max,omitempty"`
	Jitter float64  `json:"jitter,omitempty"`
	// RateLimitDefault is used for 429s that carry no retry hint.
	RateLimitDefault string `json:"rate_limit_default,omitempty"`
	// RateLimitMax caps provider retry hints.
	RateLimitMax string `json:"rate_limit_max,omitempty"`
}

type HealthConfig struct {
	Window                 string  `json:"window,omitempty"`
	CriticalErrorRate      float64 `json:"critical_error_rate,omitempty"`
	DegradedErrorRate      float64 `json:"degraded_error_rate,omitempty"`
	DegradedBacklog        int     `json:"degraded_backlog,omitempty"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty"`
	AlertCooldown          string  `json:"alert_cooldown,omitempty"`
}

// AdminConfig controls the optional HTTP admin API.
//
// Security note: bind to localhost unless Token is set.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// Pprof mounts /debug/pprof on the admin listener.
	Pprof bool `json:"pprof,omitempty"`
}

type FeedSeed struct {
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url"`
	ChatID   int64             `json:"chat_id"`
	ThreadID int               `json:"thread_id,omitempty"`
	Interval string            `json:"interval,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}
