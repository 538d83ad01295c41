package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (shared by all instances on the host)
//   - "memory": process-local maps (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FeedState is one monitored source bound to one destination chat.
type FeedState struct {
	ID        string
	SourceURL string
	FetchURL  string
	ChatID    int64
	ThreadID  int
	Title     string

	// LastItemID is the watermark: the newest item seen by the last successful check.
	LastItemID     string
	LastNotifiedAt time.Time
	LastCheckedAt  time.Time

	ConsecutiveFailures int
	LastError           string

	Enabled       bool
	CheckInterval time.Duration

	// Conditional GET validators from the last 200 response.
	ETag         string
	LastModified string
	Headers      map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DedupeRecord suppresses an item identifier until ExpiresAt.
type DedupeRecord struct {
	ItemID      string
	FeedID      string
	FirstSeenAt time.Time
	ExpiresAt   time.Time
}

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusFailed     MessageStatus = "failed"
)

// QueuedMessage is the durable form of an outbound delivery.
// Payload is the JSON encoding of the job identified by Kind.
type QueuedMessage struct {
	ID       string
	ChatID   int64
	ThreadID int
	Kind     string
	Payload  []byte
	Priority int

	EnqueuedAt time.Time
	NotBefore  time.Time
	ExpiresAt  time.Time

	RetryCount int
	MaxRetries int
	Status     MessageStatus
	LastError  string
	UpdatedAt  time.Time
}

type MetricSample struct {
	At    time.Time
	Name  string
	Value float64
}

type Alert struct {
	ID       string
	Type     string
	Severity string
	Message  string
	At       time.Time
}

// AuditEntry records an operator action made through the exposed API.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

type FeedStore interface {
	UpsertFeed(ctx context.Context, f FeedState) error
	// UpdateFeed rewrites an existing feed and returns ErrNotFound when it
	// has been deleted.
	UpdateFeed(ctx context.Context, f FeedState) error
	// GetFeed returns ErrNotFound when id is unknown.
	GetFeed(ctx context.Context, id string) (FeedState, error)
	ListFeeds(ctx context.Context, enabledOnly bool) ([]FeedState, error)
	DeleteFeed(ctx context.Context, id string) error
}

type DedupeStore interface {
	// InsertDedupe bulk-inserts records. Re-inserting a known item keeps
	// FirstSeenAt and extends ExpiresAt.
	InsertDedupe(ctx context.Context, recs []DedupeRecord) error
	// SeenDedupe returns the subset of ids with a record unexpired at now.
	SeenDedupe(ctx context.Context, ids []string, now time.Time) (map[string]bool, error)
	PruneDedupe(ctx context.Context, now time.Time) (int64, error)
}

type QueueStore interface {
	// SaveMessage creates or replaces the message row.
	SaveMessage(ctx context.Context, m QueuedMessage) error
	DeleteMessage(ctx context.Context, id string) error
	// LoadMessages returns messages in the given statuses (all when empty),
	// ordered by priority desc, then enqueue time.
	LoadMessages(ctx context.Context, statuses ...MessageStatus) ([]QueuedMessage, error)
}

type HealthStore interface {
	AppendMetrics(ctx context.Context, samples []MetricSample) error
	AppendAlert(ctx context.Context, a Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Locker is the distributed lock collaborator. Acquisition never blocks:
// a held, unexpired lock reports false.
type Locker interface {
	// AcquireLock takes key for ttl. Re-acquiring with the current token renews it.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key only if token still owns it.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	// BreakLock deletes key regardless of owner (feed removal).
	BreakLock(ctx context.Context, key string) error
	PurgeLocks(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence API used by the relay.
type Store interface {
	FeedStore
	DedupeStore
	QueueStore
	HealthStore
	AuditStore
	Locker
	Close() error
}
