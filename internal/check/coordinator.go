// Package check runs feed-check cycles and keeps one timer per active feed.
package check

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/resilience/classify"
	"feedrelay/internal/storage"
	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultLockTTL    = 60 * time.Second
	DefaultMaxBackoff = time.Hour
	lockPrefix        = "feedcheck:"
)

// LockKey is the distributed lock held while feedID is being checked.
func LockKey(feedID string) string { return lockPrefix + feedID }

type Status string

const (
	StatusChecked  Status = "checked"
	StatusBusy     Status = "busy"
	StatusOrphaned Status = "orphaned"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "failed"
)

// Result is the outcome of one cycle. A cycle never returns an error to
// its caller; failures are reported here along with the next delay.
type Result struct {
	FeedID       string        `json:"feed_id"`
	Status       Status        `json:"status"`
	NewItemCount int           `json:"new_item_count"`
	Watermark    string        `json:"watermark,omitempty"`
	NextDelay    time.Duration `json:"next_delay"`
	MessageID    string        `json:"message_id,omitempty"`
	Took         time.Duration `json:"took"`
	Err          error         `json:"-"`
}

func (r Result) Success() bool { return r.Status == StatusChecked }

type Fetcher interface {
	Fetch(ctx context.Context, req feed.Request, watermark string) (feed.Fetched, error)
}

type Deduper interface {
	Seen(ctx context.Context, ids []string) (map[string]bool, error)
	Record(ctx context.Context, feedID string, ids []string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job delivery.Job, opt delivery.EnqueueOptions) (string, error)
}

// FeedLocker is the slice of the store a coordinator needs.
type FeedLocker interface {
	storage.FeedStore
	storage.Locker
}

type CoordinatorConfig struct {
	LockTTL    time.Duration
	MaxBackoff time.Duration
	Intervals  feed.IntervalTable
	// Priority is given to every feed-items delivery.
	Priority int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Coordinator is the FeedCheckCoordinator.
type Coordinator struct {
	store   FeedLocker
	fetcher Fetcher
	dedupe  Deduper
	queue   Enqueuer
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg CoordinatorConfig
}

func NewCoordinator(cfg CoordinatorConfig, store FeedLocker, fetcher Fetcher, dedupe Deduper, queue Enqueuer, bus eventbus.Bus, log logx.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		fetcher: fetcher,
		dedupe:  dedupe,
		queue:   queue,
		bus:     bus,
		log:     log.With(logx.String("comp", "check")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

func (c *Coordinator) Apply(cfg CoordinatorConfig) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) config() CoordinatorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Interval is the configured check interval of fs.
func (c *Coordinator) Interval(fs storage.FeedState) time.Duration {
	return c.config().Intervals.For(fs.FetchURL, fs.CheckInterval)
}

// CheckFeed runs one cycle for feedID.
func (c *Coordinator) CheckFeed(ctx context.Context, feedID string) Result {
	start := c.now()
	res := c.check(ctx, feedID)
	res.FeedID = feedID
	res.Took = c.now().Sub(start)

	switch res.Status {
	case StatusChecked:
		eventbus.Publish(c.bus, eventbus.FeedChecked, res)
	case StatusOrphaned:
		eventbus.Publish(c.bus, eventbus.FeedOrphaned, res)
	}
	return res
}

func (c *Coordinator) check(ctx context.Context, feedID string) Result {
	cfg := c.config()
	key := LockKey(feedID)
	token := uuid.NewString()

	ok, err := c.store.AcquireLock(ctx, key, token, cfg.LockTTL)
	if err != nil {
		c.log.Warn("feed lock failed", logx.String("feed", feedID), logx.Err(err))
		return Result{Status: StatusFailed, NextDelay: cfg.Intervals.For("", 0), Err: err}
	}
	if !ok {
		return Result{Status: StatusBusy, Err: classify.ErrLockContention}
	}
	defer c.release(ctx, key, token)

	fs, err := c.store.GetFeed(ctx, feedID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.orphaned(feedID)
	}
	if err != nil {
		return Result{Status: StatusFailed, NextDelay: cfg.Intervals.For("", 0), Err: err}
	}
	if !fs.Enabled {
		return Result{Status: StatusDisabled}
	}
	interval := cfg.Intervals.For(fs.FetchURL, fs.CheckInterval)

	fetched, err := c.fetcher.Fetch(ctx, feed.Request{
		URL:          fs.FetchURL,
		Headers:      fs.Headers,
		ETag:         fs.ETag,
		LastModified: fs.LastModified,
	}, fs.LastItemID)
	if err != nil {
		return c.failed(ctx, fs, interval, cfg.MaxBackoff, err)
	}

	// The feed may have been deregistered while the fetch ran.
	if _, err := c.store.GetFeed(ctx, fs.ID); errors.Is(err, storage.ErrNotFound) {
		return c.orphaned(fs.ID)
	}

	now := c.now()
	items, err := c.eligible(ctx, fs, fetched.New)
	if err != nil {
		return c.failed(ctx, fs, interval, cfg.MaxBackoff, fmt.Errorf("dedupe lookup: %w", err))
	}

	var msgID string
	if len(items) > 0 {
		job := delivery.FeedItemsJob{
			FeedID:    fs.ID,
			FeedTitle: firstNonEmpty(fetched.Title, fs.Title),
			FeedURL:   fs.SourceURL,
			To:        kit.ChatTarget{ChatID: fs.ChatID, ThreadID: fs.ThreadID},
			Items:     items,
		}
		msgID, err = c.queue.Enqueue(ctx, job, delivery.EnqueueOptions{Priority: cfg.Priority})
		if err != nil {
			// Nothing advances: the next cycle rediscovers the same items.
			return c.failed(ctx, fs, interval, cfg.MaxBackoff, fmt.Errorf("enqueue: %w", err))
		}
	}

	if observed := ids(fetched.Items); len(observed) > 0 {
		if err := c.dedupe.Record(ctx, fs.ID, observed); err != nil {
			c.log.Warn("dedupe record failed", logx.String("feed", fs.ID), logx.Err(err))
		}
	}

	if len(fetched.Items) > 0 {
		fs.LastItemID = fetched.Items[0].ID
	}
	for _, it := range items {
		if it.PublishedAt.After(fs.LastNotifiedAt) {
			fs.LastNotifiedAt = it.PublishedAt
		}
	}
	if !fetched.NotModified {
		if fetched.ETag != "" || fetched.LastModified != "" {
			fs.ETag, fs.LastModified = fetched.ETag, fetched.LastModified
		}
		if fetched.Title != "" {
			fs.Title = fetched.Title
		}
	}
	fs.ConsecutiveFailures = 0
	fs.LastError = ""
	fs.LastCheckedAt = now
	if err := c.store.UpdateFeed(ctx, fs); errors.Is(err, storage.ErrNotFound) {
		return c.orphaned(fs.ID)
	} else if err != nil {
		// Dedupe still suppresses the delivered items on the next cycle.
		c.log.Warn("persist feed state failed", logx.String("feed", fs.ID), logx.Err(err))
	}

	if len(items) > 0 {
		c.log.Info("new items queued",
			logx.String("feed", fs.ID),
			logx.Int("items", len(items)),
			logx.Bool("watermark_found", fetched.WatermarkFound),
			logx.String("message", msgID))
	} else {
		c.log.Debug("feed checked", logx.String("feed", fs.ID), logx.Bool("not_modified", fetched.NotModified), logx.Bool("cached", fetched.FromCache))
	}
	return Result{Status: StatusChecked, NewItemCount: len(items), Watermark: fs.LastItemID, NextDelay: interval, MessageID: msgID}
}

// eligible applies the publication-time and dedupe filters, drops
// duplicate ids and sorts newest first.
func (c *Coordinator) eligible(ctx context.Context, fs storage.FeedState, candidates []feed.Item) ([]feed.Item, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	fresh := make([]feed.Item, 0, len(candidates))
	for _, it := range candidates {
		if !fs.LastNotifiedAt.IsZero() && !it.PublishedAt.IsZero() && !it.PublishedAt.After(fs.LastNotifiedAt) {
			continue
		}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	seen, err := c.dedupe.Seen(ctx, ids(fresh))
	if err != nil {
		return nil, err
	}
	out := make([]feed.Item, 0, len(fresh))
	uniq := make(map[string]struct{}, len(fresh))
	for _, it := range fresh {
		if seen[it.ID] {
			continue
		}
		if _, dup := uniq[it.ID]; dup {
			continue
		}
		uniq[it.ID] = struct{}{}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

func (c *Coordinator) failed(ctx context.Context, fs storage.FeedState, interval, maxBackoff time.Duration, cause error) Result {
	ce := classify.Classify(cause, "fetch")
	fs.ConsecutiveFailures++
	fs.LastError = ce.Error()
	fs.LastCheckedAt = c.now()
	if err := c.store.UpdateFeed(ctx, fs); errors.Is(err, storage.ErrNotFound) {
		return c.orphaned(fs.ID)
	} else if err != nil {
		c.log.Warn("persist feed failure failed", logx.String("feed", fs.ID), logx.Err(err))
	}
	next := FailureDelay(interval, fs.ConsecutiveFailures, maxBackoff)
	c.log.Warn("feed check failed",
		logx.String("feed", fs.ID),
		logx.String("kind", string(ce.Kind)),
		logx.Int("failures", fs.ConsecutiveFailures),
		logx.Duration("next", next),
		logx.Err(cause))
	return Result{Status: StatusFailed, Watermark: fs.LastItemID, NextDelay: next, Err: ce}
}

func (c *Coordinator) orphaned(feedID string) Result {
	c.log.Info("feed gone; dropping its schedule", logx.String("feed", feedID))
	return Result{Status: StatusOrphaned, Err: classify.ErrOrphanedSchedule}
}

func (c *Coordinator) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.store.ReleaseLock(rctx, key, token); err != nil {
		c.log.Warn("feed lock release failed", logx.String("key", key), logx.Err(err))
	}
}

// FailureDelay is min(interval * 2^failures, maxDelay).
func FailureDelay(interval time.Duration, failures int, maxDelay time.Duration) time.Duration {
	d := interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

func ids(items []feed.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.ID != "" {
			out = append(out, it.ID)
		}
	}
	return out
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
