// Package relay is the operator-facing API: feed registration, manual
// checks, health and queue inspection, breaker resets. Every mutating call
// writes an audit entry.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"feedrelay/internal/check"
	"feedrelay/internal/delivery"
	"feedrelay/internal/feed"
	"feedrelay/internal/health"
	"feedrelay/internal/ratelimit"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrInvalidFeed = errors.New("relay: invalid feed")
	ErrUnknownKey  = errors.New("relay: no breaker for key")
)

// DeliveryBreakerKey names the delivery endpoint breaker in ResetCircuitBreaker.
const DeliveryBreakerKey = "delivery"

type Scheduler interface {
	Register(fs storage.FeedState)
	Unregister(feedID string)
	RunNow(ctx context.Context, feedID string) (check.Result, error)
	Snapshot() []check.ScheduleInfo
}

type Store interface {
	storage.FeedStore
	storage.Locker
	storage.AuditStore
}

type QueueView interface {
	Stats() delivery.QueueStats
}

type ProcessorView interface {
	PausedUntil() time.Time
}

type HealthView interface {
	Report() health.Report
	RecentAlerts(ctx context.Context, limit int) ([]storage.Alert, error)
}

type Deps struct {
	Store         Store
	Scheduler     Scheduler
	Queue         QueueView
	Processor     ProcessorView
	Health        HealthView
	Delivery      *breaker.DeliveryBreaker
	FetchBreakers *breaker.Registry
	// Intervals resolves a feed's effective check interval.
	Intervals func(fs storage.FeedState) time.Duration
	Log       logx.Logger
}

type Service struct {
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(deps Deps) *Service {
	return &Service{d: deps, log: deps.Log.With(logx.String("comp", "relay")), now: time.Now}
}

// FeedSpec is a registration request.
type FeedSpec struct {
	// ID is derived from URL and destination when empty.
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url"`
	ChatID   int64             `json:"chat_id"`
	ThreadID int               `json:"thread_id,omitempty"`
	Interval time.Duration     `json:"interval,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Title    string            `json:"title,omitempty"`
	// Disabled registers the feed without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}

// FeedView is a feed plus its schedule.
type FeedView struct {
	ID                  string              `json:"id"`
	URL                 string              `json:"url"`
	ChatID              int64               `json:"chat_id"`
	ThreadID            int                 `json:"thread_id,omitempty"`
	Title               string              `json:"title,omitempty"`
	Enabled             bool                `json:"enabled"`
	Interval            time.Duration       `json:"interval"`
	Watermark           string              `json:"watermark,omitempty"`
	LastCheckedAt       time.Time           `json:"last_checked_at,omitempty"`
	LastNotifiedAt      time.Time           `json:"last_notified_at,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastError           string              `json:"last_error,omitempty"`
	Headers             map[string]string   `json:"headers,omitempty"`
	Schedule            *check.ScheduleInfo `json:"schedule,omitempty"`
}

// FeedID is the identifier a feed registered without one receives.
func FeedID(fetchURL string, to int64, thread int) string {
	key := fetchURL + "|" + strconv.FormatInt(to, 10) + "|" + strconv.Itoa(thread)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// RegisterFeed creates or updates a feed and (re)schedules it. Re-registering
// keeps the watermark and validators.
func (s *Service) RegisterFeed(ctx context.Context, spec FeedSpec) (fv FeedView, err error) {
	start := s.now()
	defer func() { s.audit(ctx, "register_feed", spec.ID, start, err, map[string]any{"url": spec.URL, "chat_id": spec.ChatID}) }()

	fetchURL, err := feed.NormalizeURL(spec.URL)
	if err != nil {
		return FeedView{}, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	if spec.ChatID == 0 {
		return FeedView{}, fmt.Errorf("%w: chat_id is required", ErrInvalidFeed)
	}
	if spec.Interval < 0 {
		return FeedView{}, fmt.Errorf("%w: negative interval", ErrInvalidFeed)
	}
	if spec.ID == "" {
		spec.ID = FeedID(fetchURL, spec.ChatID, spec.ThreadID)
	}

	fs, err := s.d.Store.GetFeed(ctx, spec.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fs = storage.FeedState{ID: spec.ID}
	case err != nil:
		return FeedView{}, err
	}
	if fs.FetchURL != "" && fs.FetchURL != fetchURL {
		// A new source invalidates the cursor and the validators.
		fs.LastItemID, fs.ETag, fs.LastModified = "", "", ""
	}
	fs.SourceURL = strings.TrimSpace(spec.URL)
	fs.FetchURL = fetchURL
	fs.ChatID = spec.ChatID
	fs.ThreadID = spec.ThreadID
	fs.CheckInterval = spec.Interval
	fs.Headers = maps.Clone(spec.Headers)
	fs.Enabled = !spec.Disabled
	if spec.Title != "" {
		fs.Title = spec.Title
	}
	if err = s.d.Store.UpsertFeed(ctx, fs); err != nil {
		return FeedView{}, err
	}
	s.d.Scheduler.Register(fs)
	s.log.Info("feed registered", logx.String("feed", fs.ID), logx.String("url", fetchURL), logx.Int64("chat_id", fs.ChatID))
	return s.view(fs, nil), nil
}

// DeregisterFeed deletes a feed, stops its timer and breaks its check lock.
func (s *Service) DeregisterFeed(ctx context.Context, feedID string) (err error) {
	start := s.now()
	defer func() { s.audit(ctx, "deregister_feed", feedID, start, err, nil) }()

	s.d.Scheduler.Unregister(feedID)
	if err = s.d.Store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	if lerr := s.d.Store.BreakLock(ctx, check.LockKey(feedID)); lerr != nil {
		s.log.Warn("break feed lock failed", logx.String("feed", feedID), logx.Err(lerr))
	}
	s.log.Info("feed deregistered", logx.String("feed", feedID))
	return nil
}

// CheckFeedNow runs one check cycle immediately.
func (s *Service) CheckFeedNow(ctx context.Context, feedID string) (res check.Result, err error) {
	start := s.now()
	defer func() {
		meta := map[string]any{"status": res.Status, "new_items": res.NewItemCount}
		if err == nil && res.Err != nil && res.Status != check.StatusBusy {
			meta["error"] = res.Err.Error()
		}
		s.audit(ctx, "check_feed_now", feedID, start, err, meta)
	}()

	if _, err = s.d.Store.GetFeed(ctx, feedID); err != nil {
		return check.Result{}, err
	}
	return s.d.Scheduler.RunNow(ctx, feedID)
}

func (s *Service) GetFeed(ctx context.Context, feedID string) (FeedView, error) {
	fs, err := s.d.Store.GetFeed(ctx, feedID)
	if err != nil {
		return FeedView{}, err
	}
	return s.view(fs, s.schedules()), nil
}

func (s *Service) ListFeeds(ctx context.Context) ([]FeedView, error) {
	feeds, err := s.d.Store.ListFeeds(ctx, false)
	if err != nil {
		return nil, err
	}
	sched := s.schedules()
	out := make([]FeedView, 0, len(feeds))
	for _, fs := range feeds {
		out = append(out, s.view(fs, sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type HealthStatus struct {
	health.Report
	DeliveryBreaker *breaker.DeliverySnapshot `json:"delivery_breaker,omitempty"`
	FetchBreakers   []breaker.Snapshot        `json:"fetch_breakers,omitempty"`
	Scheduled       int                       `json:"scheduled"`
	Alerts          []storage.Alert           `json:"alerts,omitempty"`
}

func (s *Service) GetHealthStatus(ctx context.Context) (HealthStatus, error) {
	var st HealthStatus
	if s.d.Health != nil {
		st.Report = s.d.Health.Report()
		alerts, err := s.d.Health.RecentAlerts(ctx, 10)
		if err != nil {
			s.log.Warn("load alerts failed", logx.Err(err))
		}
		st.Alerts = alerts
	}
	if s.d.Delivery != nil {
		snap := s.d.Delivery.Snapshot()
		st.DeliveryBreaker = &snap
	}
	if s.d.FetchBreakers != nil {
		for _, b := range s.d.FetchBreakers.Snapshot() {
			if b.State != breaker.Closed.String() || b.Failures > 0 {
				st.FetchBreakers = append(st.FetchBreakers, b)
			}
		}
	}
	st.Scheduled = len(s.d.Scheduler.Snapshot())
	return st, nil
}

type QueueStatus struct {
	delivery.QueueStats
	PausedUntil time.Time `json:"paused_until,omitempty"`
}

func (s *Service) GetQueueStats() QueueStatus {
	var q QueueStatus
	if s.d.Queue != nil {
		q.QueueStats = s.d.Queue.Stats()
	}
	if s.d.Processor != nil {
		if until := s.d.Processor.PausedUntil(); until.After(s.now()) {
			q.PausedUntil = until
		}
	}
	return q
}

// ResetCircuitBreaker closes the breaker for key: DeliveryBreakerKey or a
// source domain (a URL is accepted and reduced to its domain).
func (s *Service) ResetCircuitBreaker(ctx context.Context, key string) (err error) {
	start := s.now()
	defer func() { s.audit(ctx, "reset_circuit_breaker", key, start, err, nil) }()

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrUnknownKey)
	}
	if strings.EqualFold(key, DeliveryBreakerKey) {
		if s.d.Delivery == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		s.d.Delivery.Reset()
		s.log.Info("delivery breaker reset")
		return nil
	}
	domain := ratelimit.DomainOf(key)
	if s.d.FetchBreakers == nil || !s.d.FetchBreakers.Reset(domain) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, domain)
	}
	s.log.Info("fetch breaker reset", logx.String("domain", domain))
	return nil
}

func (s *Service) schedules() map[string]check.ScheduleInfo {
	out := map[string]check.ScheduleInfo{}
	for _, si := range s.d.Scheduler.Snapshot() {
		out[si.FeedID] = si
	}
	return out
}

func (s *Service) view(fs storage.FeedState, sched map[string]check.ScheduleInfo) FeedView {
	v := FeedView{
		ID:                  fs.ID,
		URL:                 fs.FetchURL,
		ChatID:              fs.ChatID,
		ThreadID:            fs.ThreadID,
		Title:               fs.Title,
		Enabled:             fs.Enabled,
		Interval:            fs.CheckInterval,
		Watermark:           fs.LastItemID,
		LastCheckedAt:       fs.LastCheckedAt,
		LastNotifiedAt:      fs.LastNotifiedAt,
		ConsecutiveFailures: fs.ConsecutiveFailures,
		LastError:           fs.LastError,
		Headers:             fs.Headers,
	}
	if s.d.Intervals != nil {
		v.Interval = s.d.Intervals(fs)
	}
	if si, ok := sched[fs.ID]; ok {
		v.Schedule = &si
	}
	return v
}

type actorKey struct{}

// WithActor tags ctx with the operator identity recorded in audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

func (s *Service) audit(ctx context.Context, action, target string, start time.Time, err error, meta map[string]any) {
	e := storage.AuditEntry{
		At:     start,
		Actor:  actorFrom(ctx),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, merr := json.Marshal(meta); merr == nil {
			e.MetaJSON = string(b)
		}
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := s.d.Store.AppendAudit(actx, e); aerr != nil {
		s.log.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}
