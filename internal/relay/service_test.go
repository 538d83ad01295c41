package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/check"
	"feedrelay/internal/delivery"
	"feedrelay/internal/health"
	"feedrelay/internal/resilience/breaker"
	"feedrelay/internal/storage"
	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

type fakeScheduler struct {
	mu         sync.Mutex
	registered map[string]storage.FeedState
	runs       []string
}

func (f *fakeScheduler) Register(fs storage.FeedState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !fs.Enabled {
		delete(f.registered, fs.ID)
		return
	}
	f.registered[fs.ID] = fs
}

func (f *fakeScheduler) Unregister(id string) {
	f.mu.Lock()
	delete(f.registered, id)
	f.mu.Unlock()
}

func (f *fakeScheduler) RunNow(_ context.Context, id string) (check.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, id)
	f.mu.Unlock()
	return check.Result{FeedID: id, Status: check.StatusChecked, NewItemCount: 2}, nil
}

func (f *fakeScheduler) Snapshot() []check.ScheduleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]check.ScheduleInfo, 0, len(f.registered))
	for id := range f.registered {
		out = append(out, check.ScheduleInfo{FeedID: id, State: check.Scheduled})
	}
	return out
}

type auditLog struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditLog) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return a.Store.AppendAudit(ctx, e)
}

func (a *auditLog) last(t *testing.T) storage.AuditEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		t.Fatal("no audit entries")
	}
	return a.entries[len(a.entries)-1]
}

type paused struct{ until time.Time }

func (p paused) PausedUntil() time.Time { return p.until }

type fixture struct {
	svc   *Service
	store *auditLog
	sched *fakeScheduler
	fetch *breaker.Registry
	deliv *breaker.DeliveryBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &auditLog{Store: storage.NewMemory()},
		sched: &fakeScheduler{registered: map[string]storage.FeedState{}},
		fetch: breaker.NewRegistry(breaker.Config{FailureThreshold: 1}),
		deliv: breaker.NewDelivery(breaker.DeliveryConfig{Breaker: breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}}),
	}
	q := delivery.NewQueue(f.store, delivery.QueueConfig{}, logx.Nop())
	f.svc = New(Deps{
		Store:         f.store,
		Scheduler:     f.sched,
		Queue:         q,
		Processor:     paused{until: time.Now().Add(time.Minute)},
		Health:        health.NewMonitor(health.Config{}, health.Deps{Queue: q, Breaker: f.deliv, Store: f.store, Log: logx.Nop()}),
		Delivery:      f.deliv,
		FetchBreakers: f.fetch,
		Intervals:     func(fs storage.FeedState) time.Duration { return 30 * time.Minute },
		Log:           logx.Nop(),
	})
	return f
}

func TestRegisterFeed(t *testing.T) {
	t.Parallel()
	ctx := WithActor(context.Background(), "admin")
	f := newFixture(t)

	fv, err := f.svc.RegisterFeed(ctx, FeedSpec{URL: " Example.COM/feed.xml#top ", ChatID: -100123, ThreadID: 4})
	if err != nil {
		t.Fatal(err)
	}
	if fv.URL != "https://example.com/feed.xml" || fv.ID != FeedID(fv.URL, -100123, 4) || !fv.Enabled || fv.Interval != 30*time.Minute {
		t.Fatalf("view = %+v", fv)
	}
	if _, ok := f.sched.registered[fv.ID]; !ok {
		t.Fatal("feed not scheduled")
	}
	if e := f.store.last(t); e.Action != "register_feed" || e.Actor != "admin" || !e.OK || e.Target != fv.ID {
		t.Fatalf("audit = %+v", e)
	}

	// Re-registering keeps the cursor.
	fs, _ := f.store.GetFeed(ctx, fv.ID)
	fs.LastItemID, fs.ETag = "item-9", `"v1"`
	_ = f.store.UpsertFeed(ctx, fs)
	fv2, err := f.svc.RegisterFeed(ctx, FeedSpec{URL: "https://example.com/feed.xml", ChatID: -100123, ThreadID: 4, Interval: time.Hour})
	if err != nil || fv2.ID != fv.ID || fv2.Watermark != "item-9" {
		t.Fatalf("re-register = %+v, %v", fv2, err)
	}
	if feeds, _ := f.svc.ListFeeds(ctx); len(feeds) != 1 || feeds[0].Schedule == nil {
		t.Fatalf("feeds = %+v", feeds)
	}
}

func TestRegisterFeedRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for _, spec := range []FeedSpec{
		{URL: "", ChatID: 1},
		{URL: "ftp://example.com/feed", ChatID: 1},
		{URL: "https://example.com/feed"},
		{URL: "https://example.com/feed", ChatID: 1, Interval: -time.Second},
	} {
		if _, err := f.svc.RegisterFeed(ctx, spec); !errors.Is(err, ErrInvalidFeed) {
			t.Errorf("RegisterFeed(%+v) = %v", spec, err)
		}
	}
	if e := f.store.last(t); e.OK || e.Error == "" {
		t.Fatalf("failed registration audited as %+v", e)
	}
	if len(f.sched.registered) != 0 {
		t.Fatal("rejected feed scheduled")
	}
}

func TestDeregisterFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	fv, _ := f.svc.RegisterFeed(ctx, FeedSpec{URL: "https://example.com/feed", ChatID: 1})
	_, _ = f.store.AcquireLock(ctx, check.LockKey(fv.ID), "stuck-holder", time.Hour)

	if err := f.svc.DeregisterFeed(ctx, fv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetFeed(ctx, fv.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("feed still stored: %v", err)
	}
	if ok, _ := f.store.AcquireLock(ctx, check.LockKey(fv.ID), "new", time.Minute); !ok {
		t.Fatal("check lock not broken")
	}
	if len(f.sched.registered) != 0 {
		t.Fatal("feed still scheduled")
	}
	if err := f.svc.DeregisterFeed(ctx, fv.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second deregister = %v", err)
	}
}

func TestCheckFeedNow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.CheckFeedNow(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown feed = %v", err)
	}
	fv, _ := f.svc.RegisterFeed(ctx, FeedSpec{URL: "https://example.com/feed", ChatID: 1})
	res, err := f.svc.CheckFeedNow(ctx, fv.ID)
	if err != nil || res.NewItemCount != 2 || len(f.sched.runs) != 1 {
		t.Fatalf("CheckFeedNow = %+v, %v", res, err)
	}
	if e := f.store.last(t); e.Action != "check_feed_now" || e.MetaJSON == "" {
		t.Fatalf("audit = %+v", e)
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	b := f.fetch.Get("example.com")
	b.RecordFailure(0)
	if b.State() != breaker.Open {
		t.Fatal("setup: fetch breaker not open")
	}
	if err := f.svc.ResetCircuitBreaker(ctx, "https://www.example.com/feed"); err != nil {
		t.Fatal(err)
	}
	if b.State() != breaker.Closed {
		t.Fatal("fetch breaker still open")
	}

	f.deliv.Record(kit.OpSendMessage, &kit.SendError{Op: kit.OpSendMessage, Code: 503}, 0)
	if f.deliv.State() != breaker.Open {
		t.Fatal("setup: delivery breaker not open")
	}
	if err := f.svc.ResetCircuitBreaker(ctx, "delivery"); err != nil || f.deliv.State() != breaker.Closed {
		t.Fatalf("delivery reset: %v, %s", err, f.deliv.State())
	}

	if err := f.svc.ResetCircuitBreaker(ctx, "unknown.example"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key = %v", err)
	}
}

func TestStatusViews(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.fetch.Get("flaky.example").RecordFailure(0)

	st, err := f.svc.GetHealthStatus(ctx)
	if err != nil || st.Status != health.Healthy || st.DeliveryBreaker == nil || len(st.FetchBreakers) != 1 {
		t.Fatalf("health = %+v, %v", st, err)
	}
	if q := f.svc.GetQueueStats(); q.PausedUntil.IsZero() || q.Total != 0 {
		t.Fatalf("queue = %+v", q)
	}
}
