package check

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/dedupe"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/resilience/classify"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// items returns newest-first items, one minute apart.
func items(ids ...string) []feed.Item {
	out := make([]feed.Item, len(ids))
	for i, id := range ids {
		out[i] = feed.Item{ID: id, Title: "Item " + id, Link: "https://example.com/" + id, PublishedAt: t0.Add(-time.Duration(i) * time.Minute)}
	}
	return out
}

type source struct {
	mu    sync.Mutex
	items []feed.Item
	err   error
	calls int
	// hold blocks Fetch until closed.
	hold chan struct{}
}

func (s *source) Fetch(ctx context.Context, _ feed.Request) (feed.Result, error) {
	s.mu.Lock()
	s.calls++
	hold, it, err := s.hold, s.items, s.err
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return feed.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return feed.Result{}, err
	}
	return feed.Result{Title: "Example", Items: it, Status: 200}, nil
}

type enqueued struct {
	mu   sync.Mutex
	jobs []delivery.Job
	err  error
}

func (e *enqueued) Enqueue(_ context.Context, job delivery.Job, _ delivery.EnqueueOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.jobs = append(e.jobs, job)
	return "m1", nil
}

func (e *enqueued) itemIDs(t *testing.T) []string {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(e.jobs))
	}
	job := e.jobs[0].(delivery.FeedItemsJob)
	return ids(job.Items)
}

type harness struct {
	store storage.Store
	src   *source
	dd    *dedupe.Service
	q     *enqueued
	c     *Coordinator
}

func newHarness(t *testing.T, fs storage.FeedState) *harness {
	t.Helper()
	st := storage.NewMemory()
	if fs.ID != "" {
		if err := st.UpsertFeed(context.Background(), fs); err != nil {
			t.Fatal(err)
		}
	}
	src := &source{}
	dd := dedupe.New(st, dedupe.Config{TTL: time.Hour}, logx.Nop())
	q := &enqueued{}
	c := NewCoordinator(CoordinatorConfig{
		MaxBackoff: 8 * time.Minute,
		Intervals:  feed.IntervalTable{Default: time.Minute},
	}, st, feed.NewFetcher(src, nil, nil, logx.Nop()), dd, q, eventbus.New(), logx.Nop())
	return &harness{store: st, src: src, dd: dd, q: q, c: c}
}

func testFeed(watermark string) storage.FeedState {
	return storage.FeedState{
		ID:         "f1",
		SourceURL:  "https://example.com/feed.xml",
		FetchURL:   "https://example.com/feed.xml",
		ChatID:     -100123,
		LastItemID: watermark,
		Enabled:    true,
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCheckFeedWatermark(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		watermark string
		want      []string
	}{
		{"known watermark", "A", []string{"D", "C", "B"}},
		{"missing watermark", "Z", []string{"D"}},
		{"first check", "", []string{"D"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t, testFeed(tt.watermark))
			h.src.items = items("D", "C", "B", "A")

			res := h.c.CheckFeed(ctx, "f1")
			if !res.Success() || res.NewItemCount != len(tt.want) || res.Watermark != "D" {
				t.Fatalf("result = %+v", res)
			}
			if got := h.q.itemIDs(t); !equal(got, tt.want) {
				t.Fatalf("delivered %v, want %v", got, tt.want)
			}
			fs, _ := h.store.GetFeed(ctx, "f1")
			if fs.LastItemID != "D" || fs.ConsecutiveFailures != 0 || !fs.LastNotifiedAt.Equal(t0) || fs.Title != "Example" {
				t.Fatalf("feed state = %+v", fs)
			}
			if ok, _ := h.store.AcquireLock(ctx, LockKey("f1"), "probe", time.Second); !ok {
				t.Fatal("feed lock not released")
			}
		})
	}
}

func TestCheckFeedFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("published before last notification", func(t *testing.T) {
		t.Parallel()
		fs := testFeed("A")
		fs.LastNotifiedAt = t0.Add(-90 * time.Second)
		h := newHarness(t, fs)
		h.src.items = items("D", "C", "B", "A")
		h.c.CheckFeed(ctx, "f1")
		if got := h.q.itemIDs(t); !equal(got, []string{"D", "C"}) {
			t.Fatalf("delivered %v", got)
		}
	})

	t.Run("already delivered", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testFeed("A"))
		_ = h.dd.Record(ctx, "other", []string{"C"})
		h.src.items = items("D", "C", "B", "A")
		h.c.CheckFeed(ctx, "f1")
		if got := h.q.itemIDs(t); !equal(got, []string{"D", "B"}) {
			t.Fatalf("delivered %v", got)
		}
	})

	t.Run("nothing new", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testFeed("D"))
		h.src.items = items("D", "C")
		res := h.c.CheckFeed(ctx, "f1")
		if !res.Success() || res.NewItemCount != 0 || len(h.q.jobs) != 0 {
			t.Fatalf("result = %+v, jobs %d", res, len(h.q.jobs))
		}
	})

	t.Run("second cycle suppressed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testFeed("A"))
		h.src.items = items("D", "C", "B", "A")
		h.c.CheckFeed(ctx, "f1")
		// Rewind the watermark: dedupe alone must stop redelivery.
		fs, _ := h.store.GetFeed(ctx, "f1")
		fs.LastItemID, fs.LastNotifiedAt = "A", time.Time{}
		_ = h.store.UpsertFeed(ctx, fs)
		res := h.c.CheckFeed(ctx, "f1")
		if res.NewItemCount != 0 || len(h.q.jobs) != 1 {
			t.Fatalf("redelivered: %+v", res)
		}
	})
}

func TestCheckFeedBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, testFeed("A"))
	h.src.items = items("D", "C", "B", "A")
	h.src.hold = make(chan struct{})

	first := make(chan Result, 1)
	go func() { first <- h.c.CheckFeed(ctx, "f1") }()
	for {
		h.src.mu.Lock()
		n := h.src.calls
		h.src.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	res := h.c.CheckFeed(ctx, "f1")
	if res.Status != StatusBusy || !errors.Is(res.Err, classify.ErrLockContention) {
		t.Fatalf("concurrent result = %+v", res)
	}
	close(h.src.hold)
	if r := <-first; !r.Success() || r.NewItemCount != 3 {
		t.Fatalf("first result = %+v", r)
	}
	if h.src.calls != 1 || len(h.q.jobs) != 1 {
		t.Fatalf("busy cycle fetched or enqueued: calls %d jobs %d", h.src.calls, len(h.q.jobs))
	}
}

// waitCalls blocks until the source has been called n times.
func waitCalls(t *testing.T, src *source, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		src.mu.Lock()
		got := src.calls
		src.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("source called %d times, want %d", got, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCheckFeedDeregisteredMidCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		items []feed.Item
		err   error
	}{
		{name: "new items", items: items("C", "B", "A")},
		{name: "fetch failure", err: &classify.HTTPStatusError{Code: 503}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t, testFeed("A"))
			h.src.items, h.src.err = tt.items, tt.err
			h.src.hold = make(chan struct{})

			first := make(chan Result, 1)
			go func() { first <- h.c.CheckFeed(ctx, "f1") }()
			waitCalls(t, h.src, 1)

			// Removal deletes the feed and breaks its lock under the running cycle.
			if err := h.store.DeleteFeed(ctx, "f1"); err != nil {
				t.Fatal(err)
			}
			if err := h.store.BreakLock(ctx, LockKey("f1")); err != nil {
				t.Fatal(err)
			}
			// A cycle started after removal sees the feed gone.
			if res := h.c.CheckFeed(ctx, "f1"); res.Status != StatusOrphaned {
				t.Fatalf("overlapping result = %+v", res)
			}
			close(h.src.hold)

			res := <-first
			if res.Status != StatusOrphaned || !errors.Is(res.Err, classify.ErrOrphanedSchedule) {
				t.Fatalf("result = %+v", res)
			}
			if _, err := h.store.GetFeed(ctx, "f1"); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("feed resurrected: err = %v", err)
			}
			h.q.mu.Lock()
			n := len(h.q.jobs)
			h.q.mu.Unlock()
			if n != 0 {
				t.Fatalf("enqueued %d jobs for a removed feed", n)
			}
			ok, err := h.store.AcquireLock(ctx, LockKey("f1"), "next", time.Minute)
			if err != nil || !ok {
				t.Fatalf("lock still held after cycle: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestCheckFeedOrphaned(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.FeedState{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1)
	defer unsub()
	h.c.bus = bus

	res := h.c.CheckFeed(context.Background(), "gone")
	if res.Status != StatusOrphaned || !errors.Is(res.Err, classify.ErrOrphanedSchedule) {
		t.Fatalf("result = %+v", res)
	}
	if e := <-events; e.Type != eventbus.FeedOrphaned {
		t.Fatalf("event = %+v", e)
	}
}

func TestCheckFeedDisabled(t *testing.T) {
	t.Parallel()
	fs := testFeed("")
	fs.Enabled = false
	h := newHarness(t, fs)
	if res := h.c.CheckFeed(context.Background(), "f1"); res.Status != StatusDisabled || h.src.calls != 0 {
		t.Fatalf("result = %+v, calls %d", res, h.src.calls)
	}
}

func TestCheckFeedFailureBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, testFeed("A"))
	h.src.err = &classify.HTTPStatusError{Code: 503}

	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		res := h.c.CheckFeed(ctx, "f1")
		if res.Status != StatusFailed || res.NextDelay != w {
			t.Fatalf("failure %d: %+v, want delay %v", i+1, res, w)
		}
	}
	fs, _ := h.store.GetFeed(ctx, "f1")
	if fs.ConsecutiveFailures != 4 || fs.LastItemID != "A" || fs.LastError == "" {
		t.Fatalf("feed state = %+v", fs)
	}

	h.src.mu.Lock()
	h.src.err, h.src.items = nil, items("B", "A")
	h.src.mu.Unlock()
	res := h.c.CheckFeed(ctx, "f1")
	fs, _ = h.store.GetFeed(ctx, "f1")
	if !res.Success() || res.NextDelay != time.Minute || fs.ConsecutiveFailures != 0 {
		t.Fatalf("recovery: %+v, failures %d", res, fs.ConsecutiveFailures)
	}
}

func TestCheckFeedEnqueueFailureKeepsWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, testFeed("A"))
	h.src.items = items("B", "A")
	h.q.err = delivery.ErrQueueFull

	if res := h.c.CheckFeed(ctx, "f1"); res.Status != StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	fs, _ := h.store.GetFeed(ctx, "f1")
	seen, _ := h.dd.Seen(ctx, []string{"B"})
	if fs.LastItemID != "A" || seen["B"] {
		t.Fatalf("state advanced without delivery: %+v seen %v", fs, seen)
	}
}

func TestFailureDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
		{200, time.Hour},
	}
	for _, tt := range tests {
		if got := FailureDelay(time.Minute, tt.failures, time.Hour); got != tt.want {
			t.Errorf("FailureDelay(1m, %d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
