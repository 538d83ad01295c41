package check

import (
	"context"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

type scriptedChecker struct {
	mu       sync.Mutex
	interval time.Duration
	results  map[string]Result
	calls    map[string]int
}

func (c *scriptedChecker) CheckFeed(_ context.Context, id string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
	res, ok := c.results[id]
	if !ok {
		res = Result{Status: StatusChecked}
	}
	res.FeedID = id
	return res
}

func (c *scriptedChecker) Interval(storage.FeedState) time.Duration { return c.interval }

func (c *scriptedChecker) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func newScheduler(t *testing.T, interval time.Duration, feeds ...storage.FeedState) (*Scheduler, *scriptedChecker) {
	t.Helper()
	st := storage.NewMemory()
	for _, fs := range feeds {
		_ = st.UpsertFeed(context.Background(), fs)
	}
	chk := &scriptedChecker{interval: interval, results: map[string]Result{}, calls: map[string]int{}}
	s := NewScheduler(SchedulerConfig{Workers: 2}, chk, st, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, chk
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerStartSchedulesEnabledFeeds(t *testing.T) {
	t.Parallel()
	off := storage.FeedState{ID: "off"}
	s, chk := newScheduler(t, time.Hour, storage.FeedState{ID: "a", Enabled: true}, storage.FeedState{ID: "b", Enabled: true}, off)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 || s.StateOf("off") != Unscheduled {
		t.Fatalf("snapshot = %+v", s.Snapshot())
	}
	// No spread configured: first checks run at once.
	eventually(t, func() bool { return chk.count("a") == 1 && chk.count("b") == 1 })
	eventually(t, func() bool { return s.StateOf("a") == Scheduled })
}

func TestSchedulerRepeats(t *testing.T) {
	t.Parallel()
	s, chk := newScheduler(t, 10*time.Millisecond, storage.FeedState{ID: "a", Enabled: true})
	_ = s.Start(context.Background())
	eventually(t, func() bool { return chk.count("a") >= 3 })
}

func TestSchedulerUnschedulesOrphans(t *testing.T) {
	t.Parallel()
	s, chk := newScheduler(t, 10*time.Millisecond, storage.FeedState{ID: "gone", Enabled: true})
	chk.results["gone"] = Result{Status: StatusOrphaned}
	_ = s.Start(context.Background())

	eventually(t, func() bool { return s.StateOf("gone") == Unscheduled })
	n := chk.count("gone")
	time.Sleep(50 * time.Millisecond)
	if chk.count("gone") != n || n != 1 {
		t.Fatalf("orphaned feed checked %d times", chk.count("gone"))
	}
}

func TestSchedulerBackoffState(t *testing.T) {
	t.Parallel()
	s, chk := newScheduler(t, time.Hour, storage.FeedState{ID: "a", Enabled: true})
	chk.results["a"] = Result{Status: StatusFailed, NextDelay: time.Hour}
	_ = s.Start(context.Background())
	eventually(t, func() bool { return s.StateOf("a") == Backoff })
	if info := s.Snapshot()[0]; info.LastStatus != StatusFailed || info.NextRun.IsZero() {
		t.Fatalf("info = %+v", info)
	}
}

func TestSchedulerRunNowAndUnregister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, chk := newScheduler(t, time.Hour)
	if _, err := s.RunNow(ctx, "a"); err != ErrNotRunning {
		t.Fatalf("RunNow before Start = %v", err)
	}
	_ = s.Start(ctx)

	s.Apply(SchedulerConfig{Workers: 1, StartupSpread: time.Hour})
	s.Register(storage.FeedState{ID: "a", Enabled: true})
	if s.StateOf("a") != Scheduled {
		t.Fatal("registered feed not scheduled")
	}
	res, err := s.RunNow(ctx, "a")
	if err != nil || res.Status != StatusChecked || chk.count("a") != 1 {
		t.Fatalf("RunNow = %+v, %v", res, err)
	}
	if info := s.Snapshot()[0]; info.State != Scheduled || info.LastStatus != StatusChecked {
		t.Fatalf("after RunNow: %+v", info)
	}

	s.Register(storage.FeedState{ID: "a", Enabled: false})
	if s.Len() != 0 {
		t.Fatal("disabled feed still scheduled")
	}
}
