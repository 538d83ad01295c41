package check

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

var ErrNotRunning = errors.New("check: scheduler not running")

type State string

const (
	Unscheduled State = "unscheduled"
	Scheduled   State = "scheduled"
	Running     State = "running"
	Backoff     State = "backoff"
)

// Checker runs one cycle; *Coordinator implements it.
type Checker interface {
	CheckFeed(ctx context.Context, feedID string) Result
	Interval(fs storage.FeedState) time.Duration
}

type SchedulerConfig struct {
	// Workers bounds concurrent cycles.
	Workers int
	// StartupSpread bounds the random first delay of re-derived schedules.
	StartupSpread time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StartupSpread < 0 {
		c.StartupSpread = 0
	}
	return c
}

// ScheduleInfo is a point-in-time view of one feed timer.
type ScheduleInfo struct {
	FeedID     string        `json:"feed_id"`
	State      State         `json:"state"`
	Interval   time.Duration `json:"interval"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	LastStatus Status        `json:"last_status,omitempty"`
	LastRun    time.Time     `json:"last_run,omitempty"`
}

type schedule struct {
	id       string
	interval time.Duration
	state    State
	next     time.Time
	timer    *time.Timer
	// ver invalidates timers armed before the latest (re)schedule.
	ver        uint64
	lastStatus Status
	lastRun    time.Time
}

// Scheduler keeps one timer per enabled feed.
//
// Timer callbacks carry the version they were armed with; a callback whose
// version is stale (feed rescheduled or removed meanwhile) does nothing.
type Scheduler struct {
	checker Checker
	feeds   storage.FeedStore
	log     logx.Logger

	mu     sync.Mutex
	cfg    SchedulerConfig
	sem    chan struct{}
	items  map[string]*schedule
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
}

func NewScheduler(cfg SchedulerConfig, checker Checker, feeds storage.FeedStore, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		checker: checker,
		feeds:   feeds,
		log:     log.With(logx.String("comp", "check.scheduler")),
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Workers),
		items:   map[string]*schedule{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply takes effect for timers armed afterwards. A worker count change
// applies to cycles that start afterwards.
func (s *Scheduler) Apply(cfg SchedulerConfig) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg.Workers != s.cfg.Workers {
		s.sem = make(chan struct{}, cfg.Workers)
	}
	s.cfg = cfg
	s.mu.Unlock()
}

// Start re-derives a schedule for every enabled feed in the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	feeds, err := s.feeds.ListFeeds(ctx, true)
	if err != nil {
		return err
	}
	for _, fs := range feeds {
		s.register(fs)
	}
	s.log.Info("scheduler started", logx.Int("feeds", len(feeds)))
	return nil
}

// Stop disarms every timer and waits for running cycles until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	for _, it := range s.items {
		if it.timer != nil {
			it.timer.Stop()
		}
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with checks in flight")
	}
}

// Register (re)schedules fs with its first check within StartupSpread.
// A disabled feed is unscheduled.
func (s *Scheduler) Register(fs storage.FeedState) {
	if !fs.Enabled {
		s.Unregister(fs.ID)
		return
	}
	s.register(fs)
}

func (s *Scheduler) register(fs storage.FeedState) {
	interval := s.checker.Interval(fs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	delay := s.spreadLocked(interval)
	it, ok := s.items[fs.ID]
	if !ok {
		it = &schedule{id: fs.ID}
		s.items[fs.ID] = it
	}
	it.interval = interval
	s.armLocked(it, Scheduled, delay)
}

// Unregister stops fs's timer. A cycle already running finishes but cannot rearm.
func (s *Scheduler) Unregister(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[feedID]; ok {
		if it.timer != nil {
			it.timer.Stop()
		}
		it.ver++
		delete(s.items, feedID)
	}
}

// RunNow runs a cycle immediately, honoring the worker limit, and rearms
// the feed's timer from the result.
func (s *Scheduler) RunNow(ctx context.Context, feedID string) (Result, error) {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	var ver uint64
	if it, ok := s.items[feedID]; ok {
		if it.timer != nil {
			it.timer.Stop()
		}
		it.ver++
		it.state = Running
		ver = it.ver
	}
	sem := s.sem
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		s.settle(feedID, ver, Result{Status: StatusBusy})
		return Result{}, ctx.Err()
	}
	res := s.checker.CheckFeed(ctx, feedID)
	<-sem
	s.settle(feedID, ver, res)
	return res, nil
}

func (s *Scheduler) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, ScheduleInfo{
			FeedID:     it.id,
			State:      it.state,
			Interval:   it.interval,
			NextRun:    it.next,
			LastStatus: it.lastStatus,
			LastRun:    it.lastRun,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// StateOf reports feedID's schedule state.
func (s *Scheduler) StateOf(feedID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[feedID]; ok {
		return it.state
	}
	return Unscheduled
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scheduler) armLocked(it *schedule, st State, delay time.Duration) {
	if it.timer != nil {
		it.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	it.ver++
	it.state = st
	it.next = time.Now().Add(delay)
	id, ver := it.id, it.ver
	it.timer = time.AfterFunc(delay, func() { s.fire(id, ver) })
}

func (s *Scheduler) fire(feedID string, ver uint64) {
	s.mu.Lock()
	it, ok := s.items[feedID]
	if !ok || it.ver != ver || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	it.state = Running
	it.next = time.Time{}
	ctx := s.ctx
	sem := s.sem
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	res := s.checker.CheckFeed(ctx, feedID)
	<-sem
	if ctx.Err() != nil {
		return
	}
	s.settle(feedID, ver, res)
}

// settle moves a feed out of Running according to res.
func (s *Scheduler) settle(feedID string, ver uint64, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[feedID]
	if !ok {
		return
	}
	if it.ver != ver {
		// Rescheduled or re-registered while running.
		return
	}
	it.lastStatus = res.Status
	it.lastRun = time.Now()
	if s.ctx == nil {
		return
	}
	switch res.Status {
	case StatusOrphaned, StatusDisabled:
		if it.timer != nil {
			it.timer.Stop()
		}
		it.ver++
		delete(s.items, feedID)
		s.log.Info("feed unscheduled", logx.String("feed", feedID), logx.String("reason", string(res.Status)))
	case StatusFailed:
		s.armLocked(it, Backoff, orDefault(res.NextDelay, it.interval))
	default:
		s.armLocked(it, Scheduled, orDefault(res.NextDelay, it.interval))
	}
}

func (s *Scheduler) spreadLocked(interval time.Duration) time.Duration {
	spread := min(interval, s.cfg.StartupSpread)
	if spread <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(spread)))
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
