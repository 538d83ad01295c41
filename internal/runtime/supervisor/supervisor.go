// Package supervisor runs the relay's long-lived loops (queue drain, config
// watcher) under one cancellable context with panic recovery and restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"feedrelay/internal/resilience/backoff"
	logx "feedrelay/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	wg          sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	stats    map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first loop failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// LoopStats is a best-effort view of one named loop.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	LastErr   string    `json:"last_err,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*LoopStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first loop failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Snapshot lists loops by name.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mark(name, true, false)
		err := s.run(name, fn)
		s.mark(name, false, false)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// RestartPolicy bounds GoRestart.
type RestartPolicy struct {
	// MaxRestarts <= 0 means unlimited.
	MaxRestarts int
	Backoff     backoff.Config
}

// GoRestart runs fn until ctx is cancelled, restarting it after an error or
// panic with backoff. A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, p RestartPolicy) {
	if fn == nil {
		return
	}
	if len(p.Backoff.Ladder) == 0 {
		p.Backoff.Ladder = []time.Duration{250 * time.Millisecond, time.Second, 5 * time.Second}
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = 30 * time.Second
	}
	bo := backoff.New(p.Backoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		failures := 0
		for {
			s.mark(name, true, failures > 0)
			started := time.Now()
			err := s.run(name, fn)
			s.mark(name, false, false)

			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			s.note(name, err)
			// A loop that ran for a while starts the ladder over.
			if time.Since(started) >= 30*time.Second {
				failures = 0
			}
			failures++
			if p.MaxRestarts > 0 && failures > p.MaxRestarts {
				s.log.Error("loop gave up after restarts", logx.String("name", name), logx.Int("restarts", failures-1), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			wait := bo.Delay(failures)
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// Stop cancels every loop and waits for them up to ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.statsLocked(name).Panics++
			s.mu.Unlock()
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("loop started", logx.String("name", name))
	err = fn(s.ctx)
	s.log.Debug("loop stopped", logx.String("name", name))
	return err
}

func (s *Supervisor) mark(name string, running, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(name)
	st.Running = running
	if running {
		st.StartedAt = time.Now()
	}
	if restart {
		st.Restarts++
	}
}

func (s *Supervisor) note(name string, err error) {
	s.mu.Lock()
	s.statsLocked(name).LastErr = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) statsLocked(name string) *LoopStats {
	st := s.stats[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
