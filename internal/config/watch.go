package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"feedrelay/internal/resilience/backoff"
	logx "feedrelay/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

var watchBackoff = backoff.Config{
	Ladder: []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second},
	Max:    5 * time.Second,
	Jitter: 0.5,
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// debouncer runs fn once events stop arriving for the delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		d.t = time.AfterFunc(d.delay, d.fn)
		return
	}
	d.t.Reset(d.delay)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// Watch reloads the file after it changes until ctx is done.
//
// The parent directory is watched because editors often replace the file
// rather than write it in place. A failed watcher is rebuilt with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))
	bo := backoff.New(watchBackoff)
	deb := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	for failures := 0; ; {
		err := m.watchOnce(ctx, dir, name, deb, log)
		if ctx.Err() != nil {
			return nil
		}
		failures++
		wait := bo.Delay(failures)
		log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if err == nil {
			// the previous watcher ran; start the ladder over
			failures = 0
		}
	}
}

// watchOnce runs one fsnotify watcher. A nil error means it was healthy
// until its channels closed.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, deb *debouncer, log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug("config watcher started", logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return nil
			case errors.Is(err, fsnotify.ErrEventOverflow):
				log.Warn("config watch overflow", logx.Err(err))
				deb.trigger()
			case err != nil:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
