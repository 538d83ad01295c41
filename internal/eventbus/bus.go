// Package eventbus is the in-process signal fanout between the relay's
// components.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	FeedChecked     = "feed.checked"
	FeedOrphaned    = "feed.orphaned"
	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliveryDropped = "delivery.dropped"
	HealthAlert     = "health.alert"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks a publisher. An event that does not fit a subscriber's
// buffer is dropped for that subscriber only.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus { return &fanout{} }

// Publish stamps the event and sends it on b. A nil bus is ignored.
func Publish(b Bus, typ string, data any) {
	if b != nil {
		b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// mu is held shared while sending, so unsubscribe's close cannot race a send.
	mu   sync.RWMutex
	subs []*subscriber

	dropped atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.ch, func() { f.remove(s) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.subs {
		if cur == s {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Dropped is the number of events lost to full buffers on b.
func Dropped(b Bus) uint64 {
	if f, ok := b.(*fanout); ok {
		return f.dropped.Load()
	}
	return 0
}
