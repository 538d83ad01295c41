package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds one Breaker per key. The map lock is held only to look up
// or insert; state changes lock the individual breaker.
type Registry struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), m: map[string]*Breaker{}}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	k := strings.ToLower(strings.TrimSpace(key))
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.m[k]
	if b == nil {
		b = New(k, r.cfg)
		r.m[k] = b
	}
	return b
}

// Lookup returns the breaker for key without creating one.
func (r *Registry) Lookup(key string) (*Breaker, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[k]
	return b, ok
}

// Reset closes the breaker for key. It reports false for unknown keys.
func (r *Registry) Reset(key string) bool {
	b, ok := r.Lookup(key)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Sweep drops CLOSED breakers unused for longer than idle.
func (r *Registry) Sweep(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, b := range r.m {
		last, st := b.idleSince()
		if st == Closed && now.Sub(last) > idle {
			delete(r.m, k)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Snapshot returns every breaker, open ones first.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].State != Closed.String(), out[j].State != Closed.String()
		if oi != oj {
			return oi
		}
		return out[i].Key < out[j].Key
	})
	return out
}
