package storage

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in process maps. Locks are only shared by
// components holding the same *memoryStore.
type memoryStore struct {
	mu sync.Mutex

	now func() time.Time

	feeds    map[string]FeedState
	dedupe   map[string]DedupeRecord
	messages map[string]QueuedMessage
	metrics  []MetricSample
	alerts   []Alert
	audit    []AuditEntry
	locks    map[string]memLock
	closed   bool
}

type memLock struct {
	token   string
	expires time.Time
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return newMemory(time.Now) }

// NewMemoryWithClock is NewMemory with an injectable clock for lock expiry.
func NewMemoryWithClock(now func() time.Time) Store { return newMemory(now) }

func newMemory(now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		now:      now,
		feeds:    map[string]FeedState{},
		dedupe:   map[string]DedupeRecord{},
		messages: map[string]QueuedMessage{},
		locks:    map[string]memLock{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) UpsertFeed(_ context.Context, f FeedState) error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("feed id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	now := s.now()
	if prev, ok := s.feeds[f.ID]; ok && f.CreatedAt.IsZero() {
		f.CreatedAt = prev.CreatedAt
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	f.Headers = maps.Clone(f.Headers)
	s.feeds[f.ID] = f
	return nil
}

func (s *memoryStore) UpdateFeed(_ context.Context, f FeedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	prev, ok := s.feeds[f.ID]
	if !ok {
		return ErrNotFound
	}
	f.CreatedAt = prev.CreatedAt
	f.UpdatedAt = s.now()
	f.Headers = maps.Clone(f.Headers)
	s.feeds[f.ID] = f
	return nil
}

func (s *memoryStore) GetFeed(_ context.Context, id string) (FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return FeedState{}, err
	}
	f, ok := s.feeds[id]
	if !ok {
		return FeedState{}, ErrNotFound
	}
	f.Headers = maps.Clone(f.Headers)
	return f, nil
}

func (s *memoryStore) ListFeeds(_ context.Context, enabledOnly bool) ([]FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]FeedState, 0, len(s.feeds))
	for _, f := range s.feeds {
		if enabledOnly && !f.Enabled {
			continue
		}
		f.Headers = maps.Clone(f.Headers)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) DeleteFeed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.feeds[id]; !ok {
		return ErrNotFound
	}
	delete(s.feeds, id)
	return nil
}

func (s *memoryStore) InsertDedupe(_ context.Context, recs []DedupeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, r := range recs {
		if strings.TrimSpace(r.ItemID) == "" {
			continue
		}
		if prev, ok := s.dedupe[r.ItemID]; ok {
			if r.ExpiresAt.After(prev.ExpiresAt) {
				prev.ExpiresAt = r.ExpiresAt
			}
			s.dedupe[r.ItemID] = prev
			continue
		}
		s.dedupe[r.ItemID] = r
	}
	return nil
}

func (s *memoryStore) SeenDedupe(_ context.Context, ids []string, now time.Time) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if r, ok := s.dedupe[id]; ok && r.ExpiresAt.After(now) {
			seen[id] = true
		}
	}
	return seen, nil
}

func (s *memoryStore) PruneDedupe(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.dedupe {
		if !r.ExpiresAt.After(now) {
			delete(s.dedupe, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) SaveMessage(_ context.Context, m QueuedMessage) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now()
	}
	if prev, ok := s.messages[m.ID]; ok {
		m.EnqueuedAt = prev.EnqueuedAt
	}
	m.Payload = append([]byte(nil), m.Payload...)
	s.messages[m.ID] = m
	return nil
}

func (s *memoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.messages, id)
	return nil
}

func (s *memoryStore) LoadMessages(_ context.Context, statuses ...MessageStatus) ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	want := map[MessageStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]QueuedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if len(want) > 0 && !want[m.Status] {
			continue
		}
		m.Payload = append([]byte(nil), m.Payload...)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) AppendMetrics(_ context.Context, samples []MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.metrics = append(s.metrics, samples...)
	return nil
}

func (s *memoryStore) PruneMetrics(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.metrics[:0]
	var n int64
	for _, m := range s.metrics {
		if m.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.metrics = kept
	return n, nil
}

func (s *memoryStore) AppendAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if a.At.IsZero() {
		a.At = s.now()
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *memoryStore) RecentAlerts(_ context.Context, limit int) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]Alert, 0, min(limit, len(s.alerts)))
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" || token == "" {
		return false, errors.New("lock key and token are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	now := s.now()
	if l, ok := s.locks[key]; ok && l.expires.After(now) && l.token != token {
		return false, nil
	}
	s.locks[key] = memLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (s *memoryStore) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.token == token {
		delete(s.locks, key)
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) BreakLock(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.locks, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PurgeLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, l := range s.locks {
		if !l.expires.After(now) {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}
