// Package dedupe suppresses item identifiers that were already observed,
// for a sliding TTL window.
//
// Keys are global item identifiers; the feed id is informational. A small
// in-memory front cache answers repeat lookups; the store is authoritative.
package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

const (
	DefaultTTL        = 7 * 24 * time.Hour
	defaultMaxEntries = 20000
)

type Config struct {
	TTL time.Duration
	// MaxEntries caps the in-memory front cache.
	MaxEntries int
}

// Service is the DedupeStore component.
type Service struct {
	store storage.DedupeStore
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	ttl time.Duration
	max int
	mem map[string]time.Time
}

func New(store storage.DedupeStore, cfg Config, log logx.Logger) *Service {
	s := &Service{
		store: store,
		log:   log.With(logx.String("comp", "dedupe")),
		now:   time.Now,
		mem:   map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the window; existing records keep their expiry.
func (s *Service) Apply(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	s.mu.Lock()
	s.ttl = cfg.TTL
	s.max = cfg.MaxEntries
	s.mu.Unlock()
}

func (s *Service) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// Seen returns the subset of ids with an unexpired record.
func (s *Service) Seen(ctx context.Context, ids []string) (map[string]bool, error) {
	now := s.now()
	seen := make(map[string]bool, len(ids))
	var miss []string

	s.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if until, ok := s.mem[id]; ok && now.Before(until) {
			seen[id] = true
			continue
		}
		miss = append(miss, id)
	}
	s.mu.Unlock()

	if len(miss) == 0 || s.store == nil {
		return seen, nil
	}
	got, err := s.store.SeenDedupe(ctx, miss, now)
	if err != nil {
		return nil, err
	}
	for id := range got {
		seen[id] = true
	}
	return seen, nil
}

// Record inserts (or extends) records for every id in one batch.
func (s *Service) Record(ctx context.Context, feedID string, ids []string) error {
	now := s.now()
	ttl := s.TTL()
	until := now.Add(ttl)

	recs := make([]storage.DedupeRecord, 0, len(ids))
	uniq := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := uniq[id]; dup {
			continue
		}
		uniq[id] = struct{}{}
		recs = append(recs, storage.DedupeRecord{ItemID: id, FeedID: feedID, FirstSeenAt: now, ExpiresAt: until})
	}
	if len(recs) == 0 {
		return nil
	}
	if s.store != nil {
		if err := s.store.InsertDedupe(ctx, recs); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, r := range recs {
		s.mem[r.ItemID] = until
	}
	s.trimLocked(now)
	s.mu.Unlock()
	return nil
}

// Prune removes expired records from the store and the front cache.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	now := s.now()
	s.mu.Lock()
	for k, until := range s.mem {
		if !now.Before(until) {
			delete(s.mem, k)
		}
	}
	s.mu.Unlock()
	if s.store == nil {
		return 0, nil
	}
	n, err := s.store.PruneDedupe(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("dedupe pruned", logx.Int64("removed", n))
	}
	return n, nil
}

func (s *Service) trimLocked(now time.Time) {
	if len(s.mem) <= s.max {
		return
	}
	for k, until := range s.mem {
		if !now.Before(until) {
			delete(s.mem, k)
		}
	}
	// Still over: drop arbitrary entries; the store answers for them.
	for k := range s.mem {
		if len(s.mem) <= s.max {
			break
		}
		delete(s.mem, k)
	}
}
