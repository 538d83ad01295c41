package delivery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 5
	DefaultMessageTTL = 24 * time.Hour
	defaultMaxLen     = 10000
	maxErrorText      = 512
)

type QueueConfig struct {
	// MaxLen bounds queued (not yet terminal) messages.
	MaxLen     int
	MaxRetries int
	MessageTTL time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	return c
}

type EnqueueOptions struct {
	Priority int
	// TTL overrides QueueConfig.MessageTTL.
	TTL time.Duration
	// MaxRetries overrides QueueConfig.MaxRetries.
	MaxRetries int
	NotBefore  time.Time
}

// Message is a dequeued delivery ready to be attempted.
type Message struct {
	ID         string
	Job        Job
	Priority   int
	RetryCount int
	MaxRetries int
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Inflight int `json:"inflight"`
	Total    int `json:"total"`

	Enqueued uint64 `json:"enqueued"`
	Sent     uint64 `json:"sent"`
	Retried  uint64 `json:"retried"`
	Dropped  uint64 `json:"dropped"`
	Expired  uint64 `json:"expired"`

	OldestEnqueuedAt time.Time `json:"oldest_enqueued_at,omitempty"`
}

// Queue is the durable message queue.
//
// The store is the source of truth: every transition is written there, and
// Recover rebuilds the in-memory view from it. A message leaves the store
// only when sent, dropped after its last retry, or expired.
type Queue struct {
	store storage.QueueStore
	log   logx.Logger
	now   func() time.Time

	mu       sync.Mutex
	cfg      QueueConfig
	entries  map[string]*entry
	ready    readyHeap
	delayed  delayHeap
	inflight int

	enqueued, sent, retried, dropped, expired uint64
}

func NewQueue(store storage.QueueStore, cfg QueueConfig, log logx.Logger) *Queue {
	return &Queue{
		store:   store,
		log:     log.With(logx.String("comp", "delivery.queue")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		entries: map[string]*entry{},
	}
}

func (q *Queue) Apply(cfg QueueConfig) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// Recover replays pending, processing and failed messages from the store.
// Interrupted attempts become pending again with their retry count intact.
// Undecodable and expired rows are deleted.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	msgs, err := q.store.LoadMessages(ctx, storage.StatusPending, storage.StatusProcessing, storage.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}
	now := q.now()
	loaded := 0
	for _, m := range msgs {
		if _, err := Decode(Kind(m.Kind), m.Payload); err != nil {
			q.log.Warn("dropping undecodable queued message", logx.String("id", m.ID), logx.Err(err))
			q.deleteBestEffort(ctx, m.ID)
			continue
		}
		if !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt) {
			q.deleteBestEffort(ctx, m.ID)
			q.mu.Lock()
			q.expired++
			q.mu.Unlock()
			continue
		}
		if m.Status != storage.StatusPending {
			m.Status = storage.StatusPending
			m.UpdatedAt = now
			if err := q.store.SaveMessage(ctx, m); err != nil {
				return loaded, fmt.Errorf("requeue %s: %w", m.ID, err)
			}
		}

		q.mu.Lock()
		if _, dup := q.entries[m.ID]; !dup {
			e := &entry{msg: m}
			q.entries[m.ID] = e
			q.pushLocked(e, now)
			loaded++
		}
		q.mu.Unlock()
	}
	if loaded > 0 {
		q.log.Info("queue recovered", logx.Int("messages", loaded))
	}
	return loaded, nil
}

// Enqueue validates job, persists it, and only then makes it visible.
func (q *Queue) Enqueue(ctx context.Context, job Job, opt EnqueueOptions) (string, error) {
	kind, payload, err := Encode(job)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	cfg := q.cfg
	full := len(q.entries) >= cfg.MaxLen
	q.mu.Unlock()
	if full {
		return "", ErrQueueFull
	}

	now := q.now()
	ttl := opt.TTL
	if ttl <= 0 {
		ttl = cfg.MessageTTL
	}
	maxRetries := opt.MaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.MaxRetries
	}
	to := job.Destination()
	m := storage.QueuedMessage{
		ID:         uuid.NewString(),
		ChatID:     to.ChatID,
		ThreadID:   to.ThreadID,
		Kind:       string(kind),
		Payload:    payload,
		Priority:   opt.Priority,
		EnqueuedAt: now,
		NotBefore:  opt.NotBefore,
		ExpiresAt:  now.Add(ttl),
		MaxRetries: maxRetries,
		Status:     storage.StatusPending,
		UpdatedAt:  now,
	}
	if err := q.store.SaveMessage(ctx, m); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	q.mu.Lock()
	e := &entry{msg: m}
	q.entries[m.ID] = e
	q.pushLocked(e, now)
	q.enqueued++
	q.mu.Unlock()
	return m.ID, nil
}

// Dequeue claims up to n due messages, highest priority first, and marks
// them processing. Expired messages met on the way are purged.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now()

	var (
		claimed []storage.QueuedMessage
		gone    []string
	)
	q.mu.Lock()
	q.promoteLocked(now)
	for len(claimed) < n && q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		if expiredAt(e.msg, now) {
			delete(q.entries, e.msg.ID)
			q.expired++
			gone = append(gone, e.msg.ID)
			continue
		}
		e.slot = slotInflight
		e.msg.Status = storage.StatusProcessing
		e.msg.UpdatedAt = now
		q.inflight++
		claimed = append(claimed, e.msg)
	}
	q.mu.Unlock()

	for _, id := range gone {
		q.deleteBestEffort(ctx, id)
	}

	out := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		job, err := Decode(Kind(m.Kind), m.Payload)
		if err != nil {
			// Enqueue validated it; a bad row here came from outside.
			q.log.Warn("dropping undecodable message", logx.String("id", m.ID), logx.Err(err))
			if err := q.Drop(ctx, m.ID, "invalid payload"); err != nil {
				q.log.Warn("drop failed", logx.String("id", m.ID), logx.Err(err))
			}
			continue
		}
		if err := q.store.SaveMessage(ctx, m); err != nil {
			q.log.Warn("mark processing failed", logx.String("id", m.ID), logx.Err(err))
		}
		out = append(out, Message{
			ID:         m.ID,
			Job:        job,
			Priority:   m.Priority,
			RetryCount: m.RetryCount,
			MaxRetries: m.MaxRetries,
			EnqueuedAt: m.EnqueuedAt,
			ExpiresAt:  m.ExpiresAt,
		})
	}
	return out, nil
}

// MarkSent removes a delivered message.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	if _, err := q.take(id); err != nil {
		return err
	}
	q.mu.Lock()
	q.sent++
	q.mu.Unlock()
	return q.store.DeleteMessage(ctx, id)
}

// MarkFailed records a failed attempt. The retry count is incremented
// first; when it reaches MaxRetries the message is removed and dropped is
// true. Otherwise the message waits retryAfter before it is due again.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, retryAfter time.Duration) (dropped bool, err error) {
	now := q.now()
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.slot != slotInflight {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.msg.RetryCount++
	e.msg.LastError = errorText(cause)
	e.msg.UpdatedAt = now
	q.inflight--
	if e.msg.RetryCount >= e.msg.MaxRetries {
		delete(q.entries, id)
		q.dropped++
		q.mu.Unlock()
		return true, q.store.DeleteMessage(ctx, id)
	}
	e.msg.Status = storage.StatusFailed
	if retryAfter < 0 {
		retryAfter = 0
	}
	e.msg.NotBefore = now.Add(retryAfter)
	q.retried++
	msg := e.msg
	q.pushLocked(e, now)
	q.mu.Unlock()

	if err := q.store.SaveMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("persist failure: %w", err)
	}
	return false, nil
}

// Drop removes a claimed message without further attempts.
func (q *Queue) Drop(ctx context.Context, id, reason string) error {
	m, err := q.take(id)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	q.log.Debug("message dropped", logx.String("id", id), logx.String("reason", reason), logx.Int("retries", m.RetryCount))
	return q.store.DeleteMessage(ctx, id)
}

// Release hands a claimed, unattempted message back without counting a retry.
func (q *Queue) Release(ctx context.Context, id string) error {
	now := q.now()
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.slot != slotInflight {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.inflight--
	e.msg.Status = storage.StatusPending
	e.msg.UpdatedAt = now
	msg := e.msg
	q.pushLocked(e, now)
	q.mu.Unlock()
	return q.store.SaveMessage(ctx, msg)
}

// PurgeExpired deletes every waiting message past its expiry.
func (q *Queue) PurgeExpired(ctx context.Context) int {
	now := q.now()
	var gone []string
	q.mu.Lock()
	for id, e := range q.entries {
		if e.slot == slotInflight || !expiredAt(e.msg, now) {
			continue
		}
		switch e.slot {
		case slotReady:
			heap.Remove(&q.ready, e.heapIndex)
		case slotDelayed:
			heap.Remove(&q.delayed, e.heapIndex)
		}
		delete(q.entries, id)
		q.expired++
		gone = append(gone, id)
	}
	q.mu.Unlock()
	for _, id := range gone {
		q.deleteBestEffort(ctx, id)
	}
	return len(gone)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStats{
		Ready:    q.ready.Len(),
		Delayed:  q.delayed.Len(),
		Inflight: q.inflight,
		Total:    len(q.entries),
		Enqueued: q.enqueued,
		Sent:     q.sent,
		Retried:  q.retried,
		Dropped:  q.dropped,
		Expired:  q.expired,
	}
	for _, e := range q.entries {
		if st.OldestEnqueuedAt.IsZero() || e.msg.EnqueuedAt.Before(st.OldestEnqueuedAt) {
			st.OldestEnqueuedAt = e.msg.EnqueuedAt
		}
	}
	return st
}

// take removes an inflight message from memory.
func (q *Queue) take(id string) (storage.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.slot != slotInflight {
		return storage.QueuedMessage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.entries, id)
	q.inflight--
	return e.msg, nil
}

func (q *Queue) pushLocked(e *entry, now time.Time) {
	if e.msg.NotBefore.After(now) {
		e.slot = slotDelayed
		heap.Push(&q.delayed, e)
		return
	}
	e.slot = slotReady
	heap.Push(&q.ready, e)
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.due(now) {
		e := heap.Pop(&q.delayed).(*entry)
		e.slot = slotReady
		heap.Push(&q.ready, e)
	}
}

func (q *Queue) deleteBestEffort(ctx context.Context, id string) {
	if err := q.store.DeleteMessage(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		q.log.Warn("delete queued message failed", logx.String("id", id), logx.Err(err))
	}
}

func expiredAt(m storage.QueuedMessage, now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	s := strings.TrimSpace(err.Error())
	if len(s) > maxErrorText {
		s = s[:maxErrorText]
	}
	return s
}
