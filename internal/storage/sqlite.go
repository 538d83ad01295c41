package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "feedrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

// sqlite IN (...) lists stay well under SQLITE_MAX_VARIABLE_NUMBER.
const inChunk = 400

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- feeds ----

const feedColumns = `id, source_url, fetch_url, chat_id, thread_id, title, last_item_id, last_notified_at,
	last_checked_at, consecutive_failures, last_error, enabled, check_interval_ms, etag, last_modified,
	headers, created_at, updated_at`

func (s *sqliteStore) UpsertFeed(ctx context.Context, f FeedState) error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("feed id is required")
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	var headers any
	if len(f.Headers) > 0 {
		b, err := json.Marshal(f.Headers)
		if err != nil {
			return err
		}
		headers = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds(`+feedColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			source_url=excluded.source_url, fetch_url=excluded.fetch_url, chat_id=excluded.chat_id,
			thread_id=excluded.thread_id, title=excluded.title, last_item_id=excluded.last_item_id,
			last_notified_at=excluded.last_notified_at, last_checked_at=excluded.last_checked_at,
			consecutive_failures=excluded.consecutive_failures, last_error=excluded.last_error,
			enabled=excluded.enabled, check_interval_ms=excluded.check_interval_ms, etag=excluded.etag,
			last_modified=excluded.last_modified, headers=excluded.headers, updated_at=excluded.updated_at`,
		f.ID, f.SourceURL, f.FetchURL, f.ChatID, f.ThreadID, nullStr(f.Title), nullStr(f.LastItemID),
		unixMilli(f.LastNotifiedAt), unixMilli(f.LastCheckedAt), f.ConsecutiveFailures, nullStr(f.LastError),
		f.Enabled, f.CheckInterval.Milliseconds(), nullStr(f.ETag), nullStr(f.LastModified), headers,
		unixMilli(f.CreatedAt), unixMilli(f.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateFeed(ctx context.Context, f FeedState) error {
	var headers any
	if len(f.Headers) > 0 {
		b, err := json.Marshal(f.Headers)
		if err != nil {
			return err
		}
		headers = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET
			source_url=?, fetch_url=?, chat_id=?, thread_id=?, title=?, last_item_id=?,
			last_notified_at=?, last_checked_at=?, consecutive_failures=?, last_error=?,
			enabled=?, check_interval_ms=?, etag=?, last_modified=?, headers=?, updated_at=?
		 WHERE id = ?`,
		f.SourceURL, f.FetchURL, f.ChatID, f.ThreadID, nullStr(f.Title), nullStr(f.LastItemID),
		unixMilli(f.LastNotifiedAt), unixMilli(f.LastCheckedAt), f.ConsecutiveFailures, nullStr(f.LastError),
		f.Enabled, f.CheckInterval.Milliseconds(), nullStr(f.ETag), nullStr(f.LastModified), headers,
		unixMilli(time.Now()), f.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(r rowScanner) (FeedState, error) {
	var (
		f                                          FeedState
		title, lastItem, lastErr, etag, lm, hdrs   sql.NullString
		notified, checked, intervalMS, created, up int64
	)
	err := r.Scan(&f.ID, &f.SourceURL, &f.FetchURL, &f.ChatID, &f.ThreadID, &title, &lastItem, &notified,
		&checked, &f.ConsecutiveFailures, &lastErr, &f.Enabled, &intervalMS, &etag, &lm, &hdrs, &created, &up)
	if err != nil {
		return FeedState{}, err
	}
	f.Title = title.String
	f.LastItemID = lastItem.String
	f.LastError = lastErr.String
	f.ETag = etag.String
	f.LastModified = lm.String
	f.LastNotifiedAt = fromMilli(notified)
	f.LastCheckedAt = fromMilli(checked)
	f.CheckInterval = time.Duration(intervalMS) * time.Millisecond
	f.CreatedAt = fromMilli(created)
	f.UpdatedAt = fromMilli(up)
	if hdrs.Valid && hdrs.String != "" {
		if err := json.Unmarshal([]byte(hdrs.String), &f.Headers); err != nil {
			return FeedState{}, fmt.Errorf("feed %s headers: %w", f.ID, err)
		}
	}
	return f, nil
}

func (s *sqliteStore) GetFeed(ctx context.Context, id string) (FeedState, error) {
	f, err := scanFeed(s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FeedState{}, ErrNotFound
	}
	return f, err
}

func (s *sqliteStore) ListFeeds(ctx context.Context, enabledOnly bool) ([]FeedState, error) {
	q := `SELECT ` + feedColumns + ` FROM feeds`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedState
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteFeed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- dedupe ----

func (s *sqliteStore) InsertDedupe(ctx context.Context, recs []DedupeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dedupe(item_id, feed_id, first_seen_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(item_id) DO UPDATE SET expires_at = MAX(dedupe.expires_at, excluded.expires_at)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if strings.TrimSpace(r.ItemID) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.ItemID, nullStr(r.FeedID), unixMilli(r.FirstSeenAt), unixMilli(r.ExpiresAt)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, err := s.PruneDedupe(pctx, time.Now()); err != nil {
			s.log.Debug("dedupe opportunistic prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) SeenDedupe(ctx context.Context, ids []string, now time.Time) (map[string]bool, error) {
	seen := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, unixMilli(now))
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `SELECT item_id FROM dedupe WHERE expires_at > ? AND item_id IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			seen[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return seen, nil
}

func (s *sqliteStore) PruneDedupe(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE expires_at <= ?`, unixMilli(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- queue ----

const messageColumns = `id, chat_id, thread_id, kind, payload, priority, enqueued_at, not_before, expires_at,
	retry_count, max_retries, status, last_error, updated_at`

func (s *sqliteStore) SaveMessage(ctx context.Context, m QueuedMessage) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is required")
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			chat_id=excluded.chat_id, thread_id=excluded.thread_id, kind=excluded.kind, payload=excluded.payload,
			priority=excluded.priority, not_before=excluded.not_before, expires_at=excluded.expires_at,
			retry_count=excluded.retry_count, max_retries=excluded.max_retries, status=excluded.status,
			last_error=excluded.last_error, updated_at=excluded.updated_at`,
		m.ID, m.ChatID, m.ThreadID, m.Kind, m.Payload, m.Priority, unixMilli(m.EnqueuedAt), unixMilli(m.NotBefore),
		unixMilli(m.ExpiresAt), m.RetryCount, m.MaxRetries, string(m.Status), nullStr(m.LastError), unixMilli(m.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadMessages(ctx context.Context, statuses ...MessageStatus) ([]QueuedMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM messages`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY priority DESC, enqueued_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var (
			m                                  QueuedMessage
			status                             string
			lastErr                            sql.NullString
			enq, notBefore, expires, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.Kind, &m.Payload, &m.Priority, &enq, &notBefore,
			&expires, &m.RetryCount, &m.MaxRetries, &status, &lastErr, &updatedAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		m.LastError = lastErr.String
		m.EnqueuedAt = fromMilli(enq)
		m.NotBefore = fromMilli(notBefore)
		m.ExpiresAt = fromMilli(expires)
		m.UpdatedAt = fromMilli(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- health ----

func (s *sqliteStore) AppendMetrics(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range samples {
		at := m.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO health_metrics(at, name, value) VALUES(?,?,?)`,
			unixMilli(at), m.Name, m.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_metrics WHERE at < ?`, unixMilli(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendAlert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts(id, type, severity, message, at) VALUES(?,?,?,?,?)`,
		a.ID, a.Type, a.Severity, a.Message, unixMilli(a.At))
	return err
}

func (s *sqliteStore) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, severity, message, at FROM alerts ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		var (
			a  Alert
			at int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &at); err != nil {
			return nil, err
		}
		a.At = fromMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

// ---- locks ----

func (s *sqliteStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" || token == "" {
		return false, errors.New("lock key and token are required")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(key, token, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET token=excluded.token, expires_at=excluded.expires_at
		 WHERE locks.expires_at <= ? OR locks.token = excluded.token`,
		key, token, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) BreakLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) PurgeLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, unixMilli(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
