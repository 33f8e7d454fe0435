package cachens

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Schema holds one row per cached response, keyed by (namespace, request
// identity). cached_at is stamped by the writer, never trusted from
// upstream headers.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    namespace TEXT NOT NULL,
    key       TEXT NOT NULL,
    body      BLOB NOT NULL,
    header    TEXT NOT NULL DEFAULT '{}',
    cached_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_ns ON cache_entries(namespace);
`

// Entry is one cached response.
type Entry struct {
	Namespace Namespace
	Key       string // request identity: method + URL
	Body      []byte
	Header    http.Header
	CachedAt  time.Time
}

// Age returns how long ago the entry was stamped. An entry without a
// stamp reports a very large age, so freshness checks fail closed.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.CachedAt.IsZero() {
		return 1<<63 - 1
	}
	return now.Sub(e.CachedAt)
}

// Store persists cache entries in SQLite. Per-key reads and upserts are
// atomic, so concurrent strategy executions need no coordination beyond
// last-write-wins.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates a Store on top of an open database. Call Init before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens the cache database at path with WAL and a busy timeout.
// The caller must blank-import the driver:
//
//	import _ "modernc.org/sqlite"
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cachens: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cachens: open: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cachens: %s: %w", p, err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory cache database for testing.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("cachens.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// Init creates the cache table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("cachens: init schema: %w", err)
	}
	return nil
}

// Put upserts an entry. If e.CachedAt is zero it is stamped with the
// store clock; callers normally leave it zero.
func (s *Store) Put(ctx context.Context, e Entry) error {
	cachedAt := e.CachedAt
	if cachedAt.IsZero() {
		cachedAt = s.now()
	}
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("cachens: marshal header: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, body, header, cached_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			body = excluded.body, header = excluded.header, cached_at = excluded.cached_at`,
		string(e.Namespace), e.Key, e.Body, string(header), cachedAt.Unix())
	if err != nil {
		return fmt.Errorf("cachens: put: %w", err)
	}
	return nil
}

// Get returns the entry under (ns, key), or ok=false if absent.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) (*Entry, bool, error) {
	var body []byte
	var header string
	var cachedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT body, header, cached_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		string(ns), key).Scan(&body, &header, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cachens: get: %w", err)
	}

	e := &Entry{Namespace: ns, Key: key, Body: body}
	if cachedAt > 0 {
		e.CachedAt = time.Unix(cachedAt, 0)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		// A corrupt header column is not fatal; the body is still usable.
		e.Header = http.Header{}
	}
	return e, true, nil
}

// Delete removes the entry under (ns, key). No-op if absent.
func (s *Store) Delete(ctx context.Context, ns Namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, string(ns), key); err != nil {
		return fmt.Errorf("cachens: delete: %w", err)
	}
	return nil
}

// DropNamespace removes every entry in a namespace.
func (s *Store) DropNamespace(ctx context.Context, ns Namespace) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ?`, string(ns)); err != nil {
		return fmt.Errorf("cachens: drop namespace: %w", err)
	}
	return nil
}

// Namespaces lists the distinct namespaces currently present.
func (s *Store) Namespaces(ctx context.Context) ([]Namespace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM cache_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("cachens: namespaces: %w", err)
	}
	defer rows.Close()

	var out []Namespace
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("cachens: scan namespace: %w", err)
		}
		out = append(out, Namespace(ns))
	}
	return out, rows.Err()
}

// GC drops every namespace not present in keep and returns how many were
// removed. Version-based garbage collection: run on activation with the
// current Known set.
func (s *Store) GC(ctx context.Context, keep []Namespace) (int, error) {
	keepSet := make(map[Namespace]bool, len(keep))
	for _, ns := range keep {
		keepSet[ns] = true
	}

	present, err := s.Namespaces(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, ns := range present {
		if keepSet[ns] {
			continue
		}
		if err := s.DropNamespace(ctx, ns); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// Len returns the number of entries in a namespace.
func (s *Store) Len(ctx context.Context, ns Namespace) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, string(ns)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cachens: len: %w", err)
	}
	return n, nil
}
