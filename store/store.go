// Package store is the durable local store of the offline layer. It holds
// two collections in one SQLite database: pending user-authored records
// awaiting upload, and a generic key/value cache with per-entry expiry.
//
// Pending records are the write-ahead queue: losing one is equivalent to
// losing the user's submission, so rows are only ever deleted after they
// have been marked synced. The generic cache expires lazily — entries are
// checked and removed on read, never required to be swept.
//
//	db, err := store.Open("data/offline.db")
//	st := store.New(db)
//	if err := st.Init(ctx); err != nil { ... }
//	id, err := st.AddPendingRecord(ctx, payload)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Schema defines the two durable collections. Pending records are indexed
// by synced for the reconciliation query; cache records by expires_at so a
// proactive sweep stays cheap.
const Schema = `
CREATE TABLE IF NOT EXISTS pending_records (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    payload    TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    synced     INTEGER NOT NULL DEFAULT 0,
    synced_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_pending_synced ON pending_records(synced);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_records(created_at);

CREATE TABLE IF NOT EXISTS cache_records (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_records(expires_at);
`

// Store wraps the SQLite database holding pending records and the generic
// cache. Safe for concurrent use; every mutation runs in its own
// transaction with retry on SQLITE_BUSY.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time // injectable clock for testing
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates a Store on top of an open database. Call Init before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the tables and indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}
