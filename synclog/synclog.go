// Package synclog persists the orchestrator's sync events to SQLite so
// support can reconstruct what happened to a submission after the fact.
//
// Recording is strictly best-effort: a failing audit store logs a warning
// and moves on. Observability must never break reconciliation.
//
//	rec := synclog.New(db)
//	_ = rec.Init(ctx)
//	unsub := orc.AddListener(rec.Listener(ctx))
package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bagyo/offline/idgen"
	"github.com/bagyo/offline/reconcile"
)

// Schema holds one row per emitted sync event.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_events (
    event_id   TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    details    TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_events_created ON sync_events(created_at);
CREATE INDEX IF NOT EXISTS idx_sync_events_type ON sync_events(event_type);
`

// Recorder writes sync events to the audit database.
type Recorder struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithIDGenerator sets a custom generator for event ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) { r.now = fn }
}

// New creates a Recorder on top of an open database. Call Init before use.
func New(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init creates the audit table if it does not exist.
func (r *Recorder) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("synclog: init schema: %w", err)
	}
	return nil
}

// Record persists one event. Errors are logged, never returned: a failing
// audit store must not surface into the sync path.
func (r *Recorder) Record(ctx context.Context, ev reconcile.Event) {
	var details string
	if ev.Data != nil {
		if b, err := json.Marshal(ev.Data); err == nil {
			details = string(b)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_events (event_id, event_type, details, created_at)
		VALUES (?, ?, ?, ?)`,
		r.newID(), string(ev.Type), details, r.now().Unix())
	if err != nil {
		r.logger.Warn("sync event log failed", "event_type", ev.Type, "error", err)
	}
}

// Listener adapts the Recorder to the orchestrator's listener signature.
func (r *Recorder) Listener(ctx context.Context) func(reconcile.Event) {
	return func(ev reconcile.Event) {
		r.Record(ctx, ev)
	}
}

// StoredEvent is one persisted audit row.
type StoredEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recent returns the newest events up to limit, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(details, ''), created_at
		FROM sync_events ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("synclog: recent: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var details string
		var created int64
		if err := rows.Scan(&ev.EventID, &ev.EventType, &details, &created); err != nil {
			return nil, fmt.Errorf("synclog: scan event: %w", err)
		}
		if details != "" {
			ev.Details = json.RawMessage(details)
		}
		ev.CreatedAt = time.Unix(created, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention window and returns how
// many were removed. Zero or negative retention is a no-op.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-retention).Unix()
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("synclog: cleanup: %w", err)
	}
	return res.RowsAffected()
}
