package synclog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/bagyo/offline/reconcile"

	_ "modernc.org/sqlite"
)

func setupRecorder(t *testing.T, opts ...Option) *Recorder {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	r := New(db, opts...)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return r
}

func TestRecord_And_Recent(t *testing.T) {
	r := setupRecorder(t)
	ctx := context.Background()

	r.Record(ctx, reconcile.Event{Type: reconcile.EventSyncStart})
	r.Record(ctx, reconcile.Event{
		Type: reconcile.EventIncidentsSynced,
		Data: reconcile.Summary{Success: 2, Failed: 1},
	})

	events, err := r.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	types := map[string]bool{}
	for _, ev := range events {
		types[ev.EventType] = true
	}
	if !types["sync-start"] || !types["incidents-synced"] {
		t.Fatalf("unexpected event types: %v", types)
	}
}

func TestRecord_FailureDoesNotPanic(t *testing.T) {
	r := setupRecorder(t)

	// Break the underlying store; Record must swallow the error.
	if _, err := r.db.Exec(`DROP TABLE sync_events`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	r.Record(context.Background(), reconcile.Event{Type: reconcile.EventSyncComplete})
}

func TestCleanup_Retention(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := setupRecorder(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	r.Record(ctx, reconcile.Event{Type: reconcile.EventSyncStart})

	now = now.Add(48 * time.Hour)
	r.Record(ctx, reconcile.Event{Type: reconcile.EventSyncComplete})

	n, err := r.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}

	events, _ := r.Recent(ctx, 10)
	if len(events) != 1 || events[0].EventType != "sync-complete" {
		t.Fatalf("wrong survivor: %+v", events)
	}

	// Zero retention is a no-op.
	if n, _ := r.Cleanup(ctx, 0); n != 0 {
		t.Fatalf("zero retention removed %d rows", n)
	}
}
