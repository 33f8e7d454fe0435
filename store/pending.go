package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PendingRecord is a user-authored write awaiting upload. Rows are created
// while offline (or when an online write fails transiently), flipped to
// synced by the reconciliation pass, and deleted only in bulk once synced.
type PendingRecord struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
	SyncedAt  time.Time       `json:"synced_at,omitzero"`
}

// AddPendingRecord appends a record with synced=false and returns its id.
// A storage failure propagates to the caller — it is never swallowed,
// because the caller must be able to tell the user the submission was not
// saved.
func (s *Store) AddPendingRecord(ctx context.Context, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_records (payload, created_at, synced) VALUES (?, ?, 0)`,
			string(payload), s.now().Unix())
		if err != nil {
			return fmt.Errorf("store: add pending: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: add pending id: %w", err)
		}
		return nil
	})
	return id, err
}

// PendingRecords returns all unsynced records, oldest first, preserving
// submission order for the reconciliation pass.
func (s *Store) PendingRecords(ctx context.Context) ([]PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, created_at FROM pending_records WHERE synced = 0 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query pending: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var r PendingRecord
		var payload string
		var created int64
		if err := rows.Scan(&r.ID, &payload, &created); err != nil {
			return nil, fmt.Errorf("store: scan pending: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingCount returns the number of unsynced records.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_records WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// MarkSynced sets synced=true and stamps synced_at on the row with the
// given id. A no-op, not an error, if the id no longer exists.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE pending_records SET synced = 1, synced_at = ? WHERE id = ?`,
			s.now().Unix(), id)
		if err != nil {
			return fmt.Errorf("store: mark synced: %w", err)
		}
		return nil
	})
}

// PruneSynced deletes all synced rows and returns how many were removed.
// Unsynced rows are never touched.
func (s *Store) PruneSynced(ctx context.Context) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_records WHERE synced = 1`)
		if err != nil {
			return fmt.Errorf("store: prune synced: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: prune count: %w", err)
		}
		return nil
	})
	return n, err
}
