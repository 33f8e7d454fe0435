package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CacheData upserts a generic cache record that expires after ttl.
func (s *Store) CacheData(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal cache value: %w", err)
	}
	expiresAt := s.now().Add(ttl).Unix()
	return s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_records (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, string(data), expiresAt)
		if err != nil {
			return fmt.Errorf("store: cache data: %w", err)
		}
		return nil
	})
}

// CachedData returns the value stored under key, or ok=false if the key is
// absent or expired. Expiry is lazy: an expired record is deleted on the
// read that discovers it.
func (s *Store) CachedData(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_records WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get cached: %w", err)
	}

	if !s.now().Before(time.Unix(expiresAt, 0)) {
		if err := s.DeleteCachedData(ctx, key); err != nil {
			s.logger.Warn("lazy expiry delete failed", "key", key, "error", err)
		}
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// DeleteCachedData removes the record under key unconditionally.
func (s *Store) DeleteCachedData(ctx context.Context, key string) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_records WHERE key = ?`, key); err != nil {
			return fmt.Errorf("store: delete cached: %w", err)
		}
		return nil
	})
}

// SweepExpired deletes all cache records whose expiry has passed and
// returns how many were removed. Optional storage-pressure relief; read
// semantics do not depend on it running.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cache_records WHERE expires_at <= ?`, s.now().Unix())
		if err != nil {
			return fmt.Errorf("store: sweep expired: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: sweep count: %w", err)
		}
		return nil
	})
	return n, err
}
