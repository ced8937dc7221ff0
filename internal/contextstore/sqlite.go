package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLite stores values in a device_context table keyed by device and key.
type SQLite struct {
	db       *sql.DB
	deviceID string
}

func NewSQLite(ctx context.Context, conn *sql.DB, deviceID string) (*SQLite, error) {
	s := &SQLite{db: conn, deviceID: deviceID}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS device_context (
		device_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, key)
	);
	`)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM device_context WHERE device_id = ? AND key = ?
	`, s.deviceID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_context (device_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.deviceID, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM device_context WHERE device_id = ? AND key = ?
	`, s.deviceID, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
