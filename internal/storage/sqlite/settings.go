package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mmynk/splitkeeper/internal/errs"
)

// Get retrieves a settings value by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.conn().QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.ErrNotFound, "setting %q", key)
	}
	if err != nil {
		return nil, errs.Storage("get setting", err)
	}
	return value, nil
}

// Put stores a settings value. Outside a staging transaction the write is
// durable immediately; inside one it commits with the transaction, since
// SQLite allows only one writer.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return errs.Storage("put setting", err)
	}
	return nil
}
