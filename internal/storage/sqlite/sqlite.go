// Package sqlite provides a SQLite-backed implementation of the storage interfaces.
//
// Staged mutations run inside a lazily opened *sql.Tx: the first Insert or
// Delete begins it, Save commits it and Rollback discards it. Savepoints map
// directly to SQL SAVEPOINT, so partial rollback is real. Snapshots use
// VACUUM INTO, which reads a consistent view of the committed database and
// cannot interleave with a concurrent commit.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Ensure SQLiteStore implements the storage interfaces
var (
	_ storage.Store       = (*SQLiteStore)(nil)
	_ storage.Savepointer = (*SQLiteStore)(nil)
	_ storage.Snapshotter = (*SQLiteStore)(nil)
	_ storage.Settings    = (*SQLiteStore)(nil)

	_ storage.CommittedReader = (*SQLiteStore)(nil)
)

// SQLiteStore implements the entity store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex
	tx *sql.Tx // open while mutations are staged
}

// querier is the subset of *sql.DB and *sql.Tx used by the record mappers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "sqlite")

	// Create parent directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close rolls back any staged mutations and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		s.logger.Warn("Closing store with staged mutations, rolling back")
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// conn returns the open transaction, or the database when nothing is staged.
// Callers must hold s.mu.
func (s *SQLiteStore) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// begin opens the staging transaction if needed. Callers must hold s.mu.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	// The transaction outlives the call that opened it, so it must not be
	// bound to that call's cancellation.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, errs.Storage("begin transaction", err)
	}
	s.tx = tx
	return tx, nil
}

// Save commits the staged mutations.
func (s *SQLiteStore) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		// database/sql closes the transaction on a failed commit
		s.tx = nil
		return errs.Storage("commit", err)
	}
	s.tx = nil
	return nil
}

// Rollback discards the staged mutations.
func (s *SQLiteStore) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && err != sql.ErrTxDone {
		return errs.Storage("rollback", err)
	}
	return nil
}

// Savepoint creates a SQL savepoint inside the staging transaction.
func (s *SQLiteStore) Savepoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return errs.Storage("savepoint", err)
	}
	return nil
}

// RollbackTo rolls back to a savepoint, keeping the savepoint itself.
func (s *SQLiteStore) RollbackTo(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return errs.New(errs.ErrSavepointNotFound, "%q", name)
	}
	if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name)); err != nil {
		if strings.Contains(err.Error(), "no such savepoint") {
			return errs.New(errs.ErrSavepointNotFound, "%q", name)
		}
		return errs.Storage("rollback to savepoint", err)
	}
	return nil
}

// Release releases a savepoint and every savepoint created after it.
func (s *SQLiteStore) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return errs.New(errs.ErrSavepointNotFound, "%q", name)
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(name)); err != nil {
		if strings.Contains(err.Error(), "no such savepoint") {
			return errs.New(errs.ErrSavepointNotFound, "%q", name)
		}
		return errs.Storage("release savepoint", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the committed database to path.
// Staged mutations are not included.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot target already exists: %s", path)
	}

	// VACUUM INTO runs on its own pooled connection in a read transaction,
	// so it sees only committed data even while s.tx is open.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return errs.Storage("snapshot", err)
	}
	return nil
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
