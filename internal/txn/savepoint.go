package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Savepoint is a named marker inside an open transaction.
type Savepoint struct {
	Name      string
	Depth     int
	CreatedAt time.Time
}

func nestedName(depth int) string {
	return fmt.Sprintf("nested_%d_%s", depth, uuid.NewString())
}

// CreateSavepoint marks the current position in the open transaction.
func (m *Manager) CreateSavepoint(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return errs.New(errs.ErrNoTransaction, "create savepoint %q", name)
	}
	return m.savepointLocked(ctx, name)
}

func (m *Manager) savepointLocked(ctx context.Context, name string) error {
	if sp, ok := m.store.(storage.Savepointer); ok {
		if err := sp.Savepoint(ctx, name); err != nil {
			return fmt.Errorf("failed to create savepoint %q: %w", name, err)
		}
	}
	m.savepoints = append(m.savepoints, Savepoint{Name: name, Depth: m.depth, CreatedAt: time.Now()})
	return nil
}

// RollbackToSavepoint discards everything staged after the named savepoint
// and forgets every savepoint created after it. The savepoint itself stays.
//
// Stores without storage.Savepointer cannot roll back partially: the whole
// transaction's staged mutations are discarded, while the transaction stays
// open.
func (m *Manager) RollbackToSavepoint(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return errs.New(errs.ErrNoTransaction, "rollback to savepoint %q", name)
	}
	return m.rollbackToLocked(ctx, name)
}

func (m *Manager) rollbackToLocked(ctx context.Context, name string) error {
	i := m.findSavepoint(name)
	if i < 0 {
		return errs.New(errs.ErrSavepointNotFound, "%q", name).With("name", name)
	}
	m.savepoints = m.savepoints[:i+1]
	m.syncNested()

	if sp, ok := m.store.(storage.Savepointer); ok {
		if err := sp.RollbackTo(ctx, name); err != nil {
			return fmt.Errorf("failed to roll back to savepoint %q: %w", name, err)
		}
		return nil
	}

	m.logger.Warn("Store has no partial rollback, discarding the whole transaction", "savepoint", name)
	if err := m.store.Rollback(ctx); err != nil {
		return errs.Storage("rollback", err)
	}
	return nil
}

// ReleaseSavepoint forgets the named savepoint and every later one, keeping
// their mutations staged.
func (m *Manager) ReleaseSavepoint(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return errs.New(errs.ErrNoTransaction, "release savepoint %q", name)
	}
	return m.releaseLocked(ctx, name)
}

func (m *Manager) releaseLocked(ctx context.Context, name string) error {
	i := m.findSavepoint(name)
	if i < 0 {
		return errs.New(errs.ErrSavepointNotFound, "%q", name).With("name", name)
	}
	if sp, ok := m.store.(storage.Savepointer); ok {
		if err := sp.Release(ctx, name); err != nil {
			return fmt.Errorf("failed to release savepoint %q: %w", name, err)
		}
	}
	m.savepoints = m.savepoints[:i]
	m.syncNested()
	return nil
}

// HasSavepoint reports whether a savepoint with name is resolvable.
func (m *Manager) HasSavepoint(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findSavepoint(name) >= 0
}

// Savepoints returns the open savepoints, oldest first.
func (m *Manager) Savepoints() []Savepoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Savepoint(nil), m.savepoints...)
}

func (m *Manager) findSavepoint(name string) int {
	for i := len(m.savepoints) - 1; i >= 0; i-- {
		if m.savepoints[i].Name == name {
			return i
		}
	}
	return -1
}
