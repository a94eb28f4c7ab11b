// Package txn wraps groups of entity store mutations in begin/commit/rollback
// semantics.
//
// A Manager owns one store and a single Idle/InTransaction state machine
// guarded by a mutex, so two callers racing Begin cannot both succeed.
// Nested transactions are implemented with savepoints; stores that do not
// implement storage.Savepointer degrade savepoint rollback to a full rollback.
//
// Commit failures do not roll back automatically. After Commit returns an
// errs.ErrCommitFailed error the manager is still InTransaction and the
// caller must call Rollback.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// DefaultMaxNestedDepth is the nesting limit used when none is configured.
const DefaultMaxNestedDepth = 10

// State is the transaction state of a Manager.
type State int

const (
	StateIdle State = iota
	StateInTransaction
)

func (s State) String() string {
	if s == StateInTransaction {
		return "in_transaction"
	}
	return "idle"
}

// Outcome labels how a transaction ended.
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeCommitFailed Outcome = "commit_failed"
	OutcomeRolledBack   Outcome = "rolled_back"
	OutcomeTimedOut     Outcome = "timed_out"
)

// Observer receives one call per finished transaction.
type Observer interface {
	ObserveTransaction(outcome Outcome, duration time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxNestedDepth sets the nesting limit. Values < 1 are ignored.
func WithMaxNestedDepth(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver reports finished transactions to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithDefaultTimeout bounds the bulk helpers. Zero means no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// Manager coordinates transactions over a single entity store.
type Manager struct {
	store          storage.Store
	logger         *slog.Logger
	observer       Observer
	maxDepth       int
	defaultTimeout time.Duration

	mu         sync.Mutex
	state      State
	depth      int
	started    time.Time
	savepoints []Savepoint
	nested     []string // savepoint name per nesting level above 1

	stats stats
}

// New creates a Manager for store.
func New(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   slog.Default().With("component", "txn"),
		maxDepth: DefaultMaxNestedDepth,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the managed store.
func (m *Manager) Store() storage.Store {
	return m.store
}

// MaxNestedDepth returns the configured nesting limit.
func (m *Manager) MaxNestedDepth() int {
	return m.maxDepth
}

// State returns the current state and nesting depth (0 when idle).
func (m *Manager) State() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.depth
}

// Begin starts a top-level transaction.
func (m *Manager) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginLocked()
}

func (m *Manager) beginLocked() error {
	if m.state != StateIdle {
		return errs.New(errs.ErrAlreadyInProgress, "depth %d", m.depth)
	}
	m.state = StateInTransaction
	m.depth = 1
	m.savepoints = nil
	m.nested = nil
	m.started = time.Now()
	m.logger.Debug("Transaction started")
	return nil
}

// Commit persists all staged mutations. On failure the transaction stays
// open and must be rolled back by the caller.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(ctx)
}

func (m *Manager) commitLocked(ctx context.Context) error {
	if m.state == StateIdle {
		return errs.New(errs.ErrNoTransaction, "commit")
	}
	elapsed := time.Since(m.started)
	if err := m.store.Save(ctx); err != nil {
		m.record(OutcomeCommitFailed, elapsed)
		m.logger.Error("Transaction commit failed", "error", err, "duration", elapsed)
		return errs.CommitFailed(err)
	}
	m.resetLocked()
	m.record(OutcomeCommitted, elapsed)
	m.logger.Debug("Transaction committed", "duration", elapsed)
	return nil
}

// Rollback discards all staged mutations and returns to Idle, even when the
// store reports an error.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackLocked(ctx, OutcomeRolledBack)
}

func (m *Manager) rollbackLocked(ctx context.Context, outcome Outcome) error {
	if m.state == StateIdle {
		return errs.New(errs.ErrNoTransaction, "rollback")
	}
	elapsed := time.Since(m.started)
	err := m.store.Rollback(ctx)
	m.resetLocked()
	m.record(outcome, elapsed)
	if err != nil {
		m.logger.Error("Transaction rollback failed", "error", err)
		return errs.Storage("rollback", err)
	}
	m.logger.Debug("Transaction rolled back", "outcome", outcome, "duration", elapsed)
	return nil
}

func (m *Manager) resetLocked() {
	m.state = StateIdle
	m.depth = 0
	m.savepoints = nil
	m.nested = nil
}

// BeginNested opens a nested transaction. From Idle it starts the top-level
// transaction; otherwise it creates a savepoint for the new level. The top
// level counts toward the depth limit.
func (m *Manager) BeginNested(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return m.beginLocked()
	}
	if m.depth >= m.maxDepth {
		return errs.New(errs.ErrNestedLimit, "max depth %d", m.maxDepth).With("max", m.maxDepth)
	}
	name := nestedName(m.depth + 1)
	if err := m.savepointLocked(ctx, name); err != nil {
		return fmt.Errorf("failed to begin nested transaction: %w", err)
	}
	m.depth++
	m.nested = append(m.nested, name)
	m.logger.Debug("Nested transaction started", "depth", m.depth)
	return nil
}

// CommitNested closes the innermost nested transaction, keeping its
// mutations staged in the parent. At depth 1 it commits the transaction.
func (m *Manager) CommitNested(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateIdle:
		return errs.New(errs.ErrNoTransaction, "commit nested")
	case m.depth == 1:
		return m.commitLocked(ctx)
	}
	return m.releaseLocked(ctx, m.nested[len(m.nested)-1])
}

// RollbackNested discards the innermost nested transaction. At depth 1 it
// rolls back the whole transaction.
func (m *Manager) RollbackNested(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateIdle:
		return errs.New(errs.ErrNoTransaction, "rollback nested")
	case m.depth == 1:
		return m.rollbackLocked(ctx, OutcomeRolledBack)
	}
	name := m.nested[len(m.nested)-1]
	if err := m.rollbackToLocked(ctx, name); err != nil {
		return err
	}
	return m.releaseLocked(ctx, name)
}

// syncNested closes every nested level whose savepoint is gone. Nested
// savepoints are created in order, so the dropped ones are a suffix.
func (m *Manager) syncNested() {
	for len(m.nested) > 0 && m.findSavepoint(m.nested[len(m.nested)-1]) < 0 {
		m.nested = m.nested[:len(m.nested)-1]
		m.depth--
		m.logger.Debug("Nested transaction closed", "depth", m.depth)
	}
}

func (m *Manager) record(outcome Outcome, d time.Duration) {
	m.stats.add(outcome, d)
	if m.observer != nil {
		m.observer.ObserveTransaction(outcome, d)
	}
}
