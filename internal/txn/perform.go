package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Operation is the body of a transaction. It must stage its mutations through
// the store it is given, which refuses writes once the transaction resolved.
type Operation func(ctx context.Context, store storage.Store) error

// Run executes op in a transaction with no deadline.
func (m *Manager) Run(ctx context.Context, op Operation) error {
	return m.PerformTransaction(ctx, 0, op)
}

// PerformTransaction begins a transaction, runs op and commits when op
// succeeds. The operation races a timer (when timeout > 0) and ctx
// cancellation. Exactly one of them resolves the transaction: op completion
// commits or rolls back, the timer and cancellation always roll back.
// Writes op attempts after the transaction resolved fail with
// errs.ErrTransactionResolved.
//
// A failed commit is rolled back here, since the caller never holds the
// transaction.
func (m *Manager) PerformTransaction(ctx context.Context, timeout time.Duration, op Operation) error {
	if err := m.Begin(ctx); err != nil {
		return err
	}

	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()

	a := &attempt{outcome: make(chan error, 1)}
	view := &guardedStore{store: m.store, attempt: a}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			a.resolve(cancelOp, func() error {
				m.logger.Warn("Transaction timed out, rolling back", "timeout", timeout)
				m.finish(ctx, OutcomeTimedOut)
				return errs.New(errs.ErrTimeout, "transaction exceeded %s", timeout).With("timeout", timeout.String())
			})
		})
		defer timer.Stop()
	}

	stop := context.AfterFunc(ctx, func() {
		a.resolve(cancelOp, func() error {
			m.logger.Warn("Transaction cancelled, rolling back", "error", ctx.Err())
			m.finish(ctx, OutcomeRolledBack)
			return fmt.Errorf("transaction cancelled: %w", ctx.Err())
		})
	})
	defer stop()

	go func() {
		err := runOperation(opCtx, view, op)
		a.resolve(nil, func() error {
			if err != nil {
				m.finish(ctx, OutcomeRolledBack)
				return err
			}
			return m.finish(ctx, OutcomeCommitted)
		})
	}()

	return <-a.outcome
}

// finish resolves the open transaction. Rollbacks use a context detached from
// cancellation so a cancelled caller still discards its mutations.
func (m *Manager) finish(ctx context.Context, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome != OutcomeCommitted {
		if err := m.rollbackLocked(context.WithoutCancel(ctx), outcome); err != nil {
			m.logger.Error("Failed to roll back transaction", "error", err)
		}
		return nil
	}

	err := m.commitLocked(ctx)
	if err == nil {
		return nil
	}
	if rbErr := m.rollbackLocked(context.WithoutCancel(ctx), OutcomeRolledBack); rbErr != nil {
		m.logger.Error("Failed to roll back after commit failure", "error", rbErr)
	}
	return err
}

func runOperation(ctx context.Context, store storage.Store, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction operation panicked: %v", r)
		}
	}()
	return op(ctx, store)
}

// attempt holds the resolution state of one PerformTransaction call.
type attempt struct {
	resolved atomic.Bool
	writes   sync.RWMutex // held shared by in-flight writes
	outcome  chan error
}

// resolve runs f if this call is the first to resolve the attempt. It calls
// cancel first, so writes blocked on the operation's context return, then
// waits for in-flight writes to land before f runs.
func (a *attempt) resolve(cancel context.CancelFunc, f func() error) bool {
	if !a.resolved.CompareAndSwap(false, true) {
		return false
	}
	if cancel != nil {
		cancel()
	}
	a.writes.Lock()
	a.writes.Unlock()
	a.outcome <- f()
	return true
}

// guardedStore forwards to the managed store until the attempt resolves.
type guardedStore struct {
	store   storage.Store
	attempt *attempt
}

func (g *guardedStore) write(f func() error) error {
	g.attempt.writes.RLock()
	defer g.attempt.writes.RUnlock()
	if g.attempt.resolved.Load() {
		return errs.New(errs.ErrTransactionResolved, "write after transaction resolved")
	}
	return f()
}

func (g *guardedStore) Fetch(ctx context.Context, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	return g.store.Fetch(ctx, kind, match)
}

func (g *guardedStore) Insert(ctx context.Context, record models.Record) error {
	return g.write(func() error { return g.store.Insert(ctx, record) })
}

func (g *guardedStore) Delete(ctx context.Context, record models.Record) error {
	return g.write(func() error { return g.store.Delete(ctx, record) })
}

// Save and Rollback belong to the manager.
func (g *guardedStore) Save(ctx context.Context) error {
	return errs.New(errs.ErrAlreadyInProgress, "save is managed by the transaction")
}

func (g *guardedStore) Rollback(ctx context.Context) error {
	return errs.New(errs.ErrAlreadyInProgress, "rollback is managed by the transaction")
}
