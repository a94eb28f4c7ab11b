// Package migration evolves the persisted data of the entity store between
// schema versions.
//
// The stored version is an integer kept in the settings store. Migrate
// applies registered steps in ascending order, each in its own transaction,
// and persists the new version after every step, so a crash leaves the
// version at the last step that completed. A backup is taken before any
// data changes. When a step or the final validation fails, the applied steps
// are undone in reverse order through their inverses.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmynk/splitkeeper/internal/backup"
	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/integrity"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
	"github.com/mmynk/splitkeeper/internal/txn"
)

// Settings keys.
const (
	VersionKey    = "schema.version"
	StatisticsKey = "migration.statistics"
)

// Outcome labels how a migration ended.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRolledBack     Outcome = "rolled_back"
	OutcomeRollbackFailed Outcome = "rollback_failed"
	OutcomeAborted        Outcome = "aborted" // failed before any step ran
	OutcomeUpToDate       Outcome = "up_to_date"
	OutcomeRejected       Outcome = "rejected" // another migration was running; never persisted
)

// Backuper creates a backup of the store holding the given version.
type Backuper interface {
	Create(ctx context.Context, version int) (*backup.Backup, error)
}

// Observer receives one call per finished migration.
type Observer interface {
	ObserveMigration(outcome Outcome, duration time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackups takes a backup through b before every migration.
func WithBackups(b Backuper) Option {
	return func(m *Manager) { m.backups = b }
}

// WithStrictIntegrity makes orphaned records fail post-migration validation.
// By default they are only logged.
func WithStrictIntegrity(strict bool) Option {
	return func(m *Manager) { m.strict = strict }
}

// WithObserver reports finished migrations to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Result describes a successful migration.
type Result struct {
	From     int            `json:"from"`
	To       int            `json:"to"`
	Applied  []int          `json:"applied"`
	Backup   *backup.Backup `json:"backup,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Manager runs migrations against the transaction manager's store.
type Manager struct {
	txm       *txn.Manager
	store     storage.Store
	validator *integrity.Validator
	settings  storage.Settings
	backups   Backuper
	observer  Observer
	logger    *slog.Logger
	strict    bool
	now       func() time.Time

	mu      sync.Mutex
	steps   map[int]Step
	current int

	running atomic.Bool
}

// New creates a Manager. Steps are added with Register.
func New(txm *txn.Manager, validator *integrity.Validator, settings storage.Settings, opts ...Option) *Manager {
	m := &Manager{
		txm:       txm,
		store:     txm.Store(),
		validator: validator,
		settings:  settings,
		logger:    slog.Default().With("component", "migration"),
		now:       time.Now,
		steps:     make(map[int]Step),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentVersion returns the version this build migrates to: the highest
// registered step.
func (m *Manager) CurrentVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StoredVersion returns the persisted schema version, 0 when none was stored.
func (m *Manager) StoredVersion(ctx context.Context) (int, error) {
	raw, err := m.settings.Get(ctx, VersionKey)
	if errs.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil || v < 0 {
		return 0, errs.New(errs.ErrValidationFailed, "stored schema version %q is not a non-negative integer", raw)
	}
	return v, nil
}

func (m *Manager) persistVersion(ctx context.Context, v int) error {
	if err := m.settings.Put(ctx, VersionKey, []byte(strconv.Itoa(v))); err != nil {
		return fmt.Errorf("failed to persist schema version %d: %w", v, err)
	}
	return nil
}

// NeedsMigration reports whether the stored version is behind CurrentVersion.
func (m *Manager) NeedsMigration(ctx context.Context) (bool, error) {
	stored, err := m.StoredVersion(ctx)
	if err != nil {
		return false, err
	}
	return stored < m.CurrentVersion(), nil
}

// IsRunning reports whether a migration is in progress.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// stepsFor returns the registered steps for the path, failing on the first gap.
func (m *Manager) stepsFor(from, to int) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := MigrationPath(from, to)
	steps := make([]Step, 0, len(path))
	for _, v := range path {
		s, ok := m.steps[v]
		if !ok {
			return nil, errs.UnsupportedMigration(from, to, v)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// DryRun computes what Migrate(from, to) would apply without running any
// transform or taking a backup.
func (m *Manager) DryRun(ctx context.Context, from, to int) (*Plan, error) {
	steps, err := m.stepsFor(from, to)
	if err != nil {
		return nil, err
	}
	plan := &Plan{From: from, To: to, Steps: make([]PlannedStep, 0, len(steps))}
	for _, s := range steps {
		plan.Steps = append(plan.Steps, PlannedStep{Version: s.Version, Description: s.Description, Reversible: s.Reversible()})
	}
	return plan, nil
}

// MigrateToCurrent migrates from the stored version to CurrentVersion. A
// stored version newer than this build fails with errs.ErrDowngrade.
func (m *Manager) MigrateToCurrent(ctx context.Context) (*Result, error) {
	stored, err := m.StoredVersion(ctx)
	if err != nil {
		return nil, err
	}
	current := m.CurrentVersion()
	if stored > current {
		return nil, errs.New(errs.ErrDowngrade, "stored version %d, this build supports %d", stored, current).
			With("stored", stored).With("current", current)
	}
	return m.Migrate(ctx, stored, current)
}

// Migrate applies the steps from+1 through to. Only one migration runs at a
// time; a concurrent call fails with errs.ErrMigrationRunning.
//
// Cancelling ctx stops the migration between steps and rolls back the steps
// already applied; a step that has started always runs to completion.
func (m *Manager) Migrate(ctx context.Context, from, to int) (*Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		// The running migration owns the statistics record.
		if m.observer != nil {
			m.observer.ObserveMigration(OutcomeRejected, 0)
		}
		return nil, errs.New(errs.ErrMigrationRunning, "migrate %d -> %d", from, to)
	}
	defer m.running.Store(false)

	start := m.now()
	result := &Result{From: from, To: to, Applied: []int{}}
	if from >= to {
		m.finish(ctx, from, to, from, OutcomeUpToDate, start, nil)
		return result, nil
	}

	steps, err := m.stepsFor(from, to)
	if err != nil {
		m.finish(ctx, from, to, from, OutcomeAborted, start, err)
		return nil, err
	}

	logger := m.logger.With("from", from, "to", to)
	logger.Info("Starting migration", "steps", len(steps))

	if m.backups != nil {
		b, err := m.backups.Create(ctx, from)
		if err != nil {
			logger.Error("Backup failed, migration aborted", "error", err)
			m.finish(ctx, from, to, from, OutcomeAborted, start, err)
			return nil, err
		}
		result.Backup = b
	} else {
		logger.Warn("No backup configured, migrating without one")
	}

	var applied []Step
	fail := func(failedAt int, cause error) (*Result, error) {
		logger.Error("Migration failed, rolling back", "version", failedAt, "error", cause)
		version, rbErr := m.rollback(context.WithoutCancel(ctx), from, applied)
		outcome := OutcomeRolledBack
		if rbErr != nil {
			outcome = OutcomeRollbackFailed
			logger.Error("Migration rollback failed", "version", version, "error", rbErr)
		}
		migErr := &Error{From: from, To: to, FailedVersion: failedAt, Version: version, Cause: cause, RollbackErr: rbErr}
		m.finish(ctx, from, to, version, outcome, start, migErr)
		return nil, migErr
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fail(step.Version, fmt.Errorf("migration cancelled: %w", err))
		}

		// A started step is not interrupted by cancellation.
		stepCtx := context.WithoutCancel(ctx)
		stepStart := m.now()
		if err := m.txm.Run(stepCtx, txn.Operation(step.Up)); err != nil {
			return fail(step.Version, fmt.Errorf("step %d (%s): %w", step.Version, step.Description, err))
		}
		// The step is committed; it must be undone even if the version write fails.
		applied = append(applied, step)
		if err := m.persistVersion(stepCtx, step.Version); err != nil {
			return fail(step.Version, err)
		}
		result.Applied = append(result.Applied, step.Version)
		logger.Info("Applied migration step", "version", step.Version, "description", step.Description,
			"duration", m.now().Sub(stepStart))
	}

	if err := m.validate(ctx, to); err != nil {
		return fail(to, err)
	}

	result.Duration = m.now().Sub(start)
	m.finish(ctx, from, to, to, OutcomeSucceeded, start, nil)
	logger.Info("Migration completed", "duration", result.Duration)
	return result, nil
}

// validate checks the store after all steps ran: the stored version must be
// to, every kind must still be readable, and references must resolve (only
// enforced in strict mode).
func (m *Manager) validate(ctx context.Context, to int) error {
	stored, err := m.StoredVersion(ctx)
	if err != nil {
		return err
	}
	if stored != to {
		return errs.New(errs.ErrValidationFailed, "stored version %d, expected %d", stored, to)
	}

	for _, kind := range models.AllKinds {
		if _, err := m.store.Fetch(ctx, kind, storage.All); err != nil {
			return errs.Wrap(errs.ErrValidationFailed, err, "cannot enumerate %s records", kind)
		}
	}

	if m.validator == nil {
		return nil
	}
	report, err := m.validator.DetectAllOrphans(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrValidationFailed, err, "integrity sweep")
	}
	if report.Total > 0 {
		if m.strict {
			return errs.New(errs.ErrOrphanDetected, "%d orphaned references after migration", report.Total).
				With("count", report.Total)
		}
		m.logger.Warn("Orphaned references after migration", "count", report.Total)
	}
	return nil
}

// rollback undoes applied steps newest first and returns the version the
// store is left at. A step without an inverse stops the rollback with
// errs.ErrRollbackFailed.
func (m *Manager) rollback(ctx context.Context, from int, applied []Step) (int, error) {
	if len(applied) == 0 {
		return from, nil
	}
	version := applied[len(applied)-1].Version
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if !step.Reversible() {
			return version, errs.New(errs.ErrRollbackFailed, "step %d (%s) has no inverse", step.Version, step.Description).
				With("version", step.Version)
		}
		if err := m.txm.Run(ctx, txn.Operation(step.Down)); err != nil {
			return version, errs.Wrap(errs.ErrRollbackFailed, err, "inverse of step %d", step.Version)
		}
		version = step.Version - 1
		if err := m.persistVersion(ctx, version); err != nil {
			return version, errs.Wrap(errs.ErrRollbackFailed, err, "after inverse of step %d", step.Version)
		}
		m.logger.Info("Reverted migration step", "version", step.Version)
	}
	return version, nil
}

// Error reports a failed migration. Cause is the original failure;
// RollbackErr is set when undoing the applied steps failed too.
type Error struct {
	From          int
	To            int
	FailedVersion int
	Version       int // version the store was left at
	Cause         error
	RollbackErr   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("migration %d -> %d failed at version %d: %v", e.From, e.To, e.FailedVersion, e.Cause)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf("; rollback failed, store left at version %d: %v", e.Version, e.RollbackErr)
	}
	return msg
}

// Unwrap exposes both the cause and the rollback error to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.RollbackErr == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.RollbackErr}
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
