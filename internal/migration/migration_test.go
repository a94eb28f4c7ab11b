package migration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitkeeper/internal/backup"
	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/integrity"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
	"github.com/mmynk/splitkeeper/internal/storage/memory"
	"github.com/mmynk/splitkeeper/internal/storage/sqlite"
	"github.com/mmynk/splitkeeper/internal/txn"
)

type fixture struct {
	store *memory.Store
	m     *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.New()
	txm := txn.New(store)
	m := New(txm, integrity.New(txm, nil), store, opts...)
	return &fixture{store: store, m: m}
}

func (f *fixture) setVersion(t *testing.T, v int) {
	t.Helper()
	require.NoError(t, f.m.persistVersion(context.Background(), v))
}

func (f *fixture) version(t *testing.T) int {
	t.Helper()
	v, err := f.m.StoredVersion(context.Background())
	require.NoError(t, err)
	return v
}

// insertStep inserts a person on Up and deletes it on Down.
func insertStep(version int, personID string, downCalls *[]int) Step {
	return Step{
		Version:     version,
		Description: "add " + personID,
		Up: func(ctx context.Context, s storage.Store) error {
			return s.Insert(ctx, &models.Person{ID: personID})
		},
		Down: func(ctx context.Context, s storage.Store) error {
			*downCalls = append(*downCalls, version)
			return s.Delete(ctx, &models.Person{ID: personID})
		},
	}
}

func failingStep(version int, cause error) Step {
	return Step{
		Version: version,
		Up: func(ctx context.Context, s storage.Store) error {
			if err := s.Insert(ctx, &models.Person{ID: "partial"}); err != nil {
				return err
			}
			return cause
		},
		Down: noop,
	}
}

func personIDs(t *testing.T, s storage.Store) []string {
	t.Helper()
	persons, err := storage.Persons(context.Background(), s, storage.All)
	require.NoError(t, err)
	ids := []string{}
	for _, p := range persons {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestMigrationPath(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, MigrationPath(2, 5))
	assert.Equal(t, []int{}, MigrationPath(5, 2))
	assert.Equal(t, []int{}, MigrationPath(3, 3))
	assert.Equal(t, []int{1}, MigrationPath(0, 1))
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Register(DefaultSteps()...))
	assert.Equal(t, 3, f.m.CurrentVersion())

	assert.Error(t, f.m.Register(Step{Version: 2, Up: noop}), "duplicate")
	assert.Error(t, f.m.Register(Step{Version: 0, Up: noop}), "non-positive")
	assert.Error(t, f.m.Register(Step{Version: 9}), "no transform")
}

func TestMigrateSuccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memory.New()
	txm := txn.New(store)
	backups := backup.New(filepath.Join(dir, "Backups"), store, nil)
	m := New(txm, integrity.New(txm, nil), store, WithBackups(backups))

	var downs []int
	require.NoError(t, m.Register(insertStep(1, "a", &downs), insertStep(2, "b", &downs), insertStep(3, "c", &downs)))

	needs, err := m.NeedsMigration(ctx)
	require.NoError(t, err)
	assert.True(t, needs)

	res, err := m.MigrateToCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, res.Applied)
	require.NotNil(t, res.Backup)
	assert.Equal(t, 0, res.Backup.Version)
	assert.NoError(t, backups.Verify(*res.Backup))

	v, err := m.StoredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, []string{"a", "b", "c"}, personIDs(t, store))
	assert.Empty(t, downs)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 3, stats.LastVersion)
	assert.Equal(t, OutcomeSucceeded, stats.LastOutcome)

	// Already current
	res, err = m.MigrateToCurrent(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)

	stats, err = m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.UpToDate)
	assert.Equal(t, OutcomeUpToDate, stats.LastOutcome)
}

func TestMigrateFailureRestoresVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setVersion(t, 1)

	var downs []int
	boom := errors.New("transform exploded")
	require.NoError(t, f.m.Register(
		insertStep(2, "two", &downs),
		failingStep(3, boom),
		insertStep(4, "four", &downs),
	))

	_, err := f.m.Migrate(ctx, 1, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	migErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, 3, migErr.FailedVersion)
	assert.Equal(t, 1, migErr.Version)
	assert.NoError(t, migErr.RollbackErr)

	assert.Equal(t, 1, f.version(t))
	assert.Equal(t, []int{2}, downs, "inverse of the applied step ran")
	assert.Empty(t, personIDs(t, f.store), "failed step and applied step are both undone")

	stats, err := f.m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, OutcomeRolledBack, stats.LastOutcome)
	assert.Contains(t, stats.LastError, "transform exploded")
}

func TestMigrateRollbackFailsWithoutInverse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setVersion(t, 1)

	boom := errs.New(errs.ErrValidationFailed, "step 3 broke")
	irreversible := Step{
		Version: 2,
		Up: func(ctx context.Context, s storage.Store) error {
			return s.Insert(ctx, &models.Person{ID: "two"})
		},
	}
	require.NoError(t, f.m.Register(irreversible, failingStep(3, boom)))

	_, err := f.m.Migrate(ctx, 1, 3)
	require.Error(t, err)

	// Both failures are reported
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, errs.ErrRollbackFailed)
	assert.Equal(t, errs.KindOf(boom), errs.KindOf(err), "the original cause classifies the error")

	migErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, 2, migErr.Version)
	assert.Equal(t, 2, f.version(t))

	stats, err := f.m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RollbackFailed)
}

func TestMigrateUnsupportedPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ran := false
	require.NoError(t, f.m.Register(Step{Version: 1, Up: func(context.Context, storage.Store) error {
		ran = true
		return nil
	}}, Step{Version: 3, Up: noop}))

	_, err := f.m.Migrate(ctx, 0, 3)
	require.ErrorIs(t, err, errs.ErrUnsupportedMigration)
	assert.True(t, errs.IsUnsupported(err))
	missing, _ := errs.DetailOf(err, "missing")
	assert.Equal(t, 2, missing)
	assert.False(t, ran)
	assert.Equal(t, 0, f.version(t))

	_, err = f.m.DryRun(ctx, 0, 3)
	assert.ErrorIs(t, err, errs.ErrUnsupportedMigration)
}

type failingBackups struct{}

func (failingBackups) Create(context.Context, int) (*backup.Backup, error) {
	return nil, errs.New(errs.ErrBackupFailed, "no space left")
}

func TestBackupFailureAbortsBeforeMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithBackups(failingBackups{}))

	var downs []int
	require.NoError(t, f.m.Register(insertStep(1, "a", &downs)))

	_, err := f.m.Migrate(ctx, 0, 1)
	require.ErrorIs(t, err, errs.ErrBackupFailed)
	assert.Empty(t, personIDs(t, f.store))
	assert.Equal(t, 0, f.version(t))

	stats, err := f.m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, stats.LastOutcome)
}

func TestMigrateSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.m.Register(Step{Version: 1, Up: func(context.Context, storage.Store) error {
		close(entered)
		<-release
		return nil
	}}))

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = f.m.Migrate(ctx, 0, 1)
	}()

	<-entered
	assert.True(t, f.m.IsRunning())
	_, err := f.m.Migrate(ctx, 0, 1)
	assert.ErrorIs(t, err, errs.ErrMigrationRunning)
	assert.True(t, errs.IsStateConflict(err))

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.False(t, f.m.IsRunning())

	// Only the migration that ran is recorded
	stats, err := f.m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, OutcomeSucceeded, stats.LastOutcome)
}

func TestStrictIntegrityFailsValidation(t *testing.T) {
	ctx := context.Background()

	orphaning := Step{
		Version: 1,
		Up: func(ctx context.Context, s storage.Store) error {
			return s.Insert(ctx, &models.Subscription{ID: "s1", Person: models.SomePerson("ghost")})
		},
		Down: func(ctx context.Context, s storage.Store) error {
			return s.Delete(ctx, &models.Subscription{ID: "s1"})
		},
	}

	t.Run("lenient", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.m.Register(orphaning))
		_, err := f.m.Migrate(ctx, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, f.version(t))
	})

	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, WithStrictIntegrity(true))
		require.NoError(t, f.m.Register(orphaning))
		_, err := f.m.Migrate(ctx, 0, 1)
		require.ErrorIs(t, err, errs.ErrOrphanDetected)
		assert.Equal(t, 0, f.version(t))

		subs, err := storage.Subscriptions(ctx, f.store, storage.All)
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestMigrateToCurrentRefusesDowngrade(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Register(DefaultSteps()...))
	f.setVersion(t, 7)

	_, err := f.m.MigrateToCurrent(context.Background())
	require.ErrorIs(t, err, errs.ErrDowngrade)
	assert.True(t, errs.IsStateConflict(err))
}

func TestDryRunRunsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ran := 0
	count := func(context.Context, storage.Store) error { ran++; return nil }
	require.NoError(t, f.m.Register(
		Step{Version: 1, Description: "one", Up: count, Down: noop},
		Step{Version: 2, Description: "two", Up: count},
	))

	plan, err := f.m.DryRun(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []PlannedStep{
		{Version: 1, Description: "one", Reversible: true},
		{Version: 2, Description: "two", Reversible: false},
	}, plan.Steps)
	assert.Zero(t, ran)
	assert.Equal(t, 0, f.version(t))
}

func TestCancelledMigrationRollsBackBetweenSteps(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var downs []int
	first := insertStep(1, "a", &downs)
	up := first.Up
	first.Up = func(c context.Context, s storage.Store) error {
		defer cancel()
		return up(c, s)
	}
	require.NoError(t, f.m.Register(first, insertStep(2, "b", &downs)))

	_, err := f.m.Migrate(ctx, 0, 2)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1}, downs)
	assert.Equal(t, 0, f.version(t))
	assert.Empty(t, personIDs(t, f.store))
}

func TestDefaultSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.Register(DefaultSteps()...))

	for _, r := range []models.Record{
		&models.Person{ID: "p1", Name: "  Alice "},
		&models.Person{ID: "p2", Name: "Bob"},
		&models.Group{ID: "g1", Name: "Trip ", Members: []string{"p1", "p2", "p1"}},
	} {
		require.NoError(t, f.store.Insert(ctx, r))
	}
	require.NoError(t, f.store.Save(ctx))

	_, err := f.m.MigrateToCurrent(ctx)
	require.NoError(t, err)

	persons, err := storage.Persons(ctx, f.store, storage.ByID("p1"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", persons[0].Name)

	groups, err := storage.Groups(ctx, f.store, storage.All)
	require.NoError(t, err)
	assert.Equal(t, "Trip", groups[0].Name)
	assert.Equal(t, []string{"p1", "p2"}, groups[0].Members)
}

func TestDefaultStepsOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "steps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	txm := txn.New(store)
	m := New(txm, integrity.New(txm, nil), store)
	require.NoError(t, m.Register(DefaultSteps()...))

	require.NoError(t, store.Insert(ctx, &models.Person{ID: "p1", Name: "Alice"}))
	require.NoError(t, store.Insert(ctx, &models.Person{ID: "p2", Name: "Bob"}))
	require.NoError(t, store.Insert(ctx, &models.Group{ID: "g1", Name: "Trip", Members: []string{"p1", "p2", "p1"}}))
	require.NoError(t, store.Save(ctx))

	_, err = m.MigrateToCurrent(ctx)
	require.NoError(t, err)

	groups, err := storage.Groups(ctx, store, storage.All)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"p1", "p2"}, groups[0].Members)
}
