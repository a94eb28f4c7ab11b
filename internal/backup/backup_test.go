package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
	"github.com/mmynk/splitkeeper/internal/storage/memory"
	"github.com/mmynk/splitkeeper/internal/storage/sqlite"
)

type brokenSnapshotter struct{}

func (brokenSnapshotter) Snapshot(context.Context, string) error {
	return errors.New("disk full")
}

func newManager(t *testing.T, store storage.Snapshotter) *Manager {
	t.Helper()
	m := New(filepath.Join(t.TempDir(), "Backups"), store, nil)
	clock := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return m
}

func TestCreateAndVerify(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Insert(ctx, &models.Person{ID: "p1", Name: "Alice"}))
	require.NoError(t, store.Save(ctx))

	m := newManager(t, store)
	b, err := m.Create(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, "splitkeeper_v3_20261018T093001Z.db", filepath.Base(b.Path))
	assert.FileExists(t, b.Path+".json")
	assert.Regexp(t, `^blake2b-256:[0-9a-f]{64}$`, b.Digest)
	require.NoError(t, m.Verify(*b))

	// Tampering is detected
	require.NoError(t, os.WriteFile(b.Path, []byte("{}"), 0644))
	err = m.Verify(*b)
	assert.ErrorIs(t, err, errs.ErrBackupFailed)
}

func TestCreateWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Insert(ctx, &models.Person{ID: "p1"}))
	require.NoError(t, store.Save(ctx))

	m := newManager(t, store)
	b, err := m.Create(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Verify(*b))
	assert.Positive(t, b.Size)
}

func TestCreateFailure(t *testing.T) {
	m := newManager(t, brokenSnapshotter{})
	_, err := m.Create(context.Background(), 1)
	require.ErrorIs(t, err, errs.ErrBackupFailed)
	assert.True(t, errs.IsStorageFailure(err))
}

func TestNameCollision(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New())
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	first, err := m.Create(ctx, 1)
	require.NoError(t, err)
	second, err := m.Create(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, "splitkeeper_v1_20260102T030405Z.db", filepath.Base(first.Path))
	assert.Equal(t, "splitkeeper_v1_20260102T030405Z_1.db", filepath.Base(second.Path))
}

func TestListAndPrune(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New())

	for v := 1; v <= 4; v++ {
		_, err := m.Create(ctx, v)
		require.NoError(t, err)
	}
	// Stray files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), nil, 0644))

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 4)
	assert.Equal(t, 4, backups[0].Version, "newest first")

	removed, err := m.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	backups, err = m.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, []int{4, 3}, []int{backups[0].Version, backups[1].Version})

	removed, err = m.Prune(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestListMissingDirectory(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "nope"), memory.New(), nil)
	backups, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
