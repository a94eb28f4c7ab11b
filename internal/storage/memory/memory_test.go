package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

func TestStoreStaging(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p2", Name: "Bob"}))
	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p1", Name: "Alice"}))
	assert.Equal(t, 2, s.Pending())

	persons, err := storage.Persons(ctx, s, storage.All)
	require.NoError(t, err)
	require.Len(t, persons, 2)
	assert.Equal(t, "p1", persons[0].ID, "fetch is ordered by ID")

	require.NoError(t, s.Rollback(ctx))
	persons, err = storage.Persons(ctx, s, storage.All)
	require.NoError(t, err)
	assert.Empty(t, persons)

	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p1", Name: "Alice"}))
	require.NoError(t, s.Save(ctx))
	assert.Zero(t, s.Pending())

	require.NoError(t, s.Delete(ctx, &models.Person{ID: "p1"}))
	persons, err = storage.Persons(ctx, s, storage.All)
	require.NoError(t, err)
	assert.Empty(t, persons, "staged delete hides committed record")

	require.NoError(t, s.Rollback(ctx))
	persons, err = storage.Persons(ctx, s, storage.ByID("p1"))
	require.NoError(t, err)
	assert.Len(t, persons, 1)
}

func TestStoreFetchCommitted(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p1"}))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p2"}))
	require.NoError(t, s.Delete(ctx, &models.Person{ID: "p1"}))

	committed, err := storage.Persons(ctx, storage.ReadCommitted(s), storage.All)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, "p1", committed[0].ID)

	staged, err := storage.Persons(ctx, s, storage.All)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "p2", staged[0].ID)

	view := storage.ReadCommitted(s)
	assert.ErrorIs(t, view.Insert(ctx, &models.Person{ID: "p3"}), storage.ErrReadOnly)
	assert.ErrorIs(t, view.Save(ctx), storage.ErrReadOnly)
	assert.Equal(t, 2, s.Pending())
}

func TestStoreKeepsDuplicateGroupMembers(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Group{ID: "g1", Members: []string{"p1", "p2", "p1"}}))
	require.NoError(t, s.Save(ctx))

	groups, err := storage.Groups(ctx, s, storage.All)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p1"}, groups[0].Members)
}

func TestStoreInsertAssignsID(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := &models.Person{Name: "Anon"}
	require.NoError(t, s.Insert(ctx, p))
	require.NotEmpty(t, p.ID)

	persons, err := storage.Persons(ctx, s, storage.ByID(p.ID))
	require.NoError(t, err)
	assert.Len(t, persons, 1)
	assert.Error(t, s.Delete(ctx, &models.Person{}), "delete needs an ID")
}

func TestStoreFetchReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Group{ID: "g1", Members: []string{"p1"}}))
	require.NoError(t, s.Save(ctx))

	groups, err := storage.Groups(ctx, s, storage.All)
	require.NoError(t, err)
	groups[0].Members[0] = "changed"

	groups, err = storage.Groups(ctx, s, storage.All)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, groups[0].Members)
}

func TestStoreSavepoints(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p1"}))
	require.NoError(t, s.Savepoint(ctx, "S1"))
	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p2"}))
	require.NoError(t, s.Savepoint(ctx, "S2"))
	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p3"}))

	require.NoError(t, s.RollbackTo(ctx, "S1"))
	assert.Equal(t, 1, s.Pending())

	// S1 survives its own rollback, S2 does not
	require.NoError(t, s.RollbackTo(ctx, "S1"))
	assert.ErrorIs(t, s.RollbackTo(ctx, "S2"), errs.ErrSavepointNotFound)

	require.NoError(t, s.Release(ctx, "S1"))
	assert.ErrorIs(t, s.Release(ctx, "S1"), errs.ErrSavepointNotFound)

	require.NoError(t, s.Save(ctx))
	persons, err := storage.Persons(ctx, s, storage.All)
	require.NoError(t, err)
	require.Len(t, persons, 1)
	assert.Equal(t, "p1", persons[0].ID)
}

func TestStoreSettings(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "schema.version")
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, s.Put(ctx, "schema.version", []byte("2")))
	v, err := s.Get(ctx, "schema.version")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestStoreSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p1", Name: "Alice"}))
	require.NoError(t, s.Insert(ctx, &models.Subscription{ID: "s1", Amount: 100, Person: models.SomePerson("p1")}))
	require.NoError(t, s.Insert(ctx, &models.Subscription{ID: "s2", Amount: 200}))
	require.NoError(t, s.Insert(ctx, &models.Transaction{ID: "t1", Payer: models.SomePerson("p1"), Amount: 5}))
	require.NoError(t, s.Insert(ctx, &models.Group{ID: "g1", Members: []string{"p1"}}))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Put(ctx, "schema.version", []byte("1")))

	// Staged data is excluded
	require.NoError(t, s.Insert(ctx, &models.Person{ID: "p2"}))

	path := filepath.Join(t.TempDir(), "Backups", "snap.json")
	require.NoError(t, s.Snapshot(ctx, path))

	restored := New()
	require.NoError(t, restored.Restore(ctx, path))

	persons, err := storage.Persons(ctx, restored, storage.All)
	require.NoError(t, err)
	require.Len(t, persons, 1)
	assert.Equal(t, "Alice", persons[0].Name)

	subs, err := storage.Subscriptions(ctx, restored, storage.All)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.True(t, subs[0].Person.Is("p1"))
	assert.True(t, subs[1].Person.IsNone())

	txs, err := storage.Transactions(ctx, restored, storage.All)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Payee.IsNone())

	v, err := restored.Get(ctx, "schema.version")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}
