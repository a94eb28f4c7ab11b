// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/splitkeeper/internal/models"
)

// Predicate selects records in Fetch. A nil Predicate matches everything.
type Predicate func(models.Record) bool

// All matches every record.
var All Predicate

// ByID matches the record with the given ID.
func ByID(id string) Predicate {
	return func(r models.Record) bool { return r.RecordID() == id }
}

// ByIDs matches records whose ID is in ids.
func ByIDs(ids ...string) Predicate {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(r models.Record) bool {
		_, ok := set[r.RecordID()]
		return ok
	}
}

// Matches applies p, treating nil as match-all.
func (p Predicate) Matches(r models.Record) bool {
	return p == nil || p(r)
}

// Store defines the entity store the consistency layer is built against.
// This abstraction allows swapping storage backends (SQLite, in-memory, etc.)
// without changing the integrity, transaction or migration code.
//
// Mutations are staged: Insert and Delete become durable only on Save and are
// discarded by Rollback. A store has one staging area shared by every
// caller, so Fetch observes staged mutations no matter who made them. Readers
// outside the transaction should use ReadCommitted.
type Store interface {
	// Fetch returns all records of kind matching the predicate, ordered by ID.
	Fetch(ctx context.Context, kind models.Kind, match Predicate) ([]models.Record, error)

	// Insert stages a record, replacing any existing record with the same ID.
	Insert(ctx context.Context, record models.Record) error

	// Delete stages removal of a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, record models.Record) error

	// Save persists all staged mutations as one durable unit.
	Save(ctx context.Context) error

	// Rollback discards all staged mutations.
	Rollback(ctx context.Context) error
}

// Savepointer is implemented by stores that support partial rollback of
// staged mutations.
type Savepointer interface {
	// Savepoint marks the current position in the staged mutations.
	Savepoint(ctx context.Context, name string) error

	// RollbackTo discards mutations staged after the named savepoint.
	// The savepoint itself stays valid.
	RollbackTo(ctx context.Context, name string) error

	// Release forgets the savepoint, keeping its mutations staged.
	Release(ctx context.Context, name string) error
}

// CommittedReader is implemented by stores that can read past staged
// mutations.
type CommittedReader interface {
	// FetchCommitted is Fetch without the staged mutations.
	FetchCommitted(ctx context.Context, kind models.Kind, match Predicate) ([]models.Record, error)
}

// Snapshotter is implemented by stores that can write a consistent
// point-in-time copy of their committed contents to a file. The copy must not
// interleave with concurrent Save calls.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Settings is a small key-value store for consistency-layer state that must
// survive restarts (schema version, migration statistics).
type Settings interface {
	// Get returns the stored value, or an errs.ErrNotFound error when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, durably and immediately.
	Put(ctx context.Context, key string, value []byte) error
}
