// Package memory provides an in-memory implementation of the storage interfaces.
// It is used by tests and dry runs, and mirrors the staging semantics of the
// SQLite store: mutations are buffered until Save and discarded by Rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Ensure Store implements the storage interfaces
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.Savepointer = (*Store)(nil)
	_ storage.Snapshotter = (*Store)(nil)
	_ storage.Settings    = (*Store)(nil)

	_ storage.CommittedReader = (*Store)(nil)
)

type opKind int

const (
	opInsert opKind = iota
	opDelete
)

type op struct {
	kind   opKind
	record models.Record
}

type savepoint struct {
	name   string
	offset int
}

// Store is a thread-safe in-memory entity store.
type Store struct {
	mu         sync.RWMutex
	committed  map[models.Kind]map[string]models.Record
	staged     []op
	savepoints []savepoint
	settings   map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	s := &Store{settings: make(map[string][]byte)}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.committed = make(map[models.Kind]map[string]models.Record, len(models.AllKinds))
	for _, k := range models.AllKinds {
		s.committed[k] = make(map[string]models.Record)
	}
	s.staged = nil
	s.savepoints = nil
}

// Fetch returns committed records overlaid with staged mutations.
func (s *Store) Fetch(ctx context.Context, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	return s.fetch(ctx, kind, match, true)
}

// FetchCommitted returns committed records only, ignoring staged mutations.
func (s *Store) FetchCommitted(ctx context.Context, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	return s.fetch(ctx, kind, match, false)
}

func (s *Store) fetch(ctx context.Context, kind models.Kind, match storage.Predicate, staged bool) ([]models.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	view := make(map[string]models.Record, len(s.committed[kind]))
	for id, r := range s.committed[kind] {
		view[id] = r
	}
	if staged {
		for _, o := range s.staged {
			if o.record.RecordKind() != kind {
				continue
			}
			switch o.kind {
			case opInsert:
				view[o.record.RecordID()] = o.record
			case opDelete:
				delete(view, o.record.RecordID())
			}
		}
	}

	out := make([]models.Record, 0, len(view))
	for _, r := range view {
		if match.Matches(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out, nil
}

// Insert stages an insert-or-replace. A record with an empty ID is given a
// new UUID.
func (s *Store) Insert(ctx context.Context, record models.Record) error {
	if record != nil {
		models.EnsureID(record)
	}
	return s.stage(ctx, opInsert, record)
}

// Delete stages a removal.
func (s *Store) Delete(ctx context.Context, record models.Record) error {
	return s.stage(ctx, opDelete, record)
}

func (s *Store) stage(ctx context.Context, kind opKind, record models.Record) error {
	if record == nil || record.RecordID() == "" {
		return fmt.Errorf("record must have an ID")
	}
	if !record.RecordKind().Valid() {
		return fmt.Errorf("unknown kind %q", record.RecordKind())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = append(s.staged, op{kind: kind, record: clone(record)})
	return nil
}

// Save applies the staged mutations and clears savepoints.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.staged {
		bucket := s.committed[o.record.RecordKind()]
		switch o.kind {
		case opInsert:
			bucket[o.record.RecordID()] = o.record
		case opDelete:
			delete(bucket, o.record.RecordID())
		}
	}
	s.staged = nil
	s.savepoints = nil
	return nil
}

// Rollback discards the staged mutations and clears savepoints.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = nil
	s.savepoints = nil
	return nil
}

// Pending returns the number of staged mutations.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staged)
}

// Savepoint records the current staging offset under name.
// Reusing a name moves the savepoint, like SQL SAVEPOINT.
func (s *Store) Savepoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.savepoints = append(s.savepoints, savepoint{name: name, offset: len(s.staged)})
	return nil
}

// RollbackTo truncates staged mutations back to the named savepoint and drops
// every savepoint created after it.
func (s *Store) RollbackTo(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findSavepoint(name)
	if i < 0 {
		return errs.New(errs.ErrSavepointNotFound, "%q", name)
	}
	s.staged = s.staged[:s.savepoints[i].offset]
	s.savepoints = s.savepoints[:i+1]
	return nil
}

// Release forgets the named savepoint and every savepoint created after it.
func (s *Store) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findSavepoint(name)
	if i < 0 {
		return errs.New(errs.ErrSavepointNotFound, "%q", name)
	}
	s.savepoints = s.savepoints[:i]
	return nil
}

// findSavepoint returns the index of the most recent savepoint with name, or -1.
func (s *Store) findSavepoint(name string) int {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// Get returns a settings value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "setting %q", key)
	}
	return append([]byte(nil), v...), nil
}

// Put stores a settings value. Settings are not staged.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = append([]byte(nil), value...)
	return nil
}

// clone copies a record so callers cannot mutate stored state in place.
func clone(r models.Record) models.Record {
	switch v := r.(type) {
	case *models.Person:
		c := *v
		return &c
	case *models.Subscription:
		c := *v
		return &c
	case *models.Transaction:
		c := *v
		return &c
	case *models.Group:
		c := *v
		c.Members = append([]string(nil), v.Members...)
		return &c
	default:
		return r
	}
}
