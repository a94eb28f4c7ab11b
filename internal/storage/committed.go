package storage

import (
	"context"
	"errors"

	"github.com/mmynk/splitkeeper/internal/models"
)

// ErrReadOnly is returned by writes to a ReadCommitted view.
var ErrReadOnly = errors.New("store view is read-only")

// ReadCommitted returns a read-only view of s that does not observe staged
// mutations. Stores without CommittedReader are read through Fetch.
func ReadCommitted(s Store) Store {
	if v, ok := s.(committedView); ok {
		return v
	}
	return committedView{store: s}
}

type committedView struct {
	store Store
}

func (v committedView) Fetch(ctx context.Context, kind models.Kind, match Predicate) ([]models.Record, error) {
	if cr, ok := v.store.(CommittedReader); ok {
		return cr.FetchCommitted(ctx, kind, match)
	}
	return v.store.Fetch(ctx, kind, match)
}

func (committedView) Insert(context.Context, models.Record) error { return ErrReadOnly }
func (committedView) Delete(context.Context, models.Record) error { return ErrReadOnly }
func (committedView) Save(context.Context) error                  { return ErrReadOnly }
func (committedView) Rollback(context.Context) error              { return ErrReadOnly }
