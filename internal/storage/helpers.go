package storage

import (
	"context"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/models"
)

// Persons fetches all persons matching the predicate.
func Persons(ctx context.Context, s Store, match Predicate) ([]*models.Person, error) {
	records, err := s.Fetch(ctx, models.KindPerson, match)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Person, 0, len(records))
	for _, r := range records {
		p, ok := r.(*models.Person)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T for kind %s", r, models.KindPerson)
		}
		out = append(out, p)
	}
	return out, nil
}

// Subscriptions fetches all subscriptions matching the predicate.
func Subscriptions(ctx context.Context, s Store, match Predicate) ([]*models.Subscription, error) {
	records, err := s.Fetch(ctx, models.KindSubscription, match)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Subscription, 0, len(records))
	for _, r := range records {
		sub, ok := r.(*models.Subscription)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T for kind %s", r, models.KindSubscription)
		}
		out = append(out, sub)
	}
	return out, nil
}

// Transactions fetches all transactions matching the predicate.
func Transactions(ctx context.Context, s Store, match Predicate) ([]*models.Transaction, error) {
	records, err := s.Fetch(ctx, models.KindTransaction, match)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Transaction, 0, len(records))
	for _, r := range records {
		t, ok := r.(*models.Transaction)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T for kind %s", r, models.KindTransaction)
		}
		out = append(out, t)
	}
	return out, nil
}

// Groups fetches all groups matching the predicate.
func Groups(ctx context.Context, s Store, match Predicate) ([]*models.Group, error) {
	records, err := s.Fetch(ctx, models.KindGroup, match)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Group, 0, len(records))
	for _, r := range records {
		g, ok := r.(*models.Group)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T for kind %s", r, models.KindGroup)
		}
		out = append(out, g)
	}
	return out, nil
}

// PersonIDs returns the set of all person IDs in the store.
func PersonIDs(ctx context.Context, s Store) (map[string]struct{}, error) {
	records, err := s.Fetch(ctx, models.KindPerson, All)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(records))
	for _, r := range records {
		ids[r.RecordID()] = struct{}{}
	}
	return ids, nil
}
