package txn

import (
	"context"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// BulkInsert inserts all records in one transaction and returns how many
// were staged. Any failure rolls back every insert.
func (m *Manager) BulkInsert(ctx context.Context, records []models.Record) (int, error) {
	count := 0
	err := m.PerformTransaction(ctx, m.defaultTimeout, func(ctx context.Context, s storage.Store) error {
		for _, r := range records {
			if err := s.Insert(ctx, r); err != nil {
				return fmt.Errorf("failed to insert %s: %w", models.Label(r), err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// BulkDelete deletes all records in one transaction.
func (m *Manager) BulkDelete(ctx context.Context, records []models.Record) (int, error) {
	count := 0
	err := m.PerformTransaction(ctx, m.defaultTimeout, func(ctx context.Context, s storage.Store) error {
		for _, r := range records {
			if err := s.Delete(ctx, r); err != nil {
				return fmt.Errorf("failed to delete %s: %w", models.Label(r), err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateFunc changes a record in place. Returning false skips the record.
type UpdateFunc func(models.Record) (bool, error)

// BulkUpdate applies update to every record of kind matching the predicate
// and stages the changed records, all in one transaction.
func (m *Manager) BulkUpdate(ctx context.Context, kind models.Kind, match storage.Predicate, update UpdateFunc) (int, error) {
	count := 0
	err := m.PerformTransaction(ctx, m.defaultTimeout, func(ctx context.Context, s storage.Store) error {
		records, err := s.Fetch(ctx, kind, match)
		if err != nil {
			return fmt.Errorf("failed to fetch %s records: %w", kind, err)
		}
		for _, r := range records {
			changed, err := update(r)
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", models.Label(r), err)
			}
			if !changed {
				continue
			}
			if err := s.Insert(ctx, r); err != nil {
				return fmt.Errorf("failed to store %s: %w", models.Label(r), err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
