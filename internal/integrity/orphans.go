package integrity

import (
	"context"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Orphan describes one reference that does not resolve.
type Orphan struct {
	EntityKind     models.Kind `json:"entity_kind"`
	EntityID       string      `json:"entity_id"`
	ReferencedKind models.Kind `json:"referenced_kind"`
	ReferencedID   string      `json:"referenced_id"` // empty for a missing reference
	Field          string      `json:"field"`
}

// OrphanReport lists unresolved references.
type OrphanReport struct {
	Orphans []Orphan `json:"orphans"`
	Total   int      `json:"total"`
}

func (r *OrphanReport) add(o Orphan) {
	r.Orphans = append(r.Orphans, o)
	r.Total++
}

func (r *OrphanReport) merge(other *OrphanReport) {
	r.Orphans = append(r.Orphans, other.Orphans...)
	r.Total += other.Total
}

// entityIDs returns the distinct IDs of orphaned entities, in report order.
func (r *OrphanReport) entityIDs() []string {
	seen := make(map[string]struct{}, len(r.Orphans))
	var ids []string
	for _, o := range r.Orphans {
		if _, ok := seen[o.EntityID]; ok {
			continue
		}
		seen[o.EntityID] = struct{}{}
		ids = append(ids, o.EntityID)
	}
	return ids
}

// DetectOrphanedSubscriptions flags subscriptions whose person does not
// exist. Unassigned subscriptions are not orphans.
func (v *Validator) DetectOrphanedSubscriptions(ctx context.Context) (*OrphanReport, error) {
	personIDs, err := storage.PersonIDs(ctx, v.store)
	if err != nil {
		return nil, fmt.Errorf("failed to collect person IDs: %w", err)
	}
	return orphanedSubscriptions(ctx, v.store, personIDs)
}

// DetectOrphanedTransactions flags transactions whose payer or payee is
// missing or does not exist. A transaction can yield one orphan per field.
func (v *Validator) DetectOrphanedTransactions(ctx context.Context) (*OrphanReport, error) {
	personIDs, err := storage.PersonIDs(ctx, v.store)
	if err != nil {
		return nil, fmt.Errorf("failed to collect person IDs: %w", err)
	}
	return orphanedTransactions(ctx, v.store, personIDs)
}

// DetectOrphanedGroupMembers flags group members that do not exist.
func (v *Validator) DetectOrphanedGroupMembers(ctx context.Context) (*OrphanReport, error) {
	personIDs, err := storage.PersonIDs(ctx, v.store)
	if err != nil {
		return nil, fmt.Errorf("failed to collect person IDs: %w", err)
	}
	return orphanedGroupMembers(ctx, v.store, personIDs)
}

// DetectAllOrphans runs every detector against one scan of the persons.
func (v *Validator) DetectAllOrphans(ctx context.Context) (*OrphanReport, error) {
	return detectAll(ctx, v.store)
}

func detectAll(ctx context.Context, s storage.Store) (*OrphanReport, error) {
	personIDs, err := storage.PersonIDs(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to collect person IDs: %w", err)
	}

	report := &OrphanReport{}
	detectors := []func(context.Context, storage.Store, map[string]struct{}) (*OrphanReport, error){
		orphanedSubscriptions,
		orphanedTransactions,
		orphanedGroupMembers,
	}
	for _, detect := range detectors {
		r, err := detect(ctx, s, personIDs)
		if err != nil {
			return nil, err
		}
		report.merge(r)
	}
	return report, nil
}

func orphanedSubscriptions(ctx context.Context, s storage.Store, personIDs map[string]struct{}) (*OrphanReport, error) {
	subs, err := storage.Subscriptions(ctx, s, storage.All)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}

	report := &OrphanReport{}
	for _, sub := range subs {
		id, ok := sub.Person.Get()
		if !ok {
			continue
		}
		if _, exists := personIDs[id]; !exists {
			report.add(Orphan{
				EntityKind:     models.KindSubscription,
				EntityID:       sub.ID,
				ReferencedKind: models.KindPerson,
				ReferencedID:   id,
				Field:          "person_id",
			})
		}
	}
	return report, nil
}

func orphanedTransactions(ctx context.Context, s storage.Store, personIDs map[string]struct{}) (*OrphanReport, error) {
	txs, err := storage.Transactions(ctx, s, storage.All)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	report := &OrphanReport{}
	for _, t := range txs {
		for _, ref := range []struct {
			field string
			ref   models.PersonRef
		}{
			{"payer_id", t.Payer},
			{"payee_id", t.Payee},
		} {
			id, ok := ref.ref.Get()
			if ok {
				if _, exists := personIDs[id]; exists {
					continue
				}
			}
			report.add(Orphan{
				EntityKind:     models.KindTransaction,
				EntityID:       t.ID,
				ReferencedKind: models.KindPerson,
				ReferencedID:   id,
				Field:          ref.field,
			})
		}
	}
	return report, nil
}

func orphanedGroupMembers(ctx context.Context, s storage.Store, personIDs map[string]struct{}) (*OrphanReport, error) {
	groups, err := storage.Groups(ctx, s, storage.All)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}

	report := &OrphanReport{}
	for _, g := range groups {
		for _, member := range g.Members {
			if _, exists := personIDs[member]; !exists {
				report.add(Orphan{
					EntityKind:     models.KindGroup,
					EntityID:       g.ID,
					ReferencedKind: models.KindPerson,
					ReferencedID:   member,
					Field:          "members",
				})
			}
		}
	}
	return report, nil
}

// CleanupOrphanedSubscriptions deletes every orphaned subscription and
// returns how many were removed. Running it again removes nothing.
func (v *Validator) CleanupOrphanedSubscriptions(ctx context.Context) (int, error) {
	return v.cleanup(ctx, models.KindSubscription, orphanedSubscriptions, func(id string) models.Record {
		return &models.Subscription{ID: id}
	})
}

// CleanupOrphanedTransactions deletes every orphaned transaction and returns
// how many were removed. Running it again removes nothing.
func (v *Validator) CleanupOrphanedTransactions(ctx context.Context) (int, error) {
	return v.cleanup(ctx, models.KindTransaction, orphanedTransactions, func(id string) models.Record {
		return &models.Transaction{ID: id}
	})
}

func (v *Validator) cleanup(
	ctx context.Context,
	kind models.Kind,
	detect func(context.Context, storage.Store, map[string]struct{}) (*OrphanReport, error),
	stub func(id string) models.Record,
) (int, error) {
	removed := 0
	err := v.txm.Run(ctx, func(ctx context.Context, s storage.Store) error {
		personIDs, err := storage.PersonIDs(ctx, s)
		if err != nil {
			return fmt.Errorf("failed to collect person IDs: %w", err)
		}
		report, err := detect(ctx, s, personIDs)
		if err != nil {
			return err
		}
		for _, id := range report.entityIDs() {
			if err := s.Delete(ctx, stub(id)); err != nil {
				return fmt.Errorf("failed to delete orphaned %s %q: %w", kind, id, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		v.logger.Info("Removed orphaned records", "kind", kind, "count", removed)
	}
	return removed, nil
}

// CleanupOrphanedGroupMembers removes members that do not exist from every
// group and returns how many memberships were removed.
func (v *Validator) CleanupOrphanedGroupMembers(ctx context.Context) (int, error) {
	removed := 0
	err := v.txm.Run(ctx, func(ctx context.Context, s storage.Store) error {
		personIDs, err := storage.PersonIDs(ctx, s)
		if err != nil {
			return fmt.Errorf("failed to collect person IDs: %w", err)
		}
		groups, err := storage.Groups(ctx, s, storage.All)
		if err != nil {
			return fmt.Errorf("failed to fetch groups: %w", err)
		}
		for _, g := range groups {
			kept := g.Members[:0:0]
			for _, member := range g.Members {
				if _, ok := personIDs[member]; ok {
					kept = append(kept, member)
				}
			}
			if len(kept) == len(g.Members) {
				continue
			}
			removed += len(g.Members) - len(kept)
			g.Members = kept
			if err := s.Insert(ctx, g); err != nil {
				return fmt.Errorf("failed to update group %q: %w", g.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		v.logger.Info("Removed orphaned group members", "count", removed)
	}
	return removed, nil
}
