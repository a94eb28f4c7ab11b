package integrity

import (
	"context"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// CascadeRule selects what DeletePerson does with records that reference the
// person.
type CascadeRule int

const (
	// Restrict refuses the delete while any record references the person.
	Restrict CascadeRule = iota
	// Cascade deletes referencing subscriptions and transactions and removes
	// the person from groups.
	Cascade
	// SetNull is not supported: payer and payee are required references.
	SetNull
	// Ignore deletes the person and leaves orphans behind. Admin use only.
	Ignore
)

func (r CascadeRule) String() string {
	switch r {
	case Restrict:
		return "restrict"
	case Cascade:
		return "cascade"
	case SetNull:
		return "set_null"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("CascadeRule(%d)", int(r))
	}
}

// ParseCascadeRule parses the String form of a rule.
func ParseCascadeRule(s string) (CascadeRule, error) {
	for _, r := range []CascadeRule{Restrict, Cascade, SetNull, Ignore} {
		if r.String() == s {
			return r, nil
		}
	}
	return Restrict, fmt.Errorf("unknown cascade rule %q", s)
}

// DeleteResult reports what DeletePerson removed.
type DeleteResult struct {
	PersonID             string      `json:"person_id"`
	Rule                 CascadeRule `json:"-"`
	SubscriptionsDeleted int         `json:"subscriptions_deleted"`
	TransactionsDeleted  int         `json:"transactions_deleted"`
	GroupsUpdated        int         `json:"groups_updated"`
}

// references holds the records pointing at one person.
type references struct {
	subscriptions []*models.Subscription
	transactions  []*models.Transaction
	groups        []*models.Group
}

func (r *references) count() int {
	return len(r.subscriptions) + len(r.transactions) + len(r.groups)
}

func findReferences(ctx context.Context, s storage.Store, personID string) (*references, error) {
	subs, err := storage.Subscriptions(ctx, s, func(r models.Record) bool {
		return r.(*models.Subscription).Person.Is(personID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	txs, err := storage.Transactions(ctx, s, func(r models.Record) bool {
		t := r.(*models.Transaction)
		return t.Payer.Is(personID) || t.Payee.Is(personID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	groups, err := storage.Groups(ctx, s, func(r models.Record) bool {
		return r.(*models.Group).HasMember(personID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}
	return &references{subscriptions: subs, transactions: txs, groups: groups}, nil
}

// DeletePerson deletes the person with id under rule. Every rule runs as one
// transaction: either all of its deletes are committed or none are.
func (v *Validator) DeletePerson(ctx context.Context, id string, rule CascadeRule) (*DeleteResult, error) {
	if rule == SetNull {
		return nil, errs.New(errs.ErrCascadeDeleteFailed, "set-null is not supported, person references are required").
			With("rule", rule.String())
	}

	result := &DeleteResult{PersonID: id, Rule: rule}
	err := v.txm.Run(ctx, func(ctx context.Context, s storage.Store) error {
		records, err := s.Fetch(ctx, models.KindPerson, storage.ByID(id))
		if err != nil {
			return fmt.Errorf("failed to fetch person: %w", err)
		}
		if len(records) == 0 {
			return errs.NotFound(models.KindPerson, id)
		}
		person := records[0]

		switch rule {
		case Restrict:
			refs, err := findReferences(ctx, s, id)
			if err != nil {
				return err
			}
			if n := refs.count(); n > 0 {
				return errs.ReferencesExist(n).
					With("subscriptions", len(refs.subscriptions)).
					With("transactions", len(refs.transactions)).
					With("groups", len(refs.groups))
			}
		case Cascade:
			if err := cascade(ctx, s, id, result); err != nil {
				return err
			}
		case Ignore:
			v.logger.Warn("Deleting person without checking references", "person", id)
		default:
			return fmt.Errorf("unknown cascade rule %v", rule)
		}

		if err := s.Delete(ctx, person); err != nil {
			return fmt.Errorf("failed to delete person: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info("Deleted person",
		"person", id,
		"rule", rule.String(),
		"subscriptions", result.SubscriptionsDeleted,
		"transactions", result.TransactionsDeleted,
		"groups", result.GroupsUpdated,
	)
	return result, nil
}

func cascade(ctx context.Context, s storage.Store, personID string, result *DeleteResult) error {
	refs, err := findReferences(ctx, s, personID)
	if err != nil {
		return err
	}
	for _, sub := range refs.subscriptions {
		if err := s.Delete(ctx, sub); err != nil {
			return fmt.Errorf("failed to delete subscription %q: %w", sub.ID, err)
		}
		result.SubscriptionsDeleted++
	}
	for _, t := range refs.transactions {
		if err := s.Delete(ctx, t); err != nil {
			return fmt.Errorf("failed to delete transaction %q: %w", t.ID, err)
		}
		result.TransactionsDeleted++
	}
	for _, g := range refs.groups {
		if err := s.Insert(ctx, g.WithoutMember(personID)); err != nil {
			return fmt.Errorf("failed to update group %q: %w", g.ID, err)
		}
		result.GroupsUpdated++
	}
	return nil
}
