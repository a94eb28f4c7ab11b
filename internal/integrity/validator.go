// Package integrity enforces referential integrity between persons and the
// records that reference them.
//
// The store declares no foreign keys of its own, so the Validator is the only
// place references are checked: existence checks before writes, orphan
// detection and cleanup after the fact, and person deletes with an explicit
// cascade rule.
package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
	"github.com/mmynk/splitkeeper/internal/txn"
)

// Validator checks and repairs references in the managed store.
type Validator struct {
	store  storage.Store
	txm    *txn.Manager
	logger *slog.Logger
}

// New creates a Validator over the transaction manager's store. Checks and
// detection read committed records only; mutating operations run as
// transactions of txm.
func New(txm *txn.Manager, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  storage.ReadCommitted(txm.Store()),
		txm:    txm,
		logger: logger.With("component", "integrity"),
	}
}

// ValidateExists returns a NotFound error unless a record of kind with id
// exists.
func (v *Validator) ValidateExists(ctx context.Context, kind models.Kind, id string) error {
	_, err := v.FetchOrFail(ctx, kind, id)
	return err
}

// ValidateAllExist checks every id with a single fetch of kind. The error
// names the first missing ID; all missing IDs are listed under "missing".
func (v *Validator) ValidateAllExist(ctx context.Context, kind models.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	records, err := v.store.Fetch(ctx, kind, storage.ByIDs(ids...))
	if err != nil {
		return fmt.Errorf("failed to fetch %s records: %w", kind, err)
	}
	found := make(map[string]struct{}, len(records))
	for _, r := range records {
		found[r.RecordID()] = struct{}{}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errs.NotFound(kind, missing[0]).With("missing", missing)
}

// FetchOrFail returns the record of kind with id, or a NotFound error.
func (v *Validator) FetchOrFail(ctx context.Context, kind models.Kind, id string) (models.Record, error) {
	records, err := v.store.Fetch(ctx, kind, storage.ByID(id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %q: %w", kind, id, err)
	}
	if len(records) == 0 {
		return nil, errs.NotFound(kind, id)
	}
	return records[0], nil
}

// SelfPaymentPolicy decides how ValidateTransaction treats payer == payee.
type SelfPaymentPolicy int

const (
	// SelfPaymentWarn logs self-payments and accepts them.
	SelfPaymentWarn SelfPaymentPolicy = iota
	// SelfPaymentReject fails with errs.ErrSelfPayment.
	SelfPaymentReject
)

// ValidateTransaction checks a transaction before it is inserted: both payer
// and payee must be present and exist.
func (v *Validator) ValidateTransaction(ctx context.Context, t *models.Transaction, policy SelfPaymentPolicy) error {
	payer, ok := t.Payer.Get()
	if !ok {
		return errs.New(errs.ErrValidationFailed, "transaction %q has no payer", t.ID).With("field", "payer")
	}
	payee, ok := t.Payee.Get()
	if !ok {
		return errs.New(errs.ErrValidationFailed, "transaction %q has no payee", t.ID).With("field", "payee")
	}
	if err := v.ValidateAllExist(ctx, models.KindPerson, []string{payer, payee}); err != nil {
		return err
	}

	if t.IsSelfPayment() {
		if policy == SelfPaymentReject {
			return errs.New(errs.ErrSelfPayment, "transaction %q", t.ID).With("person", payer)
		}
		v.logger.Warn("Self-payment transaction", "transaction", t.ID, "person", payer)
	}
	return nil
}
