package models

// Transaction records that Payer paid Payee, which makes Payee owe Payer.
// In the debt graph it is the edge Payer -> Payee.
type Transaction struct {
	// ID is the unique identifier for the transaction (UUID format).
	ID string

	// Payer is the person who paid. Required.
	Payer PersonRef

	// Payee is the person who received the payment. Required.
	Payee PersonRef

	// Amount is the payment amount in minor currency units.
	Amount int64

	// Note is an optional description.
	Note string

	// CreatedAt is the Unix timestamp when the transaction was recorded.
	CreatedAt int64
}

func (t *Transaction) RecordID() string { return t.ID }
func (t *Transaction) RecordKind() Kind { return KindTransaction }

// IsSelfPayment reports whether payer and payee are the same person.
func (t *Transaction) IsSelfPayment() bool {
	payer, ok := t.Payer.Get()
	return ok && t.Payee.Is(payer)
}
