package models

// Subscription is a recurring charge, optionally attributed to a person.
type Subscription struct {
	// ID is the unique identifier for the subscription (UUID format).
	ID string

	// Name is the service name (e.g., "Netflix").
	Name string

	// Amount is the recurring charge in minor currency units.
	Amount int64

	// Person is the owner. NoPerson means the subscription is unassigned,
	// which is valid; a present reference must resolve to a Person.
	Person PersonRef

	// CreatedAt is the Unix timestamp when the subscription was created.
	CreatedAt int64
}

func (s *Subscription) RecordID() string { return s.ID }
func (s *Subscription) RecordKind() Kind { return KindSubscription }
