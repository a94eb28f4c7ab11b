package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies a record type in the entity store.
type Kind string

const (
	KindPerson       Kind = "person"
	KindSubscription Kind = "subscription"
	KindTransaction  Kind = "transaction"
	KindGroup        Kind = "group"
)

// AllKinds lists every kind the store persists, in dependency order
// (referenced kinds before the kinds that reference them).
var AllKinds = []Kind{KindPerson, KindGroup, KindSubscription, KindTransaction}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPerson, KindSubscription, KindTransaction, KindGroup:
		return true
	}
	return false
}

// Record is implemented by every persisted entity.
type Record interface {
	// RecordID returns the stable unique identifier (UUID format).
	RecordID() string

	// RecordKind returns the kind used to route the record in storage.
	RecordKind() Kind
}

// Label returns "kind:id" for log messages.
func Label(r Record) string {
	return fmt.Sprintf("%s:%s", r.RecordKind(), r.RecordID())
}

func (k Kind) String() string {
	return string(k)
}

// EnsureID gives r a new UUID if its ID is empty and reports whether it did.
func EnsureID(r Record) bool {
	var id *string
	switch v := r.(type) {
	case *Person:
		id = &v.ID
	case *Subscription:
		id = &v.ID
	case *Transaction:
		id = &v.ID
	case *Group:
		id = &v.ID
	default:
		return false
	}
	if *id != "" {
		return false
	}
	*id = uuid.New().String()
	return true
}
