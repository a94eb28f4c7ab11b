package models

// Person is someone who pays, gets paid, or owns a subscription.
type Person struct {
	// ID is the unique identifier for the person (UUID format).
	ID string

	// Name is the display name used in cycle reports.
	Name string

	// CreatedAt is the Unix timestamp when the person was created.
	CreatedAt int64
}

func (p *Person) RecordID() string { return p.ID }
func (p *Person) RecordKind() Kind { return KindPerson }

// DisplayName returns the name, or the ID when the name is empty.
func (p *Person) DisplayName() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}
