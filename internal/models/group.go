package models

// Group represents a reusable set of people who share expenses.
type Group struct {
	// ID is the unique identifier for the group (UUID format).
	ID string

	// Name is the display name of the group (e.g., "Roommates", "Work Lunch").
	Name string

	// Members is the list of person IDs in this group.
	// Each entry is a foreign key to Person.
	Members []string

	// CreatedAt is the Unix timestamp when the group was created.
	CreatedAt int64
}

func (g *Group) RecordID() string { return g.ID }
func (g *Group) RecordKind() Kind { return KindGroup }

// HasMember reports whether personID is in the group.
func (g *Group) HasMember(personID string) bool {
	for _, m := range g.Members {
		if m == personID {
			return true
		}
	}
	return false
}

// WithoutMember returns a copy of the group with personID removed.
func (g *Group) WithoutMember(personID string) *Group {
	out := &Group{ID: g.ID, Name: g.Name, CreatedAt: g.CreatedAt}
	for _, m := range g.Members {
		if m != personID {
			out.Members = append(out.Members, m)
		}
	}
	return out
}
