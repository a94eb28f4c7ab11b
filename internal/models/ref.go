package models

// PersonRef is an optional reference to a Person.
// The zero value is NoPerson.
type PersonRef struct {
	id string
}

// NoPerson is the absent reference.
var NoPerson = PersonRef{}

// SomePerson returns a reference to the person with the given ID.
// An empty id yields NoPerson.
func SomePerson(id string) PersonRef {
	return PersonRef{id: id}
}

// Get returns the referenced ID and whether the reference is present.
func (r PersonRef) Get() (string, bool) {
	return r.id, r.id != ""
}

// ID returns the referenced ID, or "" for NoPerson.
func (r PersonRef) ID() string {
	return r.id
}

// IsNone reports whether the reference is absent.
func (r PersonRef) IsNone() bool {
	return r.id == ""
}

// Is reports whether the reference points at id.
func (r PersonRef) Is(id string) bool {
	return r.id != "" && r.id == id
}

func (r PersonRef) String() string {
	if r.id == "" {
		return "none"
	}
	return r.id
}
