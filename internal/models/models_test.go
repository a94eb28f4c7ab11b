package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersonRef(t *testing.T) {
	id, ok := NoPerson.Get()
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.True(t, NoPerson.IsNone())
	assert.False(t, NoPerson.Is(""))
	assert.Equal(t, "none", NoPerson.String())
	assert.Equal(t, NoPerson, SomePerson(""))

	ref := SomePerson("p1")
	id, ok = ref.Get()
	assert.True(t, ok)
	assert.Equal(t, "p1", id)
	assert.True(t, ref.Is("p1"))
	assert.False(t, ref.Is("p2"))
	assert.Equal(t, "p1", ref.String())
}

func TestTransactionIsSelfPayment(t *testing.T) {
	tests := []struct {
		name  string
		payer PersonRef
		payee PersonRef
		want  bool
	}{
		{"same person", SomePerson("a"), SomePerson("a"), true},
		{"different people", SomePerson("a"), SomePerson("b"), false},
		{"both missing", NoPerson, NoPerson, false},
		{"payee missing", SomePerson("a"), NoPerson, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{ID: "t", Payer: tt.payer, Payee: tt.payee}
			assert.Equal(t, tt.want, tx.IsSelfPayment())
		})
	}
}

func TestGroupMembers(t *testing.T) {
	g := &Group{ID: "g1", Name: "Flat", Members: []string{"a", "b", "a", "c"}}

	assert.True(t, g.HasMember("b"))
	assert.False(t, g.HasMember("z"))

	out := g.WithoutMember("a")
	assert.Equal(t, []string{"b", "c"}, out.Members)
	assert.Equal(t, []string{"a", "b", "a", "c"}, g.Members, "original must not change")
	assert.Equal(t, "Flat", out.Name)
}

func TestKinds(t *testing.T) {
	for _, k := range AllKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("invoice").Valid())
	assert.Equal(t, "person:p1", Label(&Person{ID: "p1"}))
	assert.Equal(t, "p1", (&Person{ID: "p1"}).DisplayName())
	assert.Equal(t, "Ann", (&Person{ID: "p1", Name: "Ann"}).DisplayName())
}

func TestEnsureID(t *testing.T) {
	p := &Person{Name: "Ann"}
	assert.True(t, EnsureID(p))
	assert.Len(t, p.ID, 36)

	id := p.ID
	assert.False(t, EnsureID(p))
	assert.Equal(t, id, p.ID)

	g := &Group{}
	EnsureID(g)
	assert.NotEqual(t, id, g.ID)
}
