package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mmynk/splitkeeper/internal/models"
)

// snapshotDoc is the on-disk form of a memory store snapshot.
type snapshotDoc struct {
	Persons       []personDoc       `json:"persons"`
	Subscriptions []subscriptionDoc `json:"subscriptions"`
	Transactions  []transactionDoc  `json:"transactions"`
	Groups        []groupDoc        `json:"groups"`
	Settings      map[string][]byte `json:"settings,omitempty"`
}

type personDoc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type subscriptionDoc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Amount    int64  `json:"amount"`
	PersonID  string `json:"person_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type transactionDoc struct {
	ID        string `json:"id"`
	PayerID   string `json:"payer_id,omitempty"`
	PayeeID   string `json:"payee_id,omitempty"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type groupDoc struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"created_at"`
}

// Snapshot writes the committed contents (staged mutations excluded) to path
// as JSON. The read lock is held for the whole copy, so a concurrent Save
// cannot interleave with it.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	doc := snapshotDoc{Settings: make(map[string][]byte, len(s.settings))}
	for _, r := range s.committed[models.KindPerson] {
		p := r.(*models.Person)
		doc.Persons = append(doc.Persons, personDoc{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt})
	}
	for _, r := range s.committed[models.KindSubscription] {
		sub := r.(*models.Subscription)
		doc.Subscriptions = append(doc.Subscriptions, subscriptionDoc{
			ID: sub.ID, Name: sub.Name, Amount: sub.Amount, PersonID: sub.Person.ID(), CreatedAt: sub.CreatedAt,
		})
	}
	for _, r := range s.committed[models.KindTransaction] {
		t := r.(*models.Transaction)
		doc.Transactions = append(doc.Transactions, transactionDoc{
			ID: t.ID, PayerID: t.Payer.ID(), PayeeID: t.Payee.ID(), Amount: t.Amount, Note: t.Note, CreatedAt: t.CreatedAt,
		})
	}
	for _, r := range s.committed[models.KindGroup] {
		g := r.(*models.Group)
		doc.Groups = append(doc.Groups, groupDoc{
			ID: g.ID, Name: g.Name, Members: append([]string(nil), g.Members...), CreatedAt: g.CreatedAt,
		})
	}
	for k, v := range s.settings {
		doc.Settings[k] = append([]byte(nil), v...)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Restore replaces the store contents with a snapshot written by Snapshot.
// Staged mutations and savepoints are discarded.
func (s *Store) Restore(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for _, p := range doc.Persons {
		s.committed[models.KindPerson][p.ID] = &models.Person{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt}
	}
	for _, sub := range doc.Subscriptions {
		s.committed[models.KindSubscription][sub.ID] = &models.Subscription{
			ID: sub.ID, Name: sub.Name, Amount: sub.Amount, Person: models.SomePerson(sub.PersonID), CreatedAt: sub.CreatedAt,
		}
	}
	for _, t := range doc.Transactions {
		s.committed[models.KindTransaction][t.ID] = &models.Transaction{
			ID: t.ID, Payer: models.SomePerson(t.PayerID), Payee: models.SomePerson(t.PayeeID),
			Amount: t.Amount, Note: t.Note, CreatedAt: t.CreatedAt,
		}
	}
	for _, g := range doc.Groups {
		s.committed[models.KindGroup][g.ID] = &models.Group{ID: g.ID, Name: g.Name, Members: g.Members, CreatedAt: g.CreatedAt}
	}
	s.settings = make(map[string][]byte, len(doc.Settings))
	for k, v := range doc.Settings {
		s.settings[k] = v
	}
	return nil
}
