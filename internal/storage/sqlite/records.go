package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
)

// Fetch returns all records of kind matching the predicate, ordered by ID.
// Reads go through the staging transaction when one is open.
func (s *SQLiteStore) Fetch(ctx context.Context, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fetch(ctx, s.conn(), kind, match)
}

// FetchCommitted reads in a deferred transaction of its own, so staged
// mutations are not visible. WAL mode lets it run beside an open staging
// transaction.
func (s *SQLiteStore) FetchCommitted(ctx context.Context, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("begin read", err)
	}
	defer tx.Rollback()
	return fetch(ctx, tx, kind, match)
}

func fetch(ctx context.Context, q querier, kind models.Kind, match storage.Predicate) ([]models.Record, error) {
	var (
		records []models.Record
		err     error
	)
	switch kind {
	case models.KindPerson:
		records, err = fetchPersons(ctx, q)
	case models.KindSubscription:
		records, err = fetchSubscriptions(ctx, q)
	case models.KindTransaction:
		records, err = fetchTransactions(ctx, q)
	case models.KindGroup:
		records, err = fetchGroups(ctx, q)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if err != nil {
		return nil, errs.Storage("fetch "+kind.String(), err)
	}

	if match == nil {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Insert stages an insert-or-replace of the record. A record with an empty
// ID is given a new UUID.
func (s *SQLiteStore) Insert(ctx context.Context, record models.Record) error {
	if record == nil {
		return fmt.Errorf("record must not be nil")
	}
	models.EnsureID(record)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	switch r := record.(type) {
	case *models.Person:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO persons (id, name, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, created_at = excluded.created_at`,
			r.ID, r.Name, r.CreatedAt,
		)
	case *models.Subscription:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, name, amount, person_id, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, amount = excluded.amount,
			 person_id = excluded.person_id, created_at = excluded.created_at`,
			r.ID, r.Name, r.Amount, nullRef(r.Person), r.CreatedAt,
		)
	case *models.Transaction:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (id, payer_id, payee_id, amount, note, created_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET payer_id = excluded.payer_id, payee_id = excluded.payee_id,
			 amount = excluded.amount, note = excluded.note, created_at = excluded.created_at`,
			r.ID, nullRef(r.Payer), nullRef(r.Payee), r.Amount, r.Note, r.CreatedAt,
		)
	case *models.Group:
		err = insertGroup(ctx, tx, r)
	default:
		return fmt.Errorf("unsupported record type %T", record)
	}
	if err != nil {
		return errs.Storage("insert "+models.Label(record), err)
	}
	return nil
}

// Delete stages removal of the record.
func (s *SQLiteStore) Delete(ctx context.Context, record models.Record) error {
	if record == nil || record.RecordID() == "" {
		return fmt.Errorf("record must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	id := record.RecordID()
	switch record.RecordKind() {
	case models.KindPerson:
		_, err = tx.ExecContext(ctx, "DELETE FROM persons WHERE id = ?", id)
	case models.KindSubscription:
		_, err = tx.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	case models.KindTransaction:
		_, err = tx.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	case models.KindGroup:
		if _, err = tx.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", id); err == nil {
			_, err = tx.ExecContext(ctx, "DELETE FROM groups WHERE id = ?", id)
		}
	default:
		return fmt.Errorf("unknown kind %q", record.RecordKind())
	}
	if err != nil {
		return errs.Storage("delete "+models.Label(record), err)
	}
	return nil
}

func insertGroup(ctx context.Context, tx *sql.Tx, g *models.Group) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, created_at = excluded.created_at`,
		g.ID, g.Name, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}

	// Replace members
	if _, err := tx.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return fmt.Errorf("failed to clear group members: %w", err)
	}
	for i, member := range g.Members {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO group_members (group_id, person_id, position) VALUES (?, ?, ?)",
			g.ID, member, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert group member: %w", err)
		}
	}
	return nil
}

func fetchPersons(ctx context.Context, q querier) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, name, created_at FROM persons ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query persons: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		p := &models.Person{}
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate persons: %w", err)
	}
	return out, nil
}

func fetchSubscriptions(ctx context.Context, q querier) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, name, amount, person_id, created_at FROM subscriptions ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		sub := &models.Subscription{}
		var personID sql.NullString
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Amount, &personID, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Person = refFrom(personID)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return out, nil
}

func fetchTransactions(ctx context.Context, q querier) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, payer_id, payee_id, amount, note, created_at FROM transactions ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		t := &models.Transaction{}
		var payer, payee sql.NullString
		if err := rows.Scan(&t.ID, &payer, &payee, &t.Amount, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Payer = refFrom(payer)
		t.Payee = refFrom(payee)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func fetchGroups(ctx context.Context, q querier) ([]models.Record, error) {
	// Load all members first, keyed by group
	memberRows, err := q.QueryContext(ctx,
		"SELECT group_id, person_id FROM group_members ORDER BY group_id, position",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	members := make(map[string][]string)
	for memberRows.Next() {
		var groupID, personID string
		if err := memberRows.Scan(&groupID, &personID); err != nil {
			memberRows.Close()
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		members[groupID] = append(members[groupID], personID)
	}
	memberRows.Close()
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group members: %w", err)
	}

	rows, err := q.QueryContext(ctx, "SELECT id, name, created_at FROM groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		g := &models.Group{}
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g.Members = members[g.ID]
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return out, nil
}

// nullRef maps NoPerson to SQL NULL.
func nullRef(ref models.PersonRef) any {
	if id, ok := ref.Get(); ok {
		return id
	}
	return nil
}

func refFrom(v sql.NullString) models.PersonRef {
	if !v.Valid {
		return models.NoPerson
	}
	return models.SomePerson(v.String)
}
