// Package models defines the records the consistency layer validates.
//
// # Records
//
// The core does not own business logic for these types; it only checks the
// relationships between them:
//   - Person: referenced by subscriptions, transactions and groups
//   - Subscription: optionally owned by one Person
//   - Transaction: a debt edge from a payer Person to a payee Person
//   - Group: a named set of Person IDs
//
// # Design Principles
//
// 1. **IDs, not pointers**: relationships are stored as ID strings so the
// records can be persisted and validated independently.
// 2. **Explicit absence**: optional person references use PersonRef instead of
// an empty string, so "no person" is a value and not a convention.
// 3. **Generic storage**: every type implements Record, which is all the
// storage layer needs to fetch, insert and delete it.
package models
