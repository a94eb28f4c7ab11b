// Package errs defines the error taxonomy of the consistency layer.
//
// Every failure the core reports carries a Code, a sentinel error naming the
// exact condition (ErrNotFound, ErrCyclicDependency, ...). Each code belongs to
// one Kind, which callers use to decide how to react:
//
//	NotFound             referenced entity ID does not exist
//	IntegrityViolation   orphan, blocked cascade, or cycle-closing edge
//	StateConflict        transaction / migration state machine refused the call
//	Timeout              a bounded operation exceeded its deadline
//	StorageFailure       the underlying store failed; wraps the cause
//	UnsupportedOperation setNull cascade, missing migration step or inverse
//
// Use errors.Is(err, errs.ErrX) to test for a code and KindOf(err) to classify.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies errors for handling purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindIntegrityViolation
	KindStateConflict
	KindTimeout
	KindStorageFailure
	KindUnsupportedOperation
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIntegrityViolation:
		return "integrity_violation"
	case KindStateConflict:
		return "state_conflict"
	case KindTimeout:
		return "timeout"
	case KindStorageFailure:
		return "storage_failure"
	case KindUnsupportedOperation:
		return "unsupported_operation"
	default:
		return "unknown"
	}
}

// Error codes. Compare with errors.Is.
var (
	ErrNotFound = errors.New("entity not found")

	ErrOrphanDetected    = errors.New("orphaned record detected")
	ErrReferencesExist   = errors.New("references exist")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrSelfPayment       = errors.New("payer and payee are the same person")
	ErrValidationFailed  = errors.New("validation failed")
	ErrInfiniteRecursion = errors.New("infinite recursion detected")

	ErrTransactionResolved = errors.New("transaction already resolved")
	ErrAlreadyInProgress   = errors.New("transaction already in progress")
	ErrNoTransaction       = errors.New("no transaction in progress")
	ErrNestedLimit         = errors.New("nested transaction limit reached")
	ErrSavepointNotFound   = errors.New("savepoint not found")
	ErrMigrationRunning    = errors.New("migration already running")
	ErrDowngrade           = errors.New("stored schema version is newer than this build")

	ErrTimeout = errors.New("operation timed out")

	ErrCommitFailed = errors.New("commit failed")
	ErrStorage      = errors.New("storage failure")
	ErrBackupFailed = errors.New("backup failed")

	ErrCascadeDeleteFailed  = errors.New("cascade delete failed")
	ErrUnsupportedMigration = errors.New("unsupported migration")
	ErrRollbackFailed       = errors.New("rollback failed")
)

var kinds = map[error]Kind{
	ErrNotFound: KindNotFound,

	ErrOrphanDetected:    KindIntegrityViolation,
	ErrReferencesExist:   KindIntegrityViolation,
	ErrCyclicDependency:  KindIntegrityViolation,
	ErrSelfPayment:       KindIntegrityViolation,
	ErrValidationFailed:  KindIntegrityViolation,
	ErrInfiniteRecursion: KindIntegrityViolation,

	ErrTransactionResolved: KindStateConflict,
	ErrAlreadyInProgress:   KindStateConflict,
	ErrNoTransaction:       KindStateConflict,
	ErrNestedLimit:         KindStateConflict,
	ErrSavepointNotFound:   KindStateConflict,
	ErrMigrationRunning:    KindStateConflict,
	ErrDowngrade:           KindStateConflict,

	ErrTimeout: KindTimeout,

	ErrCommitFailed: KindStorageFailure,
	ErrStorage:      KindStorageFailure,
	ErrBackupFailed: KindStorageFailure,

	ErrCascadeDeleteFailed:  KindUnsupportedOperation,
	ErrUnsupportedMigration: KindUnsupportedOperation,
	ErrRollbackFailed:       KindUnsupportedOperation,
}

// Error is a classified consistency-layer error.
type Error struct {
	Code    error          // Error code (to be used for equal checks)
	Detail  string         // Details of this error
	Details map[string]any // Structured values, e.g. "kind", "id", "count"
	Err     error          // Underlying cause, if any
}

// Error returns a human-readable string representation of this error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error code, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	return e.Code == target
}

// Kind returns the classification of the error code.
func (e *Error) Kind() Kind {
	return kinds[e.Code]
}

// New creates an error with the given code and formatted detail.
func New(code error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code wrapping cause.
func Wrap(code error, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Err: cause}
}

// With returns the error with a structured detail attached.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf classifies err. Context deadline errors count as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// DetailOf returns a structured detail value from the first *Error in the chain.
func DetailOf(err error, key string) (any, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// Is* helpers mirror KindOf for call sites that only care about one kind.

func IsNotFound(err error) bool           { return KindOf(err) == KindNotFound }
func IsIntegrityViolation(err error) bool { return KindOf(err) == KindIntegrityViolation }
func IsStateConflict(err error) bool      { return KindOf(err) == KindStateConflict }
func IsTimeout(err error) bool            { return KindOf(err) == KindTimeout }
func IsStorageFailure(err error) bool     { return KindOf(err) == KindStorageFailure }
func IsUnsupported(err error) bool        { return KindOf(err) == KindUnsupportedOperation }
