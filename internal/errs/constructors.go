package errs

import "fmt"

// NotFound reports that no record of kind with id exists.
func NotFound(kind fmt.Stringer, id string) *Error {
	return New(ErrNotFound, "%s %q", kind, id).With("kind", kind.String()).With("id", id)
}

// ReferencesExist reports that count records still reference the entity.
func ReferencesExist(count int) *Error {
	return New(ErrReferencesExist, "%d records still reference this entity", count).With("count", count)
}

// CyclicDependency reports that adding from -> to would close path into a cycle.
func CyclicDependency(from, to string, path []string) *Error {
	return New(ErrCyclicDependency, "edge %s -> %s would create a cycle", from, to).
		With("from", from).With("to", to).With("path", path)
}

// InfiniteRecursion reports that a guarded traversal went past depth.
func InfiniteRecursion(depth int) *Error {
	return New(ErrInfiniteRecursion, "depth %d exceeded", depth).With("depth", depth)
}

// Storage wraps a failure of the underlying store.
func Storage(op string, cause error) *Error {
	return Wrap(ErrStorage, cause, "%s", op).With("op", op)
}

// CommitFailed wraps a failed commit.
func CommitFailed(cause error) *Error {
	return Wrap(ErrCommitFailed, cause, "%v", cause)
}

// UnsupportedMigration reports a missing step handler.
func UnsupportedMigration(from, to, missing int) *Error {
	return New(ErrUnsupportedMigration, "no step registered for version %d (path %d -> %d)", missing, from, to).
		With("from", from).With("to", to).With("missing", missing)
}
