package cycles

import (
	"cmp"

	"github.com/mmynk/splitkeeper/internal/errs"
)

// DefaultRecursionLimit is the depth SafeRecursiveOperation allows when the
// caller passes a non-positive limit.
const DefaultRecursionLimit = 100

// RecursionGuard counts the depth of a recursive traversal and fails once it
// exceeds a limit. A guard belongs to one traversal and is not safe for
// concurrent use.
type RecursionGuard struct {
	max   int
	depth int
}

// NewRecursionGuard returns a guard allowing max nested levels.
func NewRecursionGuard(max int) *RecursionGuard {
	if max <= 0 {
		max = DefaultRecursionLimit
	}
	return &RecursionGuard{max: max}
}

// Depth returns the current nesting depth.
func (g *RecursionGuard) Depth() int {
	return g.depth
}

// Recurse runs f one level deeper. It fails with errs.ErrInfiniteRecursion
// instead of calling f when that level would exceed the limit.
func (g *RecursionGuard) Recurse(f func() error) error {
	if g.depth >= g.max {
		return errs.InfiniteRecursion(g.depth + 1).With("limit", g.max)
	}
	g.depth++
	defer func() { g.depth-- }()
	return f()
}

// SafeRecursiveOperation runs op at depth 1 of a fresh guard. op passes the
// guard to every nested call and wraps each level in Recurse.
func SafeRecursiveOperation(maxDepth int, op func(g *RecursionGuard) error) error {
	g := NewRecursionGuard(maxDepth)
	return g.Recurse(func() error { return op(g) })
}

// Reachable returns every node reachable from start, excluding start itself,
// in discovery order. The walk is recursive and bounded by limit levels.
func Reachable[ID cmp.Ordered](g *Graph[ID], start ID, limit int) ([]ID, error) {
	visited := map[ID]bool{start: true}
	var out []ID

	var walk func(guard *RecursionGuard, n ID) error
	walk = func(guard *RecursionGuard, n ID) error {
		for _, w := range g.Neighbors(n) {
			if visited[w] {
				continue
			}
			visited[w] = true
			out = append(out, w)
			if err := guard.Recurse(func() error { return walk(guard, w) }); err != nil {
				return err
			}
		}
		return nil
	}

	err := SafeRecursiveOperation(limit, func(guard *RecursionGuard) error {
		return walk(guard, start)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
