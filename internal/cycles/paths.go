package cycles

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/mmynk/splitkeeper/internal/errs"
)

const (
	white = iota // unvisited
	gray         // on the current path
	black        // finished
)

type dfsFrame[ID cmp.Ordered] struct {
	node ID
	succ []ID
	next int
}

// FindCycles returns cycle paths found by a path-tracking DFS. Every back
// edge yields one cycle; duplicates (same cycle, different rotation) are
// reported once, rotated to start at the smallest ID.
//
// Every cyclic SCC yields at least one path. Cycles that share nodes with an
// already reported cycle may be missing; use CyclicComponents for complete
// membership.
func FindCycles[ID cmp.Ordered](g *Graph[ID]) [][]ID {
	color := make(map[ID]int, g.Len())
	pos := make(map[ID]int) // index of a gray node in path
	seen := make(map[string]struct{})
	var (
		path   []ID
		cycles [][]ID
	)

	for _, root := range g.Nodes() {
		if color[root] != white {
			continue
		}
		color[root] = gray
		pos[root] = 0
		path = append(path[:0], root)
		frames := []dfsFrame[ID]{{node: root, succ: g.Neighbors(root)}}

		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			if top.next < len(top.succ) {
				w := top.succ[top.next]
				top.next++
				switch color[w] {
				case white:
					color[w] = gray
					pos[w] = len(path)
					path = append(path, w)
					frames = append(frames, dfsFrame[ID]{node: w, succ: g.Neighbors(w)})
				case gray:
					cycle := canonical(path[pos[w]:])
					key := fmt.Sprint(cycle)
					if _, dup := seen[key]; !dup {
						seen[key] = struct{}{}
						cycles = append(cycles, cycle)
					}
				}
				continue
			}

			color[top.node] = black
			delete(pos, top.node)
			path = path[:len(path)-1]
			frames = frames[:len(frames)-1]
		}
	}
	return cycles
}

// canonical copies cycle rotated to start at its smallest ID.
func canonical[ID cmp.Ordered](cycle []ID) []ID {
	start := 0
	for i, id := range cycle {
		if id < cycle[start] {
			start = i
		}
	}
	out := make([]ID, 0, len(cycle))
	out = append(out, cycle[start:]...)
	return append(out, cycle[:start]...)
}

// ValidateNewRelationship checks that adding from -> to keeps g acyclic. It
// searches breadth-first from to back to from; when a path exists the error
// carries the shortest cycle the edge would close, as
// [from, to, ..., from].
func ValidateNewRelationship[ID cmp.Ordered](g *Graph[ID], from, to ID) error {
	if from == to {
		return errs.CyclicDependency(fmt.Sprint(from), fmt.Sprint(to), []string{fmt.Sprint(from), fmt.Sprint(to)})
	}
	back := shortestPath(g, to, from)
	if back == nil {
		return nil
	}

	path := make([]string, 0, len(back)+1)
	path = append(path, fmt.Sprint(from))
	for _, id := range back {
		path = append(path, fmt.Sprint(id))
	}
	return errs.CyclicDependency(fmt.Sprint(from), fmt.Sprint(to), path)
}

// shortestPath returns the BFS path src..dst inclusive, or nil.
func shortestPath[ID cmp.Ordered](g *Graph[ID], src, dst ID) []ID {
	if !g.HasNode(src) || !g.HasNode(dst) {
		return nil
	}
	parent := map[ID]ID{}
	visited := map[ID]bool{src: true}
	queue := []ID{src}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == dst {
			var path []ID
			for at := dst; at != src; at = parent[at] {
				path = append(path, at)
			}
			path = append(path, src)
			slices.Reverse(path)
			return path
		}
		for _, w := range g.Neighbors(n) {
			if !visited[w] {
				visited[w] = true
				parent[w] = n
				queue = append(queue, w)
			}
		}
	}
	return nil
}
