package cycles

import (
	"cmp"
	"slices"
)

type tarjanFrame[ID cmp.Ordered] struct {
	node ID
	succ []ID
	next int
}

// StronglyConnectedComponents returns the SCCs of g using Tarjan's
// algorithm with an explicit call stack. Members of each component are
// sorted; components appear in the order their roots complete.
func StronglyConnectedComponents[ID cmp.Ordered](g *Graph[ID]) [][]ID {
	var (
		counter    int
		index      = make(map[ID]int, g.Len())
		lowlink    = make(map[ID]int, g.Len())
		onStack    = make(map[ID]bool, g.Len())
		stack      []ID
		components [][]ID
	)

	visit := func(n ID) tarjanFrame[ID] {
		index[n] = counter
		lowlink[n] = counter
		counter++
		stack = append(stack, n)
		onStack[n] = true
		return tarjanFrame[ID]{node: n, succ: g.Neighbors(n)}
	}

	for _, root := range g.Nodes() {
		if _, seen := index[root]; seen {
			continue
		}
		frames := []tarjanFrame[ID]{visit(root)}

		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			if top.next < len(top.succ) {
				w := top.succ[top.next]
				top.next++
				if _, seen := index[w]; !seen {
					frames = append(frames, visit(w))
				} else if onStack[w] {
					lowlink[top.node] = min(lowlink[top.node], index[w])
				}
				continue
			}

			v := top.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				lowlink[parent] = min(lowlink[parent], lowlink[v])
			}

			if lowlink[v] != index[v] {
				continue
			}
			var component []ID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			slices.Sort(component)
			components = append(components, component)
		}
	}
	return components
}

// CyclicComponents returns the SCCs that contain a cycle: more than one
// member, or a single node with a self-loop.
func CyclicComponents[ID cmp.Ordered](g *Graph[ID]) [][]ID {
	var out [][]ID
	for _, c := range StronglyConnectedComponents(g) {
		if len(c) > 1 || g.HasEdge(c[0], c[0]) {
			out = append(out, c)
		}
	}
	return out
}

// HasCycle reports whether g contains any cycle.
func HasCycle[ID cmp.Ordered](g *Graph[ID]) bool {
	return len(CyclicComponents(g)) > 0
}
