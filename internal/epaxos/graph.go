package epaxos

import (
	"sort"

	"github.com/emirpasic/gods/stacks/arraystack"
)

// depGraph is the dependency graph over committed-but-unexecuted instances.
// An edge v -> w means v depends on w, so w has to execute first. Vertices may
// exist for instances that are not committed yet (a committed instance naming
// them as a dependency); such vertices block everything that reaches them.
//
// Every traversal iterates vertices and edges in (Leader, Number) order. That
// is the whole trick behind replicas agreeing on the execution order.
type depGraph struct {
	vertices map[Instance]bool
	out      map[Instance]*InstanceSet
}

func newDepGraph() *depGraph {
	return &depGraph{
		vertices: make(map[Instance]bool),
		out:      make(map[Instance]*InstanceSet),
	}
}

func (g *depGraph) addVertex(v Instance) {
	if !g.vertices[v] {
		g.vertices[v] = true
		g.out[v] = NewInstanceSet()
	}
}

func (g *depGraph) addEdge(from, to Instance) {
	g.addVertex(from)
	g.addVertex(to)
	g.out[from].Add(to)
}

func (g *depGraph) removeVertex(v Instance) {
	delete(g.vertices, v)
	delete(g.out, v)
}

func (g *depGraph) size() int {
	return len(g.vertices)
}

func (g *depGraph) sortedVertices() []Instance {
	out := make([]Instance, 0, len(g.vertices))
	for v := range g.vertices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return CompareInstances(out[i], out[j]) < 0
	})
	return out
}

// neighbors calls fn for every edge target of v that is still in the graph,
// in instance order. Targets already removed (executed) are skipped.
func (g *depGraph) neighbors(v Instance, fn func(Instance)) {
	set, ok := g.out[v]
	if !ok {
		return
	}
	set.Each(func(w Instance) {
		if g.vertices[w] {
			fn(w)
		}
	})
}

// eligible returns the set of vertices from which every reachable vertex is
// committed. It works backwards: vertices that are not committed block, and
// anything that can reach a blocked vertex is ineligible.
func (g *depGraph) eligible(committed map[Instance]CommandTriple) map[Instance]bool {
	rev := make(map[Instance][]Instance)
	var blocked []Instance
	for _, v := range g.sortedVertices() {
		if _, ok := committed[v]; !ok {
			blocked = append(blocked, v)
		}
		g.neighbors(v, func(w Instance) {
			rev[w] = append(rev[w], v)
		})
	}

	ineligible := make(map[Instance]bool)
	queue := blocked
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if ineligible[v] {
			continue
		}
		ineligible[v] = true
		queue = append(queue, rev[v]...)
	}

	out := make(map[Instance]bool)
	for v := range g.vertices {
		if _, ok := committed[v]; ok && !ineligible[v] {
			out[v] = true
		}
	}
	return out
}

// tarjanState carries the bookkeeping of one SCC computation.
type tarjanState struct {
	g        *depGraph
	eligible map[Instance]bool

	index   int
	indices map[Instance]int
	lowlink map[Instance]int
	onStack map[Instance]bool
	stack   *arraystack.Stack

	components [][]Instance
}

// stronglyConnected returns the strongly connected components of the graph
// restricted to the eligible vertices. Edges out of the eligible set cannot
// exist: a vertex reaching an ineligible one is itself ineligible.
func (g *depGraph) stronglyConnected(eligible map[Instance]bool) [][]Instance {
	st := &tarjanState{
		g:        g,
		eligible: eligible,
		indices:  make(map[Instance]int),
		lowlink:  make(map[Instance]int),
		onStack:  make(map[Instance]bool),
		stack:    arraystack.New(),
	}
	for _, v := range g.sortedVertices() {
		if !eligible[v] {
			continue
		}
		if _, visited := st.indices[v]; !visited {
			st.strongconnect(v)
		}
	}
	return st.components
}

func (st *tarjanState) strongconnect(v Instance) {
	st.indices[v] = st.index
	st.lowlink[v] = st.index
	st.index++
	st.stack.Push(v)
	st.onStack[v] = true

	st.g.neighbors(v, func(w Instance) {
		if !st.eligible[w] {
			return
		}
		if _, visited := st.indices[w]; !visited {
			st.strongconnect(w)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] {
			if st.indices[w] < st.lowlink[v] {
				st.lowlink[v] = st.indices[w]
			}
		}
	})

	if st.lowlink[v] == st.indices[v] {
		var component []Instance
		for {
			value, _ := st.stack.Pop()
			w := value.(Instance)
			st.onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		st.components = append(st.components, component)
	}
}

// condensationOrder topologically sorts the reversed condensation of the
// eligible subgraph, so components holding dependencies come before the
// components that depend on them. Ties are broken by each component's
// smallest member instance, keeping the order identical across replicas.
// Returns false if the sort detects a cycle, which cannot happen on a
// condensation unless the graph code is broken.
func (g *depGraph) condensationOrder(eligible map[Instance]bool, components [][]Instance) ([][]Instance, bool) {
	compOf := make(map[Instance]int)
	for idx, component := range components {
		for _, v := range component {
			compOf[v] = idx
		}
	}

	// Reversed condensation: an edge v -> w (v depends on w) becomes
	// comp(w) -> comp(v).
	succ := make(map[int]map[int]bool)
	indegree := make([]int, len(components))
	for _, component := range components {
		for _, v := range component {
			g.neighbors(v, func(w Instance) {
				if !eligible[w] || compOf[v] == compOf[w] {
					return
				}
				from, to := compOf[w], compOf[v]
				if succ[from] == nil {
					succ[from] = make(map[int]bool)
				}
				if !succ[from][to] {
					succ[from][to] = true
					indegree[to]++
				}
			})
		}
	}

	minMember := make([]Instance, len(components))
	for idx, component := range components {
		min := component[0]
		for _, v := range component[1:] {
			if CompareInstances(v, min) < 0 {
				min = v
			}
		}
		minMember[idx] = min
	}

	var ready []int
	for idx := range components {
		if indegree[idx] == 0 {
			ready = append(ready, idx)
		}
	}

	ordered := make([][]Instance, 0, len(components))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return CompareInstances(minMember[ready[i]], minMember[ready[j]]) < 0
		})
		idx := ready[0]
		ready = ready[1:]
		ordered = append(ordered, components[idx])
		for to := range succ[idx] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	return ordered, len(ordered) == len(components)
}
