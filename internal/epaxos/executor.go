package epaxos

import (
	"sort"

	"epaxos/internal/epaxos/metrics"
)

// Executor linearises committed instances into a deterministic apply stream.
// It accepts (instance, seq, deps) triples as they commit, holds them in the
// dependency graph until everything they can reach is committed too, and then
// emits whole strongly connected components in dependency order, ordering the
// members of a component by (seq, instance).
//
// The executor is owned by the replica and called only from the event loop.
type Executor struct {
	logger  Logger
	metrics *metrics.Metrics

	graph     *depGraph
	committed map[Instance]CommandTriple
	executed  map[Instance]bool

	// onEmit applies one instance; the replica wires this to the state
	// machine, client table and reply path
	onEmit func(Instance, CommandTriple)

	fatalf func(format string, args ...interface{})
}

func newExecutor(logger Logger, m *metrics.Metrics, onEmit func(Instance, CommandTriple), fatalf func(string, ...interface{})) *Executor {
	return &Executor{
		logger:    logger,
		metrics:   m,
		graph:     newDepGraph(),
		committed: make(map[Instance]CommandTriple),
		executed:  make(map[Instance]bool),
		onEmit:    onEmit,
		fatalf:    fatalf,
	}
}

// Commit feeds one committed instance into the graph and returns the
// instances that became executable, in execution order. Re-commits of known
// or already-executed instances are no-ops.
func (e *Executor) Commit(key Instance, triple CommandTriple) []Instance {
	if _, ok := e.committed[key]; ok {
		return nil
	}
	if e.executed[key] {
		return nil
	}

	e.committed[key] = triple
	e.graph.addVertex(key)
	triple.Deps.Each(func(d Instance) {
		// A dependency that already executed is ordered before key by
		// construction; the edge would only hold the graph back.
		if e.executed[d] {
			return
		}
		e.graph.addEdge(key, d)
	})

	emitted := e.drain()
	e.metrics.SetGraphSize(e.graph.size())
	return emitted
}

// drain emits every instance whose reachable closure is committed.
func (e *Executor) drain() []Instance {
	eligible := e.graph.eligible(e.committed)
	if len(eligible) == 0 {
		return nil
	}

	components := e.graph.stronglyConnected(eligible)
	ordered, ok := e.graph.condensationOrder(eligible, components)
	if !ok {
		e.fatalf("cycle in dependency graph condensation: components=%d", len(components))
		return nil
	}

	var emitted []Instance
	for _, component := range ordered {
		sort.Slice(component, func(i, j int) bool {
			a, b := component[i], component[j]
			sa, sb := e.committed[a].Seq, e.committed[b].Seq
			if sa != sb {
				return sa < sb
			}
			return CompareInstances(a, b) < 0
		})
		for _, v := range component {
			triple := e.committed[v]
			e.onEmit(v, triple)
			e.graph.removeVertex(v)
			delete(e.committed, v)
			e.executed[v] = true
			emitted = append(emitted, v)
		}
	}
	return emitted
}

// Executed reports whether the instance has already been applied.
func (e *Executor) Executed(key Instance) bool {
	return e.executed[key]
}

// Pending returns the number of committed-but-unexecuted instances.
func (e *Executor) Pending() int {
	return len(e.committed)
}
