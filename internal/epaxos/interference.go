package epaxos

import (
	"bytes"
	"strings"
)

// Interference decides whether two commands must be ordered relative to each
// other. The predicate has to be deterministic and agreed on by every replica;
// it is what buys EPaxos its parallelism, so the conservative InterfereAll
// keeps correctness while giving none of it.
type Interference interface {
	Interferes(a, b CommandOrNoop) bool
}

// InterfereAll treats every pair of commands as conflicting.
type InterfereAll struct{}

func (InterfereAll) Interferes(a, b CommandOrNoop) bool {
	if a.Noop || b.Noop {
		return false
	}
	return true
}

// KVInterference understands the key-value command format of the state_machine
// package ("SET key=value", "GET key", "DEL key"). Two commands interfere when
// they touch the same key and at least one of them writes.
type KVInterference struct{}

func (KVInterference) Interferes(a, b CommandOrNoop) bool {
	if a.Noop || b.Noop {
		return false
	}
	keyA, writeA, okA := parseKVCommand(a.Payload)
	keyB, writeB, okB := parseKVCommand(b.Payload)
	if !okA || !okB {
		// Unparseable commands are ordered against everything
		return true
	}
	return keyA == keyB && (writeA || writeB)
}

func parseKVCommand(payload []byte) (key string, write bool, ok bool) {
	parts := strings.Fields(string(payload))
	if len(parts) < 2 {
		return "", false, false
	}
	switch strings.ToUpper(parts[0]) {
	case "SET":
		kv := strings.SplitN(parts[1], "=", 2)
		return kv[0], true, true
	case "DEL":
		return parts[1], true, true
	case "GET":
		return parts[1], false, true
	default:
		return "", false, false
	}
}

// attributes is the (seq, deps) pair an acceptor votes on. Fast-path matching
// compares these for exact equality.
type attributes struct {
	seq  int32
	deps *InstanceSet
}

func (a attributes) equal(b attributes) bool {
	return a.seq == b.seq && a.deps.Equal(b.deps)
}

// sameCommand reports whether two entries carry the same client command, so a
// command never picks up a dependency on its own earlier PreAccept.
func sameCommand(a, b CommandOrNoop) bool {
	if a.Noop || b.Noop {
		return false
	}
	return a.ClientAddr == b.ClientAddr &&
		a.ClientPseudonym == b.ClientPseudonym &&
		a.ClientID == b.ClientID &&
		bytes.Equal(a.Payload, b.Payload)
}

// extendAttributes unions the proposed dependencies with every known
// interfering instance and lifts seq above all of their sequence numbers. The
// scan covers executed entries too: their attributes still order later
// conflicting commands.
func (r *Replica) extendAttributes(self Instance, cmd CommandOrNoop, seq int32, deps *InstanceSet) attributes {
	out := attributes{seq: seq, deps: deps.Clone()}
	for inst, entry := range r.cmdLog {
		if inst == self || entry.Status == StatusNoCommand {
			continue
		}
		if sameCommand(entry.Triple.Command, cmd) {
			continue
		}
		if !r.interference.Interferes(entry.Triple.Command, cmd) {
			continue
		}
		out.deps.Add(inst)
		if entry.Triple.Seq >= out.seq {
			out.seq = entry.Triple.Seq + 1
		}
	}
	return out
}
