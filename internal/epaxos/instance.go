package epaxos

import "fmt"

// Instance identifies a consensus slot. Every replica owns the column
// {(R, 0), (R, 1), ...} and allocates instance numbers monotonically, so an
// Instance is globally unique without coordination.
type Instance struct {
	Leader int32 `json:"leader"`
	Number int32 `json:"number"`
}

// CompareInstances orders instances by (Leader, Number). This order is what
// makes the executor emit the same sequence on every replica.
func CompareInstances(a, b Instance) int {
	switch {
	case a.Leader < b.Leader:
		return -1
	case a.Leader > b.Leader:
		return 1
	case a.Number < b.Number:
		return -1
	case a.Number > b.Number:
		return 1
	default:
		return 0
	}
}

func (i Instance) String() string {
	return fmt.Sprintf("%d.%d", i.Leader, i.Number)
}

// CommandOrNoop is either a client command or a noop. Noops are committed
// during recovery when no command is recoverable for an instance; they do not
// touch the state machine and have no client to answer.
type CommandOrNoop struct {
	Noop            bool   `json:"noop,omitempty"`
	ClientAddr      string `json:"client_addr,omitempty"`
	ClientPseudonym string `json:"client_pseudonym,omitempty"`
	ClientID        int32  `json:"client_id,omitempty"`
	Payload         []byte `json:"payload,omitempty"`
}

// Noop returns the command committed when recovery finds nothing to recover.
func Noop() CommandOrNoop {
	return CommandOrNoop{Noop: true}
}

// CommandTriple is the value agreed on for an instance: the command together
// with the attributes that order it relative to interfering instances.
type CommandTriple struct {
	Command CommandOrNoop
	Seq     int32
	Deps    *InstanceSet
}

// Clone returns a copy whose dependency set is independent of the original.
func (t CommandTriple) Clone() CommandTriple {
	return CommandTriple{Command: t.Command, Seq: t.Seq, Deps: t.Deps.Clone()}
}
