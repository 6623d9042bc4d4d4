package epaxos

// EntryStatus is the lifecycle stage of a command log entry. Within one ballot
// entries only move forward: NoCommand -> PreAccepted -> Accepted -> Committed
// -> Executed. A PreAccept at a higher ballot can replace an Accepted entry
// with a PreAccepted one; Committed only ever moves on to Executed.
type EntryStatus int8

const (
	// StatusNoCommand means only a Prepare has touched the instance
	StatusNoCommand EntryStatus = iota
	// StatusPreAccepted means this replica voted in a PreAccept round
	StatusPreAccepted
	// StatusAccepted means this replica voted in an Accept round
	StatusAccepted
	// StatusCommitted means the decision is final; ballots no longer matter
	StatusCommitted
	// StatusExecuted means the command has been applied to the state machine.
	// The entry is retained so recovery can be answered and so the executor
	// can tell "already gone" from "missing".
	StatusExecuted
)

func (s EntryStatus) String() string {
	switch s {
	case StatusNoCommand:
		return "NoCommand"
	case StatusPreAccepted:
		return "PreAccepted"
	case StatusAccepted:
		return "Accepted"
	case StatusCommitted:
		return "Committed"
	case StatusExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// Entry is one slot of the command log.
//
// VoteBallot <= Ballot always holds: Ballot is the highest ballot the replica
// has joined for the instance (possibly bumped by a Prepare), VoteBallot the
// ballot of its latest actual vote. Once Status reaches StatusCommitted the
// ballots are dead and only Triple matters.
type Entry struct {
	Status     EntryStatus
	Ballot     Ballot
	VoteBallot Ballot
	Triple     CommandTriple
}

// decided reports whether the instance is past the point of voting.
func (e *Entry) decided() bool {
	return e.Status == StatusCommitted || e.Status == StatusExecuted
}

// commandLog maps instances to their entries. Missing key means the replica
// has never heard of the instance.
type commandLog map[Instance]*Entry

// currentBallot returns the ballot an inbound proposal has to match or beat.
func (l commandLog) currentBallot(i Instance) Ballot {
	e, ok := l[i]
	if !ok {
		return NullBallot
	}
	return e.Ballot
}
