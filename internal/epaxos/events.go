package epaxos

import "epaxos/internal/pubsub"

const (
	// InstanceCommitted fires when an instance reaches a final decision on
	// this replica, whether it drove the decision (fast, slow or recovery
	// path) or learned it from a Commit message.
	InstanceCommitted pubsub.EventType = iota
	// CommandExecuted fires when the executor applies an instance to the
	// state machine (or skips a noop / deduplicated retry).
	CommandExecuted
)

// CommittedPayload is the payload of an InstanceCommitted event.
type CommittedPayload struct {
	Instance Instance
	Seq      int32
	Deps     []Instance
	Noop     bool
}

// ExecutedPayload is the payload of a CommandExecuted event. Instances are
// published in execution order, which is identical on every replica.
type ExecutedPayload struct {
	Instance Instance
	Noop     bool
	Result   []byte
}
