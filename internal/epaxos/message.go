package epaxos

// MessageType identifies the type of EPaxos protocol message
type MessageType int

const (
	// PreAcceptMsg is the leader's tentative proposal carrying (command, seq, deps)
	PreAcceptMsg MessageType = iota
	// PreAcceptOkMsg is an acceptor's vote on a PreAccept, with its extended attributes
	PreAcceptOkMsg
	// AcceptMsg is the classic-Paxos-style second phase used on the slow path
	AcceptMsg
	// AcceptOkMsg is an acceptor's vote on an Accept
	AcceptOkMsg
	// CommitMsg announces a final decision; it carries no ballot and is never refused
	CommitMsg
	// PrepareMsg is the Paxos Phase-1 analogue, used only for recovery
	PrepareMsg
	// PrepareOkMsg reports an acceptor's current vote for an instance under recovery
	PrepareOkMsg
	// NackMsg rejects a message carrying a ballot lower than the acceptor has seen
	NackMsg
	// ClientRequestMsg carries a client command to a replica
	ClientRequestMsg
	// ClientReplyMsg carries an execution result back to a client
	ClientReplyMsg
)

func (m MessageType) String() string {
	switch m {
	case PreAcceptMsg:
		return "PreAccept"
	case PreAcceptOkMsg:
		return "PreAcceptOk"
	case AcceptMsg:
		return "Accept"
	case AcceptOkMsg:
		return "AcceptOk"
	case CommitMsg:
		return "Commit"
	case PrepareMsg:
		return "Prepare"
	case PrepareOkMsg:
		return "PrepareOk"
	case NackMsg:
		return "Nack"
	case ClientRequestMsg:
		return "ClientRequest"
	case ClientReplyMsg:
		return "ClientReply"
	default:
		return "Unknown"
	}
}

// PrepareStatus is the vote state an acceptor reports in a PrepareOk.
type PrepareStatus int

const (
	// NotSeen means no PreAccept or Accept has touched the instance
	NotSeen PrepareStatus = iota
	// PreAcceptedStatus means the acceptor's latest vote was a PreAccept
	PreAcceptedStatus
	// AcceptedStatus means the acceptor's latest vote was an Accept
	AcceptedStatus
)

func (s PrepareStatus) String() string {
	switch s {
	case NotSeen:
		return "NotSeen"
	case PreAcceptedStatus:
		return "PreAccepted"
	case AcceptedStatus:
		return "Accepted"
	default:
		return "Unknown"
	}
}

// Message represents a single EPaxos protocol message. One struct carries
// every message kind; which fields are meaningful depends on Type.
type Message struct {
	Type     MessageType `json:"type"`
	Instance Instance    `json:"instance"`
	Ballot   Ballot      `json:"ballot"`

	// Sender's position in the replica list, for vote bookkeeping
	ReplicaIndex int32 `json:"replica_index"`

	// Proposal payload: PreAccept, Accept, Commit, PrepareOk
	Command *CommandOrNoop `json:"command,omitempty"`
	Seq     int32          `json:"seq,omitempty"`
	Deps    []Instance     `json:"deps,omitempty"`

	// PrepareOk vote report
	VoteBallot Ballot        `json:"vote_ballot"`
	Status     PrepareStatus `json:"status,omitempty"`

	// Nack
	LargestBallot Ballot `json:"largest_ballot"`

	// Client traffic
	ClientAddr      string `json:"client_addr,omitempty"`
	ClientPseudonym string `json:"client_pseudonym,omitempty"`
	ClientID        int32  `json:"client_id,omitempty"`
	Payload         []byte `json:"payload,omitempty"`
	Result          []byte `json:"result,omitempty"`
}

// Triple assembles the CommandTriple carried by a proposal message. Calling it
// on a message without a command is a malformed-message error handled by the
// replica, so the nil check stays with the caller.
func (m *Message) Triple() CommandTriple {
	return CommandTriple{
		Command: *m.Command,
		Seq:     m.Seq,
		Deps:    NewInstanceSet(m.Deps...),
	}
}
