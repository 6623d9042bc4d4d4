package epaxos

// leaderRole is the phase this replica is driving for an instance it leads.
type leaderRole int

const (
	rolePreAccepting leaderRole = iota
	roleAccepting
	rolePreparing
)

func (role leaderRole) String() string {
	switch role {
	case rolePreAccepting:
		return "PreAccepting"
	case roleAccepting:
		return "Accepting"
	case rolePreparing:
		return "Preparing"
	default:
		return "Unknown"
	}
}

// leaderState exists only while this replica drives an instance. It is torn
// down on commit, on yielding to a higher ballot, and when one phase replaces
// another; its timers die with it.
type leaderState struct {
	role    leaderRole
	ballot  Ballot
	command CommandOrNoop

	// recovered marks an instance this replica took over through Prepare;
	// its commit counts against the recovery path
	recovered bool

	// PreAccepting: vote bookkeeping keyed by responder index, the leader's
	// own vote included
	preAcceptReplies map[int32]attributes
	avoidFastPath    bool
	slowPathTimer    *instanceTimer

	// Accepting
	triple    CommandTriple
	acceptOks map[int32]bool
	// preAcceptRan records that a PreAccept phase ran in this ballot, so
	// leftover PreAcceptOks arriving after the slow-path transition are
	// recognised as stale instead of impossible
	preAcceptRan bool

	// Preparing
	prepareReplies map[int32]*Message

	resendTimer *instanceTimer
}

// teardownLeader removes the leader role for an instance and stops its
// timers. Safe to call when no role exists.
func (r *Replica) teardownLeader(inst Instance) {
	ls, ok := r.leaderStates[inst]
	if !ok {
		return
	}
	ls.resendTimer.Stop()
	ls.slowPathTimer.Stop()
	delete(r.leaderStates, inst)
}

// handleClientRequest starts consensus on a client command, unless the client
// table shows the command already executed.
func (r *Replica) handleClientRequest(m *Message) {
	key := clientKey{addr: m.ClientAddr, pseudonym: m.ClientPseudonym}
	if dup, cached := r.clientTable.executedBefore(key, m.ClientID); dup {
		r.metrics.RecordRetryDeduped()
		if cached != nil {
			r.sendToAddr(m.ClientAddr, &Message{
				Type:            ClientReplyMsg,
				ReplicaIndex:    r.index,
				ClientPseudonym: m.ClientPseudonym,
				ClientID:        m.ClientID,
				Result:          cached,
			})
		}
		return
	}

	cmd := CommandOrNoop{
		ClientAddr:      m.ClientAddr,
		ClientPseudonym: m.ClientPseudonym,
		ClientID:        m.ClientID,
		Payload:         m.Payload,
	}
	inst := Instance{Leader: r.index, Number: r.nextInstance}
	r.nextInstance++
	r.propose(inst, cmd, DefaultBallot(r.index), false, false)
}

// propose starts (or, during recovery, restarts) the PreAccept phase for an
// instance this replica leads.
func (r *Replica) propose(inst Instance, cmd CommandOrNoop, ballot Ballot, avoidFastPath, recovered bool) {
	r.teardownLeader(inst)

	attrs := r.extendAttributes(inst, cmd, 0, NewInstanceSet())
	r.cmdLog[inst] = &Entry{
		Status:     StatusPreAccepted,
		Ballot:     ballot,
		VoteBallot: ballot,
		Triple:     CommandTriple{Command: cmd, Seq: attrs.seq, Deps: attrs.deps},
	}

	ls := &leaderState{
		role:             rolePreAccepting,
		ballot:           ballot,
		command:          cmd,
		recovered:        recovered,
		avoidFastPath:    avoidFastPath,
		preAcceptReplies: map[int32]attributes{r.index: attrs},
	}
	r.leaderStates[inst] = ls

	r.logger.Debugf("[EPaxos] Replica %d pre-accepting %s at %s (seq=%d, deps=%d)",
		r.index, inst, ballot, attrs.seq, attrs.deps.Len())
	r.broadcastPreAccept(inst, ls, attrs)
	r.armResendPreAccepts(inst, ls, attrs)
	r.checkPreAcceptQuorum(inst, ls)
}

func (r *Replica) preAcceptMessage(inst Instance, ls *leaderState, attrs attributes) *Message {
	cmd := ls.command
	return &Message{
		Type:         PreAcceptMsg,
		Instance:     inst,
		Ballot:       ls.ballot,
		ReplicaIndex: r.index,
		Command:      &cmd,
		Seq:          attrs.seq,
		Deps:         attrs.deps.Slice(),
	}
}

func (r *Replica) broadcastPreAccept(inst Instance, ls *leaderState, attrs attributes) {
	r.broadcast(r.preAcceptMessage(inst, ls, attrs))
}

// armResendPreAccepts re-sends the PreAccept to replicas that have not voted
// yet, until the phase ends.
func (r *Replica) armResendPreAccepts(inst Instance, ls *leaderState, attrs attributes) {
	ls.resendTimer = r.afterFunc(r.config.ResendInterval, func() {
		if r.leaderStates[inst] != ls || ls.role != rolePreAccepting {
			return
		}
		msg := r.preAcceptMessage(inst, ls, attrs)
		for i := range r.config.Addresses {
			if _, voted := ls.preAcceptReplies[int32(i)]; !voted {
				r.sendToReplica(int32(i), msg)
			}
		}
		r.armResendPreAccepts(inst, ls, attrs)
	})
}

// handlePreAcceptOk records an acceptor's vote and drives the fast/slow path
// decision.
func (r *Replica) handlePreAcceptOk(m *Message) {
	inst := m.Instance
	ls, ok := r.leaderStates[inst]
	if !ok {
		r.logger.Warnf("[EPaxos] Replica %d ignoring PreAcceptOk for %s: not leading", r.index, inst)
		return
	}
	if ls.role == roleAccepting && m.Ballot == ls.ballot && !ls.preAcceptRan {
		// Accepting entered through recovery never sent a PreAccept in this
		// ballot, so no vote for it can exist.
		r.fatalf("PreAcceptOk for %s in ballot %s while accepting", inst, m.Ballot)
		return
	}
	if ls.role != rolePreAccepting || m.Ballot != ls.ballot {
		r.logger.Warnf("[EPaxos] Replica %d ignoring stale PreAcceptOk for %s at %s",
			r.index, inst, m.Ballot)
		return
	}

	// Duplicates overwrite: at a fixed ballot a responder's attributes only
	// grow, so the latest copy wins.
	ls.preAcceptReplies[m.ReplicaIndex] = attributes{
		seq:  m.Seq,
		deps: NewInstanceSet(m.Deps...),
	}
	r.checkPreAcceptQuorum(inst, ls)
}

// checkPreAcceptQuorum applies the fast-path rule of the PreAccepting phase.
func (r *Replica) checkPreAcceptQuorum(inst Instance, ls *leaderState) {
	n := len(ls.preAcceptReplies)
	if n < r.config.SlowQuorum() {
		return
	}

	if ls.avoidFastPath {
		r.takeSlowPath(inst, ls)
		return
	}

	if n >= r.config.FastQuorum() {
		if attrs, ok := r.fastPathMatch(ls); ok {
			r.commitLeaderInstance(inst, ls, CommandTriple{
				Command: ls.command,
				Seq:     attrs.seq,
				Deps:    attrs.deps,
			}, commitFast)
			return
		}
		r.takeSlowPath(inst, ls)
		return
	}

	// Slow quorum but not yet fast quorum: give the fast path a grace
	// period, then settle for the slow path.
	if ls.slowPathTimer == nil {
		ls.slowPathTimer = r.afterFunc(r.config.SlowPathTimeout, func() {
			if r.leaderStates[inst] != ls || ls.role != rolePreAccepting {
				return
			}
			r.logger.Debugf("[EPaxos] Replica %d giving up on the fast path for %s", r.index, inst)
			r.takeSlowPath(inst, ls)
		})
	}
}

// fastPathMatch looks for a (seq, deps) value reported by at least
// fastQuorum-1 non-leader responders. Only votes in the default ballot count.
func (r *Replica) fastPathMatch(ls *leaderState) (attributes, bool) {
	if !ls.ballot.IsDefault(r.index) {
		return attributes{}, false
	}
	needed := r.config.FastQuorum() - 1
	for responder, attrs := range ls.preAcceptReplies {
		if responder == r.index {
			continue
		}
		count := 0
		for other, otherAttrs := range ls.preAcceptReplies {
			if other == r.index {
				continue
			}
			if attrs.equal(otherAttrs) {
				count++
			}
		}
		if count >= needed {
			return attrs, true
		}
	}
	return attributes{}, false
}

// takeSlowPath fixes the triple at the union of everything reported and runs
// the Accept phase on it.
func (r *Replica) takeSlowPath(inst Instance, ls *leaderState) {
	seq := int32(0)
	deps := NewInstanceSet()
	for _, attrs := range ls.preAcceptReplies {
		if attrs.seq > seq {
			seq = attrs.seq
		}
		deps.Union(attrs.deps)
	}
	ls.preAcceptRan = true
	r.startAcceptPhase(inst, ls, CommandTriple{Command: ls.command, Seq: seq, Deps: deps})
}

// startAcceptPhase moves a leader state into Accepting and broadcasts the
// fixed triple. Also the entry point for recovery case 2 and 3 transitions.
func (r *Replica) startAcceptPhase(inst Instance, ls *leaderState, triple CommandTriple) {
	ls.resendTimer.Stop()
	ls.slowPathTimer.Stop()
	ls.slowPathTimer = nil

	ls.role = roleAccepting
	ls.command = triple.Command
	ls.triple = triple
	ls.acceptOks = map[int32]bool{r.index: true}

	r.cmdLog[inst] = &Entry{
		Status:     StatusAccepted,
		Ballot:     ls.ballot,
		VoteBallot: ls.ballot,
		Triple:     triple,
	}

	r.logger.Debugf("[EPaxos] Replica %d accepting %s at %s (seq=%d, deps=%d)",
		r.index, inst, ls.ballot, triple.Seq, triple.Deps.Len())
	r.broadcastAccept(inst, ls)
	r.armResendAccepts(inst, ls)
	r.checkAcceptQuorum(inst, ls)
}

func (r *Replica) acceptMessage(inst Instance, ls *leaderState) *Message {
	cmd := ls.triple.Command
	return &Message{
		Type:         AcceptMsg,
		Instance:     inst,
		Ballot:       ls.ballot,
		ReplicaIndex: r.index,
		Command:      &cmd,
		Seq:          ls.triple.Seq,
		Deps:         ls.triple.Deps.Slice(),
	}
}

func (r *Replica) broadcastAccept(inst Instance, ls *leaderState) {
	r.broadcast(r.acceptMessage(inst, ls))
}

func (r *Replica) armResendAccepts(inst Instance, ls *leaderState) {
	ls.resendTimer = r.afterFunc(r.config.ResendInterval, func() {
		if r.leaderStates[inst] != ls || ls.role != roleAccepting {
			return
		}
		msg := r.acceptMessage(inst, ls)
		for i := range r.config.Addresses {
			if !ls.acceptOks[int32(i)] {
				r.sendToReplica(int32(i), msg)
			}
		}
		r.armResendAccepts(inst, ls)
	})
}

// handleAcceptOk counts slow-path votes and commits on a majority.
func (r *Replica) handleAcceptOk(m *Message) {
	inst := m.Instance
	ls, ok := r.leaderStates[inst]
	if !ok || ls.role != roleAccepting || m.Ballot != ls.ballot {
		r.logger.Warnf("[EPaxos] Replica %d ignoring stale AcceptOk for %s at %s",
			r.index, inst, m.Ballot)
		return
	}

	ls.acceptOks[m.ReplicaIndex] = true
	r.checkAcceptQuorum(inst, ls)
}

func (r *Replica) checkAcceptQuorum(inst Instance, ls *leaderState) {
	if len(ls.acceptOks) < r.config.SlowQuorum() {
		return
	}
	r.commitLeaderInstance(inst, ls, ls.triple, commitSlow)
}

// commitLeaderInstance finishes an instance this replica drove and announces
// the decision.
func (r *Replica) commitLeaderInstance(inst Instance, ls *leaderState, triple CommandTriple, path commitPath) {
	if ls.recovered {
		path = commitRecovery
	}
	r.commitInstance(inst, triple, path)
	r.broadcast(r.commitMessage(inst, triple))
}
