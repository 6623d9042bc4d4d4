package epaxos

import (
	"sort"
	"time"
)

// startRecovery takes over an instance whose leader is suspected dead. The
// recovering replica picks a ballot above everything it has seen and runs the
// Prepare phase against all replicas, itself included.
func (r *Replica) startRecovery(inst Instance) {
	if entry := r.cmdLog[inst]; entry != nil && entry.decided() {
		return
	}
	r.teardownLeader(inst)

	ballot := r.largestBallot.Inc(r.index)
	r.largestBallot = ballot

	ls := &leaderState{
		role:           rolePreparing,
		ballot:         ballot,
		recovered:      true,
		prepareReplies: make(map[int32]*Message),
	}
	r.leaderStates[inst] = ls

	r.logger.Infof("[EPaxos] Replica %d preparing %s at %s", r.index, inst, ballot)
	r.broadcastPrepare(inst, ls)
	r.armResendPrepares(inst, ls)
}

func (r *Replica) prepareMessage(inst Instance, ls *leaderState) *Message {
	return &Message{
		Type:         PrepareMsg,
		Instance:     inst,
		Ballot:       ls.ballot,
		ReplicaIndex: r.index,
	}
}

// broadcastPrepare sends the Prepare to every replica. The self-send loops
// back through dispatch so this replica's own vote is collected the same way
// as everyone else's.
func (r *Replica) broadcastPrepare(inst Instance, ls *leaderState) {
	msg := r.prepareMessage(inst, ls)
	for i := range r.config.Addresses {
		r.sendToReplica(int32(i), msg)
	}
}

func (r *Replica) armResendPrepares(inst Instance, ls *leaderState) {
	ls.resendTimer = r.afterFunc(r.config.ResendInterval, func() {
		if r.leaderStates[inst] != ls || ls.role != rolePreparing {
			return
		}
		msg := r.prepareMessage(inst, ls)
		for i := range r.config.Addresses {
			if _, answered := ls.prepareReplies[int32(i)]; !answered {
				r.sendToReplica(int32(i), msg)
			}
		}
		r.armResendPrepares(inst, ls)
	})
}

// handlePrepareOk collects votes for an instance under recovery and, on a
// majority, runs the recovery case analysis.
func (r *Replica) handlePrepareOk(m *Message) {
	inst := m.Instance
	ls, ok := r.leaderStates[inst]
	if !ok || ls.role != rolePreparing || m.Ballot != ls.ballot {
		r.logger.Warnf("[EPaxos] Replica %d ignoring stale PrepareOk for %s at %s",
			r.index, inst, m.Ballot)
		return
	}

	ls.prepareReplies[m.ReplicaIndex] = m
	if len(ls.prepareReplies) < r.config.SlowQuorum() {
		return
	}
	r.finishRecovery(inst, ls)
}

// finishRecovery decides what to do with the instance from a majority of
// Prepare votes:
//
//  1. keep only the votes at the highest vote ballot seen;
//  2. an Accepted vote wins outright and re-runs the Accept phase;
//  3. f matching default-ballot PreAccepts from replicas other than the
//     original leader mean the fast path may have committed, so the triple
//     goes straight to Accept;
//  4. any other PreAccept restarts PreAccept with its command, fast path
//     barred;
//  5. nothing seen anywhere commits a noop to close the instance.
func (r *Replica) finishRecovery(inst Instance, ls *leaderState) {
	maxVote := NullBallot
	for _, reply := range ls.prepareReplies {
		maxVote = MaxBallot(maxVote, reply.VoteBallot)
	}

	var retained []*Message
	for _, reply := range ls.prepareReplies {
		if reply.VoteBallot == maxVote {
			retained = append(retained, reply)
		}
	}
	// Case analysis must not depend on map iteration order.
	sort.Slice(retained, func(i, j int) bool {
		return retained[i].ReplicaIndex < retained[j].ReplicaIndex
	})

	for _, reply := range retained {
		if reply.Status == AcceptedStatus {
			r.logger.Infof("[EPaxos] Replica %d recovering %s from an Accepted vote", r.index, inst)
			r.startAcceptPhase(inst, ls, reply.Triple())
			return
		}
	}

	// Fast-Paxos-like rule: the original leader's own vote never counts
	// towards the f matches.
	defaultBallot := DefaultBallot(inst.Leader)
	for _, reply := range retained {
		if reply.Status != PreAcceptedStatus ||
			reply.VoteBallot != defaultBallot ||
			reply.ReplicaIndex == inst.Leader {
			continue
		}
		attrs := attributes{seq: reply.Seq, deps: NewInstanceSet(reply.Deps...)}
		count := 0
		for _, other := range retained {
			if other.Status != PreAcceptedStatus ||
				other.VoteBallot != defaultBallot ||
				other.ReplicaIndex == inst.Leader {
				continue
			}
			if attrs.equal(attributes{seq: other.Seq, deps: NewInstanceSet(other.Deps...)}) {
				count++
			}
		}
		if count >= r.config.F() {
			r.logger.Infof("[EPaxos] Replica %d recovering %s from %d matching PreAccepts",
				r.index, inst, count)
			r.startAcceptPhase(inst, ls, reply.Triple())
			return
		}
	}

	for _, reply := range retained {
		if reply.Status == PreAcceptedStatus {
			r.logger.Infof("[EPaxos] Replica %d restarting PreAccept for %s", r.index, inst)
			r.propose(inst, *reply.Command, ls.ballot, true, true)
			return
		}
	}

	r.logger.Infof("[EPaxos] Replica %d closing %s with a noop", r.index, inst)
	r.propose(inst, Noop(), ls.ballot, true, true)
}

// handleNack reacts to losing a ballot: step down and retry recovery later,
// backing off so duelling recoveries separate.
func (r *Replica) handleNack(m *Message) {
	inst := m.Instance
	if _, ok := r.leaderStates[inst]; !ok {
		return
	}
	r.logger.Infof("[EPaxos] Replica %d nacked on %s, backing off", r.index, inst)
	r.teardownLeader(inst)

	backoff := r.recoveryBackoff[inst]
	if backoff == 0 {
		backoff = r.config.RecoveryBackoffBase
	} else {
		backoff *= 2
		if backoff > r.config.RecoveryBackoffMax {
			backoff = r.config.RecoveryBackoffMax
		}
	}
	r.recoveryBackoff[inst] = backoff

	// Sleep between half and the full backoff step.
	delay := backoff/2 + time.Duration(r.rng.Int63n(int64(backoff/2)+1))
	r.afterFunc(delay, func() {
		r.startRecovery(inst)
	})
}
