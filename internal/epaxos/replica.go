package epaxos

import (
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"epaxos/internal/epaxos/metrics"
	"epaxos/internal/epaxos/state_machine"
	"epaxos/internal/pubsub"
)

// Replica is one EPaxos replica. It acts as leader for the commands its
// clients submit and as acceptor for commands led by its peers; there is no
// distinguished master.
//
// All protocol state is owned by a single event loop: inbound messages and
// timer callbacks are queued as closures and run to completion one at a time,
// so none of the maps below need locking.
type Replica struct {
	config *Config
	index  int32
	// runID distinguishes restarts of the same replica index in logs
	runID string

	transport    Transport
	logger       Logger
	metrics      *metrics.Metrics
	bus          *pubsub.Bus
	sm           state_machine.StateMachine
	interference Interference

	cmdLog        commandLog
	leaderStates  map[Instance]*leaderState
	largestBallot Ballot
	nextInstance  int32
	clientTable   clientTable
	executor      *Executor

	// commitTimers suspect the leader of a PreAccepted/Accepted instance
	// that never commits
	commitTimers map[Instance]*instanceTimer
	// recoveryBackoff remembers the current backoff step per instance so
	// duelling recoveries drift apart
	recoveryBackoff map[Instance]time.Duration

	eventCh chan func()
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool

	rng *rand.Rand

	// fatalf handles protocol violations; the default logs the stack and
	// aborts the process. Tests override it.
	fatalf func(format string, args ...interface{})
}

// NewReplica creates a replica over the given transport and state machine.
func NewReplica(config *Config, transport Transport, sm state_machine.StateMachine) (*Replica, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}

	var interference Interference
	switch config.Interference {
	case "kv":
		interference = KVInterference{}
	default:
		interference = InterfereAll{}
	}

	r := &Replica{
		config:          config,
		index:           int32(config.ReplicaIndex),
		runID:           uuid.New().String(),
		transport:       transport,
		logger:          config.Logger,
		metrics:         metrics.NewMetrics(),
		bus:             pubsub.NewBus(),
		sm:              sm,
		interference:    interference,
		cmdLog:          make(commandLog),
		leaderStates:    make(map[Instance]*leaderState),
		largestBallot:   NullBallot,
		clientTable:     make(clientTable),
		commitTimers:    make(map[Instance]*instanceTimer),
		recoveryBackoff: make(map[Instance]time.Duration),
		eventCh:         make(chan func(), 4096),
		stopCh:          make(chan struct{}),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.fatalf = r.defaultFatalf
	r.executor = newExecutor(r.logger, r.metrics, r.applyInstance, func(format string, args ...interface{}) {
		r.fatalf(format, args...)
	})

	transport.SetMessageHandler(r.receive)
	return r, nil
}

// Start launches the transport and the event loop.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	if err := r.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	r.wg.Add(1)
	go r.run()
	r.started = true

	r.logger.Infof("[EPaxos] Replica %d (run %s) started on %s with %d peers",
		r.index, r.runID, r.transport.LocalAddr(), r.config.N()-1)
	return nil
}

// Stop shuts the replica down. In-flight handlers finish; queued events are
// dropped.
func (r *Replica) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopCh)
	if err := r.transport.Stop(); err != nil {
		r.logger.Errorf("[EPaxos] Error stopping transport: %v", err)
	}
	r.bus.Close()
	r.wg.Wait()

	r.logger.Infof("[EPaxos] Replica %d stopped", r.index)
	return nil
}

// Bus exposes the event bus for observers.
func (r *Replica) Bus() *pubsub.Bus {
	return r.bus
}

// Metrics exposes the replica's counters.
func (r *Replica) Metrics() *metrics.Metrics {
	return r.metrics
}

// run is the single-threaded cooperative event loop. Handler execution order
// matches arrival order; handlers never block.
func (r *Replica) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.eventCh:
			fn()
		case <-r.stopCh:
			return
		}
	}
}

// enqueue schedules fn on the event loop.
func (r *Replica) enqueue(fn func()) {
	select {
	case r.eventCh <- fn:
	case <-r.stopCh:
	}
}

// receive is installed as the transport's message handler.
func (r *Replica) receive(msg *Message) {
	r.enqueue(func() {
		r.dispatch(msg)
	})
}

// dispatch routes one inbound message. Runs on the event loop.
func (r *Replica) dispatch(msg *Message) {
	r.metrics.RecordMessage(msg.Type.String())

	// Recovery ballots are chosen above every ballot this replica has ever
	// seen, so track the maximum on every inbound message carrying one.
	switch msg.Type {
	case PreAcceptMsg, PreAcceptOkMsg, AcceptMsg, AcceptOkMsg, PrepareMsg, PrepareOkMsg:
		r.largestBallot = MaxBallot(r.largestBallot, msg.Ballot)
	case NackMsg:
		r.largestBallot = MaxBallot(r.largestBallot, msg.LargestBallot)
	}

	switch msg.Type {
	case PreAcceptMsg:
		r.handlePreAccept(msg)
	case PreAcceptOkMsg:
		r.handlePreAcceptOk(msg)
	case AcceptMsg:
		r.handleAccept(msg)
	case AcceptOkMsg:
		r.handleAcceptOk(msg)
	case CommitMsg:
		r.handleCommit(msg)
	case PrepareMsg:
		r.handlePrepare(msg)
	case PrepareOkMsg:
		r.handlePrepareOk(msg)
	case NackMsg:
		r.handleNack(msg)
	case ClientRequestMsg:
		r.handleClientRequest(msg)
	case ClientReplyMsg:
		r.logger.Warnf("[EPaxos] Replica %d received a client reply, ignoring", r.index)
	default:
		r.fatalf("malformed inbound message with type %d", msg.Type)
	}
}

// sendToReplica sends a message to a peer, or loops it back through dispatch
// when the target is this replica (recovery Prepares go to everyone,
// ourselves included).
func (r *Replica) sendToReplica(index int32, msg *Message) {
	if index == r.index {
		r.dispatch(msg)
		return
	}
	r.sendToAddr(r.config.Addresses[index], msg)
}

func (r *Replica) sendToAddr(addr string, msg *Message) {
	if err := r.transport.SendMessage(addr, msg); err != nil {
		r.logger.Warnf("[EPaxos] Replica %d failed to send %s to %s: %v",
			r.index, msg.Type, addr, err)
	}
}

// broadcast sends a message to every other replica.
func (r *Replica) broadcast(msg *Message) {
	for i, addr := range r.config.Addresses {
		if int32(i) == r.index {
			continue
		}
		r.sendToAddr(addr, msg)
	}
}

func (r *Replica) defaultFatalf(format string, args ...interface{}) {
	r.logger.Errorf("[EPaxos] Replica %d protocol violation: %s\n%s",
		r.index, fmt.Sprintf(format, args...), debug.Stack())
	os.Exit(1)
}

// ---- Acceptor role ----

// handlePreAccept processes a leader's tentative proposal: extend its
// attributes with everything this replica knows, vote, and answer.
func (r *Replica) handlePreAccept(m *Message) {
	if m.Command == nil {
		r.fatalf("PreAccept for %s without a command", m.Instance)
		return
	}
	inst := m.Instance
	entry := r.cmdLog[inst]

	// A decided instance answers every proposal with its decision.
	if entry != nil && entry.decided() {
		r.sendToReplica(m.ReplicaIndex, r.commitMessage(inst, entry.Triple))
		return
	}

	if m.Ballot.Less(r.cmdLog.currentBallot(inst)) {
		r.logger.Warnf("[EPaxos] Replica %d nacking stale PreAccept %s at %s",
			r.index, inst, m.Ballot)
		r.sendToReplica(m.ReplicaIndex, r.nackMessage(inst))
		return
	}

	// A higher ballot means some other replica took over the instance.
	if ls, ok := r.leaderStates[inst]; ok && ls.ballot.Less(m.Ballot) {
		r.logger.Infof("[EPaxos] Replica %d yields leadership of %s to ballot %s",
			r.index, inst, m.Ballot)
		r.teardownLeader(inst)
	}

	// Already voted in this ballot: re-send the prior vote unchanged.
	if entry != nil && entry.VoteBallot == m.Ballot {
		switch entry.Status {
		case StatusPreAccepted:
			r.sendToReplica(m.ReplicaIndex, &Message{
				Type:         PreAcceptOkMsg,
				Instance:     inst,
				Ballot:       m.Ballot,
				ReplicaIndex: r.index,
				Seq:          entry.Triple.Seq,
				Deps:         entry.Triple.Deps.Slice(),
			})
			return
		case StatusAccepted:
			r.logger.Warnf("[EPaxos] Replica %d ignoring PreAccept for %s already accepted in %s",
				r.index, inst, m.Ballot)
			return
		}
	}

	attrs := r.extendAttributes(inst, *m.Command, m.Seq, NewInstanceSet(m.Deps...))
	r.cmdLog[inst] = &Entry{
		Status:     StatusPreAccepted,
		Ballot:     m.Ballot,
		VoteBallot: m.Ballot,
		Triple:     CommandTriple{Command: *m.Command, Seq: attrs.seq, Deps: attrs.deps},
	}
	r.armCommitTimer(inst)

	r.sendToReplica(m.ReplicaIndex, &Message{
		Type:         PreAcceptOkMsg,
		Instance:     inst,
		Ballot:       m.Ballot,
		ReplicaIndex: r.index,
		Seq:          attrs.seq,
		Deps:         attrs.deps.Slice(),
	})
}

// handleAccept processes the slow-path second phase: vote on the leader's
// fixed triple.
func (r *Replica) handleAccept(m *Message) {
	if m.Command == nil {
		r.fatalf("Accept for %s without a command", m.Instance)
		return
	}
	inst := m.Instance
	entry := r.cmdLog[inst]

	if entry != nil && entry.decided() {
		r.sendToReplica(m.ReplicaIndex, r.commitMessage(inst, entry.Triple))
		return
	}

	if m.Ballot.Less(r.cmdLog.currentBallot(inst)) {
		r.logger.Warnf("[EPaxos] Replica %d nacking stale Accept %s at %s",
			r.index, inst, m.Ballot)
		r.sendToReplica(m.ReplicaIndex, r.nackMessage(inst))
		return
	}

	if ls, ok := r.leaderStates[inst]; ok && ls.ballot.Less(m.Ballot) {
		r.logger.Infof("[EPaxos] Replica %d yields leadership of %s to ballot %s",
			r.index, inst, m.Ballot)
		r.teardownLeader(inst)
	}

	if entry != nil && entry.VoteBallot == m.Ballot && entry.Status == StatusAccepted {
		r.sendToReplica(m.ReplicaIndex, &Message{
			Type:         AcceptOkMsg,
			Instance:     inst,
			Ballot:       m.Ballot,
			ReplicaIndex: r.index,
		})
		return
	}

	r.cmdLog[inst] = &Entry{
		Status:     StatusAccepted,
		Ballot:     m.Ballot,
		VoteBallot: m.Ballot,
		Triple:     m.Triple(),
	}
	r.armCommitTimer(inst)

	r.sendToReplica(m.ReplicaIndex, &Message{
		Type:         AcceptOkMsg,
		Instance:     inst,
		Ballot:       m.Ballot,
		ReplicaIndex: r.index,
	})
}

// handleCommit learns a decision made elsewhere. Commits carry no ballot and
// are never refused; replaying one for a decided instance is a no-op.
func (r *Replica) handleCommit(m *Message) {
	if m.Command == nil {
		r.fatalf("Commit for %s without a command", m.Instance)
		return
	}
	inst := m.Instance
	if entry := r.cmdLog[inst]; entry != nil && entry.decided() {
		r.logger.Warnf("[EPaxos] Replica %d ignoring duplicate Commit for %s", r.index, inst)
		return
	}
	r.commitInstance(inst, m.Triple(), commitLearned)
}

// handlePrepare answers a recovering leader with this replica's current vote
// for the instance.
func (r *Replica) handlePrepare(m *Message) {
	inst := m.Instance
	entry := r.cmdLog[inst]

	if entry != nil && entry.decided() {
		r.sendToReplica(m.ReplicaIndex, r.commitMessage(inst, entry.Triple))
		return
	}

	if ls, ok := r.leaderStates[inst]; ok && ls.ballot.Less(m.Ballot) {
		r.logger.Infof("[EPaxos] Replica %d yields leadership of %s to preparer at %s",
			r.index, inst, m.Ballot)
		r.teardownLeader(inst)
	}

	if entry == nil {
		r.cmdLog[inst] = &Entry{
			Status:     StatusNoCommand,
			Ballot:     m.Ballot,
			VoteBallot: NullBallot,
		}
		r.sendToReplica(m.ReplicaIndex, &Message{
			Type:         PrepareOkMsg,
			Instance:     inst,
			Ballot:       m.Ballot,
			ReplicaIndex: r.index,
			VoteBallot:   NullBallot,
			Status:       NotSeen,
		})
		return
	}

	if m.Ballot.Less(entry.Ballot) {
		r.logger.Warnf("[EPaxos] Replica %d nacking stale Prepare %s at %s (have %s)",
			r.index, inst, m.Ballot, entry.Ballot)
		r.sendToReplica(m.ReplicaIndex, r.nackMessage(inst))
		return
	}

	// Join the higher ballot but keep the recorded vote.
	entry.Ballot = m.Ballot

	reply := &Message{
		Type:         PrepareOkMsg,
		Instance:     inst,
		Ballot:       m.Ballot,
		ReplicaIndex: r.index,
		VoteBallot:   entry.VoteBallot,
	}
	switch entry.Status {
	case StatusNoCommand:
		reply.VoteBallot = NullBallot
		reply.Status = NotSeen
	case StatusPreAccepted:
		reply.Status = PreAcceptedStatus
		cmd := entry.Triple.Command
		reply.Command = &cmd
		reply.Seq = entry.Triple.Seq
		reply.Deps = entry.Triple.Deps.Slice()
	case StatusAccepted:
		reply.Status = AcceptedStatus
		cmd := entry.Triple.Command
		reply.Command = &cmd
		reply.Seq = entry.Triple.Seq
		reply.Deps = entry.Triple.Deps.Slice()
	}
	r.sendToReplica(m.ReplicaIndex, reply)
}

// commitPath tags how an instance reached its decision, for metrics.
type commitPath int

const (
	commitFast commitPath = iota
	commitSlow
	commitRecovery
	commitLearned
)

// commitInstance finalises a decision locally: tear down any leader role and
// suspicion timer, pin the triple, and feed the executor. The committed
// triple is never overwritten afterwards.
func (r *Replica) commitInstance(inst Instance, triple CommandTriple, path commitPath) {
	r.teardownLeader(inst)
	if t, ok := r.commitTimers[inst]; ok {
		t.Stop()
		delete(r.commitTimers, inst)
	}
	delete(r.recoveryBackoff, inst)

	prior := r.cmdLog[inst]
	ballot := NullBallot
	if prior != nil {
		ballot = prior.Ballot
	}
	r.cmdLog[inst] = &Entry{
		Status:     StatusCommitted,
		Ballot:     ballot,
		VoteBallot: ballot,
		Triple:     triple,
	}

	switch path {
	case commitFast:
		r.metrics.RecordFastPathCommit()
	case commitSlow:
		r.metrics.RecordSlowPathCommit()
	case commitRecovery:
		r.metrics.RecordRecoveryCommit()
	}

	r.logger.Infof("[EPaxos] Replica %d committed %s (seq=%d, deps=%d)",
		r.index, inst, triple.Seq, triple.Deps.Len())
	r.bus.Publish(pubsub.Event{Type: InstanceCommitted, Payload: CommittedPayload{
		Instance: inst,
		Seq:      triple.Seq,
		Deps:     triple.Deps.Slice(),
		Noop:     triple.Command.Noop,
	}})

	r.executor.Commit(inst, triple)
}

// applyInstance is the executor's emit callback: apply one instance in its
// final position of the execution order and answer the client.
func (r *Replica) applyInstance(inst Instance, triple CommandTriple) {
	if entry, ok := r.cmdLog[inst]; ok {
		entry.Status = StatusExecuted
	}

	cmd := triple.Command
	if cmd.Noop {
		r.metrics.RecordNoopExecuted()
		r.bus.Publish(pubsub.Event{Type: CommandExecuted, Payload: ExecutedPayload{
			Instance: inst,
			Noop:     true,
		}})
		return
	}

	// Every replica executes, but only the instance's leader answers the
	// client; the others would just be duplicate datagrams.
	ownsReply := inst.Leader == r.index

	key := clientKey{addr: cmd.ClientAddr, pseudonym: cmd.ClientPseudonym}
	if dup, cached := r.clientTable.executedBefore(key, cmd.ClientID); dup {
		r.metrics.RecordRetryDeduped()
		if cached != nil && ownsReply {
			r.sendClientReply(cmd, cached)
		}
		r.bus.Publish(pubsub.Event{Type: CommandExecuted, Payload: ExecutedPayload{
			Instance: inst,
			Result:   cached,
		}})
		return
	}

	result := r.sm.Run(cmd.Payload)
	r.clientTable.record(key, cmd.ClientID, result)
	r.metrics.RecordCommandExecuted()
	if ownsReply {
		r.sendClientReply(cmd, result)
	}
	r.bus.Publish(pubsub.Event{Type: CommandExecuted, Payload: ExecutedPayload{
		Instance: inst,
		Result:   result,
	}})
}

func (r *Replica) sendClientReply(cmd CommandOrNoop, result []byte) {
	if cmd.ClientAddr == "" {
		return
	}
	r.sendToAddr(cmd.ClientAddr, &Message{
		Type:            ClientReplyMsg,
		ReplicaIndex:    r.index,
		ClientPseudonym: cmd.ClientPseudonym,
		ClientID:        cmd.ClientID,
		Result:          result,
	})
}

func (r *Replica) commitMessage(inst Instance, triple CommandTriple) *Message {
	cmd := triple.Command
	return &Message{
		Type:         CommitMsg,
		Instance:     inst,
		ReplicaIndex: r.index,
		Command:      &cmd,
		Seq:          triple.Seq,
		Deps:         triple.Deps.Slice(),
	}
}

func (r *Replica) nackMessage(inst Instance) *Message {
	return &Message{
		Type:          NackMsg,
		Instance:      inst,
		ReplicaIndex:  r.index,
		LargestBallot: r.largestBallot,
	}
}

// armCommitTimer starts (or restarts) the suspicion timer for an instance this
// replica has voted on but not yet seen commit.
func (r *Replica) armCommitTimer(inst Instance) {
	if t, ok := r.commitTimers[inst]; ok {
		t.Stop()
	}
	r.commitTimers[inst] = r.afterFunc(r.config.CommitTimeout, func() {
		delete(r.commitTimers, inst)
		r.logger.Warnf("[EPaxos] Replica %d suspects the leader of %s, starting recovery",
			r.index, inst)
		r.startRecovery(inst)
	})
}
