package epaxos

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epaxos/internal/epaxos/state_machine"
)

// queuedMessage is one in-flight message of the test network.
type queuedMessage struct {
	to  string
	msg *Message
}

// testNetwork routes messages between in-memory transports through an
// explicit FIFO queue, so tests control exactly which message is delivered
// when. Messages are copied through JSON on delivery, like the real
// transports do.
type testNetwork struct {
	t          *testing.T
	transports map[string]*testTransport
	queue      []queuedMessage
	// dead addresses silently swallow their traffic
	dead map[string]bool
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{
		t:          t,
		transports: make(map[string]*testTransport),
		dead:       make(map[string]bool),
	}
}

func (n *testNetwork) transport(addr string) *testTransport {
	tt := &testTransport{net: n, addr: addr}
	n.transports[addr] = tt
	return tt
}

// deliverOne pops and delivers the oldest queued message. Returns false when
// the queue is empty.
func (n *testNetwork) deliverOne() bool {
	if len(n.queue) == 0 {
		return false
	}
	item := n.queue[0]
	n.queue = n.queue[1:]
	n.deliver(item)
	return true
}

// deliverMatching pops and delivers the oldest message satisfying pred,
// failing the test if none is queued.
func (n *testNetwork) deliverMatching(pred func(queuedMessage) bool) {
	n.t.Helper()
	for i, item := range n.queue {
		if pred(item) {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			n.deliver(item)
			return
		}
	}
	n.t.Fatal("no queued message matches")
}

// take removes and returns the oldest message satisfying pred without
// delivering it.
func (n *testNetwork) take(pred func(queuedMessage) bool) *Message {
	n.t.Helper()
	for i, item := range n.queue {
		if pred(item) {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			return item.msg
		}
	}
	n.t.Fatal("no queued message matches")
	return nil
}

func (n *testNetwork) deliver(item queuedMessage) {
	if n.dead[item.to] {
		return
	}
	tt, ok := n.transports[item.to]
	if !ok || tt.handler == nil {
		return
	}

	data, err := json.Marshal(item.msg)
	require.NoError(n.t, err)
	var copied Message
	require.NoError(n.t, json.Unmarshal(data, &copied))

	tt.handler(&copied)
}

func msgOfType(addr string, kind MessageType) func(queuedMessage) bool {
	return func(q queuedMessage) bool { return q.to == addr && q.msg.Type == kind }
}

func msgOfInstance(addr string, kind MessageType, inst Instance) func(queuedMessage) bool {
	return func(q queuedMessage) bool {
		return q.to == addr && q.msg.Type == kind && q.msg.Instance == inst
	}
}

// testTransport implements Transport against the test network.
type testTransport struct {
	net     *testNetwork
	addr    string
	handler func(*Message)
}

func (t *testTransport) Start() error { return nil }
func (t *testTransport) Stop() error  { return nil }
func (t *testTransport) LocalAddr() string {
	return t.addr
}
func (t *testTransport) SetMessageHandler(handler func(*Message)) {
	t.handler = handler
}
func (t *testTransport) SendMessage(targetAddr string, msg *Message) error {
	t.net.queue = append(t.net.queue, queuedMessage{to: targetAddr, msg: msg})
	return nil
}

// countingSM wraps the KV state machine and records every applied command.
type countingSM struct {
	kv      *state_machine.KVStateMachine
	applied []string
}

func (s *countingSM) Run(command []byte) []byte {
	s.applied = append(s.applied, string(command))
	return s.kv.Run(command)
}

// cluster is N replicas over a test network, driven synchronously: replicas
// are never Started, and settle() runs their event loops by hand so tests are
// deterministic. Every timer interval is cranked up to an hour so nothing
// fires behind the test's back.
type cluster struct {
	t        *testing.T
	net      *testNetwork
	replicas []*Replica
	sms      []*countingSM
	// clientReplies collects everything sent to the test client address
	clientReplies []*Message
}

const testClientAddr = "client:0"

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	net := newTestNetwork(t)
	c := &cluster{t: t, net: net}

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("r%d", i)
	}

	for i := 0; i < n; i++ {
		config := DefaultConfig()
		config.Addresses = addrs
		config.ReplicaIndex = i
		config.ResendInterval = time.Hour
		config.SlowPathTimeout = time.Hour
		config.CommitTimeout = time.Hour
		config.RecoveryBackoffBase = time.Hour
		config.RecoveryBackoffMax = time.Hour

		sm := &countingSM{kv: state_machine.NewKVStateMachine()}
		replica, err := NewReplica(config, net.transport(addrs[i]), sm)
		require.NoError(t, err)
		replica.fatalf = func(format string, args ...interface{}) {
			t.Fatalf("replica %d protocol violation: %s", i, fmt.Sprintf(format, args...))
		}

		c.replicas = append(c.replicas, replica)
		c.sms = append(c.sms, sm)
	}

	client := net.transport(testClientAddr)
	client.SetMessageHandler(func(msg *Message) {
		c.clientReplies = append(c.clientReplies, msg)
	})

	return c
}

// drainOne runs one queued event-loop closure on any replica.
func (c *cluster) drainOne() bool {
	for _, r := range c.replicas {
		select {
		case fn := <-r.eventCh:
			fn()
			return true
		default:
		}
	}
	return false
}

func (c *cluster) drainAll() {
	for c.drainOne() {
	}
}

// settle delivers messages and runs handlers until the cluster is quiescent.
func (c *cluster) settle() {
	c.t.Helper()
	for i := 0; i < 100000; i++ {
		if c.drainOne() {
			continue
		}
		if c.net.deliverOne() {
			continue
		}
		return
	}
	c.t.Fatal("cluster did not settle")
}

// submit injects a client request at the given replica and runs the handler.
func (c *cluster) submit(leader int, pseudonym string, clientID int32, payload string) {
	c.replicas[leader].dispatch(&Message{
		Type:            ClientRequestMsg,
		ClientAddr:      testClientAddr,
		ClientPseudonym: pseudonym,
		ClientID:        clientID,
		Payload:         []byte(payload),
	})
	c.drainAll()
}

func (c *cluster) entry(replica int, inst Instance) *Entry {
	return c.replicas[replica].cmdLog[inst]
}

func (c *cluster) requireExecuted(inst Instance, wantSeq int32, wantDeps ...Instance) {
	c.t.Helper()
	for i, r := range c.replicas {
		entry := r.cmdLog[inst]
		require.NotNilf(c.t, entry, "replica %d has no entry for %s", i, inst)
		assert.Equalf(c.t, StatusExecuted, entry.Status, "replica %d status for %s", i, inst)
		assert.Equalf(c.t, wantSeq, entry.Triple.Seq, "replica %d seq for %s", i, inst)
		assert.Truef(c.t, entry.Triple.Deps.Equal(NewInstanceSet(wantDeps...)),
			"replica %d deps for %s: got %v", i, inst, entry.Triple.Deps.Slice())
	}
}

// ---- Scenario: single non-conflicting command commits on the fast path ----

func TestFastPathCommit(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}

	committed, _ := c.replicas[3].Bus().Subscribe(InstanceCommitted, 4)
	executed, _ := c.replicas[3].Bus().Subscribe(CommandExecuted, 4)

	c.submit(0, "pseud-0", 1, "SET x=1")
	c.settle()

	c.requireExecuted(inst, 0)
	assert.Equal(t, uint64(1), c.replicas[0].Metrics().GetSnapshot().FastPathCommits)

	// Every replica applied the command exactly once, and the client heard
	// back from the leader only.
	for i, sm := range c.sms {
		assert.Equalf(t, []string{"SET x=1"}, sm.applied, "replica %d", i)
	}
	require.Len(t, c.clientReplies, 1)
	assert.Equal(t, ClientReplyMsg, c.clientReplies[0].Type)
	assert.Equal(t, int32(1), c.clientReplies[0].ClientID)
	assert.Equal(t, []byte("OK"), c.clientReplies[0].Result)

	// A non-leader observer saw both lifecycle events.
	require.Len(t, committed, 1)
	payload := (<-committed).Payload.(CommittedPayload)
	assert.Equal(t, inst, payload.Instance)
	require.Len(t, executed, 1)
	assert.Equal(t, []byte("OK"), (<-executed).Payload.(ExecutedPayload).Result)
}

// ---- Scenario: conflicting concurrent commands both take the slow path ----

func TestConflictingCommandsSlowPath(t *testing.T) {
	c := newCluster(t, 5)
	i0 := Instance{Leader: 0, Number: 0}
	i1 := Instance{Leader: 1, Number: 0}

	c.submit(0, "pseud-0", 1, "SET x=a")
	c.submit(1, "pseud-1", 1, "SET x=b")

	// Feed the acceptors in opposing orders so the PreAcceptOk attributes
	// diverge: r2 sees i0 first, r3 sees i1 first, r4 stays out of it until
	// both leaders have moved on.
	c.net.deliverMatching(msgOfInstance("r3", PreAcceptMsg, i1)) // r3: i1 gets no deps
	c.drainAll()
	c.net.deliverMatching(msgOfInstance("r1", PreAcceptMsg, i0)) // r1: i0 depends on i1
	c.drainAll()
	c.net.deliverMatching(msgOfInstance("r2", PreAcceptMsg, i0)) // r2: i0 gets no deps
	c.drainAll()
	c.net.deliverMatching(msgOfInstance("r3", PreAcceptMsg, i0)) // r3: i0 depends on i1
	c.drainAll()
	c.net.deliverMatching(msgOfInstance("r0", PreAcceptMsg, i1)) // r0: i1 depends on i0
	c.drainAll()
	c.net.deliverMatching(msgOfInstance("r2", PreAcceptMsg, i1)) // r2: i1 depends on i0
	c.drainAll()

	// Both leaders now reach fast-quorum size with divergent attributes and
	// have to run the Accept phase; the leftovers settle afterwards.
	c.settle()

	assert.Equal(t, uint64(1), c.replicas[0].Metrics().GetSnapshot().SlowPathCommits)
	assert.Equal(t, uint64(1), c.replicas[1].Metrics().GetSnapshot().SlowPathCommits)

	c.requireExecuted(i0, 1, i1)
	c.requireExecuted(i1, 1, i0)

	// The two instances form one component; every replica breaks the tie the
	// same way and applies i0 before i1.
	for i, sm := range c.sms {
		assert.Equalf(t, []string{"SET x=a", "SET x=b"}, sm.applied, "replica %d", i)
	}
}

// ---- Scenario: recovery commits a pre-accepted command after leader crash ----

func TestRecoveryFromMatchingPreAccepts(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}

	// Replica 0 starts pre-accepting, reaches only replicas 1 and 2, then
	// crashes before hearing anything back.
	c.submit(0, "pseud-0", 1, "SET x=1")
	c.net.deliverMatching(msgOfType("r1", PreAcceptMsg))
	c.net.deliverMatching(msgOfType("r2", PreAcceptMsg))
	c.drainAll()
	c.net.queue = nil
	c.net.dead["r0"] = true

	// Replica 2 suspects the leader and recovers. Its Prepare finds two
	// matching default-ballot PreAccepts (its own and replica 1's); that is
	// f matches outside the crashed leader, so the triple goes straight to
	// the Accept phase.
	c.replicas[2].startRecovery(inst)
	c.settle()

	for i := 1; i < 5; i++ {
		entry := c.entry(i, inst)
		require.NotNilf(t, entry, "replica %d", i)
		assert.Equalf(t, StatusExecuted, entry.Status, "replica %d", i)
		assert.Equalf(t, int32(0), entry.Triple.Seq, "replica %d", i)
		assert.Falsef(t, entry.Triple.Command.Noop, "replica %d recovered a noop", i)
		assert.Equalf(t, []string{"SET x=1"}, c.sms[i].applied, "replica %d", i)
	}
	assert.Equal(t, uint64(1), c.replicas[2].Metrics().GetSnapshot().RecoveryCommits)
}

// ---- Scenario: recovery of an untouched instance commits a noop ----

func TestRecoveryCommitsNoopWhenNothingSeen(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 3}

	c.net.dead["r0"] = true
	c.replicas[2].startRecovery(inst)
	c.settle()

	for i := 1; i < 5; i++ {
		entry := c.entry(i, inst)
		require.NotNilf(t, entry, "replica %d", i)
		assert.Equalf(t, StatusExecuted, entry.Status, "replica %d", i)
		assert.Truef(t, entry.Triple.Command.Noop, "replica %d", i)
		assert.Emptyf(t, c.sms[i].applied, "replica %d: noop must not touch the state machine", i)
	}
}

// ---- Scenario: duelling recoveries, the higher ballot wins ----

func TestDuellingRecovery(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}

	// Replicas 1..4 all hold default-ballot PreAccepts, then the leader dies.
	c.submit(0, "pseud-0", 1, "SET x=1")
	for i := 1; i < 5; i++ {
		c.net.deliverMatching(msgOfType(fmt.Sprintf("r%d", i), PreAcceptMsg))
	}
	c.drainAll()
	c.net.queue = nil
	c.net.dead["r0"] = true

	// Both replicas 2 and 3 time out. 2 picks ballot (1,2), 3 picks (1,3).
	c.replicas[2].startRecovery(inst)
	c.replicas[3].startRecovery(inst)
	require.Equal(t, Ballot{1, 2}, c.replicas[2].leaderStates[inst].ballot)
	require.Equal(t, Ballot{1, 3}, c.replicas[3].leaderStates[inst].ballot)

	// Replica 2's Prepare reaches replica 3 first and bounces: 3 already
	// joined the higher ballot (1,3) and nacks.
	c.net.deliverMatching(msgOfInstance("r3", PrepareMsg, inst))
	c.drainAll()
	c.net.deliverMatching(msgOfType("r2", NackMsg))
	c.drainAll()

	assert.Nil(t, c.replicas[2].leaderStates[inst])
	assert.Positive(t, c.replicas[2].recoveryBackoff[inst])

	// Replica 3's recovery runs to completion; replica 2 observes it.
	c.settle()

	for i := 1; i < 5; i++ {
		entry := c.entry(i, inst)
		require.NotNilf(t, entry, "replica %d", i)
		assert.Truef(t, entry.decided(), "replica %d", i)
		assert.Falsef(t, entry.Triple.Command.Noop, "replica %d", i)
	}
}

// ---- Scenario: client retries are answered from the client table ----

func TestClientRetryDedup(t *testing.T) {
	c := newCluster(t, 5)

	c.submit(0, "pseud-7", 42, "SET x=1")
	c.settle()
	require.Len(t, c.clientReplies, 1)

	// The retry must not re-run the state machine anywhere.
	c.submit(0, "pseud-7", 42, "SET x=1")
	c.settle()

	require.Len(t, c.clientReplies, 2)
	assert.Equal(t, c.clientReplies[0].Result, c.clientReplies[1].Result)
	assert.Equal(t, int32(42), c.clientReplies[1].ClientID)
	for i, sm := range c.sms {
		assert.Equalf(t, []string{"SET x=1"}, sm.applied, "replica %d", i)
	}
	assert.Positive(t, c.replicas[0].Metrics().GetSnapshot().RetriesDeduped)
}

// A retry racing its original: both instances commit, the second is caught
// at apply time and answered from the cache.
func TestInflightDuplicateDedupedAtApply(t *testing.T) {
	c := newCluster(t, 5)

	c.submit(0, "pseud-7", 42, "SET x=1")
	c.submit(1, "pseud-7", 42, "SET x=1")
	c.settle()

	// One apply per replica, regardless of two committed instances.
	for i, sm := range c.sms {
		assert.Equalf(t, []string{"SET x=1"}, sm.applied, "replica %d", i)
	}
	// The client heard from both leaders, with the same result.
	require.Len(t, c.clientReplies, 2)
	assert.Equal(t, c.clientReplies[0].Result, c.clientReplies[1].Result)
}

// ---- Idempotence ----

func TestReplayCommitIsNoop(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}

	c.submit(0, "pseud-0", 1, "SET x=1")

	// Keep a copy of the commit broadcast before replica 1 consumes it.
	var commitCopy *Message
	for {
		c.drainAll()
		if len(c.net.queue) == 0 {
			break
		}
		item := c.net.queue[0]
		if item.to == "r1" && item.msg.Type == CommitMsg {
			data, err := json.Marshal(item.msg)
			require.NoError(t, err)
			commitCopy = &Message{}
			require.NoError(t, json.Unmarshal(data, commitCopy))
		}
		c.net.deliverOne()
	}
	require.NotNil(t, commitCopy)
	require.Equal(t, StatusExecuted, c.entry(1, inst).Status)

	c.replicas[1].dispatch(commitCopy)
	c.drainAll()

	assert.Equal(t, StatusExecuted, c.entry(1, inst).Status)
	assert.Equal(t, []string{"SET x=1"}, c.sms[1].applied)
}

func TestReplayPreAcceptReemitsVote(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}
	cmd := CommandOrNoop{ClientAddr: testClientAddr, ClientPseudonym: "p", ClientID: 1, Payload: []byte("SET x=1")}

	preAccept := &Message{
		Type:         PreAcceptMsg,
		Instance:     inst,
		Ballot:       DefaultBallot(0),
		ReplicaIndex: 0,
		Command:      &cmd,
		Seq:          0,
	}

	c.replicas[1].dispatch(preAccept)
	first := c.net.take(msgOfType("r0", PreAcceptOkMsg))
	entryBefore := *c.entry(1, inst)

	c.replicas[1].dispatch(preAccept)
	second := c.net.take(msgOfType("r0", PreAcceptOkMsg))

	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.Deps, second.Deps)
	assert.Equal(t, first.Ballot, second.Ballot)
	assert.Equal(t, entryBefore.Status, c.entry(1, inst).Status)
	assert.Equal(t, entryBefore.VoteBallot, c.entry(1, inst).VoteBallot)
}

func TestStalePreAcceptIsNacked(t *testing.T) {
	c := newCluster(t, 5)
	inst := Instance{Leader: 0, Number: 0}
	cmd := CommandOrNoop{Payload: []byte("SET x=1")}

	// A Prepare at (1,2) raises the instance's ballot on replica 1.
	c.replicas[1].dispatch(&Message{
		Type:         PrepareMsg,
		Instance:     inst,
		Ballot:       Ballot{1, 2},
		ReplicaIndex: 2,
	})
	c.net.take(msgOfType("r2", PrepareOkMsg))

	// The original leader's default-ballot PreAccept is now stale.
	c.replicas[1].dispatch(&Message{
		Type:         PreAcceptMsg,
		Instance:     inst,
		Ballot:       DefaultBallot(0),
		ReplicaIndex: 0,
		Command:      &cmd,
	})
	nack := c.net.take(msgOfType("r0", NackMsg))
	assert.Equal(t, Ballot{1, 2}, nack.LargestBallot)
	assert.Equal(t, StatusNoCommand, c.entry(1, inst).Status)
}

// ---- Invariants across a busy run ----

func TestBallotAndVoteMonotonicityAndAgreement(t *testing.T) {
	c := newCluster(t, 5)

	for id := int32(1); id <= 4; id++ {
		c.submit(int(id-1), fmt.Sprintf("pseud-%d", id), id, fmt.Sprintf("SET k%d=%d", id, id))
	}
	c.settle()

	for i, r := range c.replicas {
		for inst, entry := range r.cmdLog {
			assert.Falsef(t, entry.Ballot.Less(entry.VoteBallot),
				"replica %d instance %s: voteBallot %s above ballot %s",
				i, inst, entry.VoteBallot, entry.Ballot)
		}
	}

	// No decision flip: every replica decided every instance identically,
	// and executed in the same total order.
	for inst, entry := range c.replicas[0].cmdLog {
		for i := 1; i < 5; i++ {
			other := c.entry(i, inst)
			require.NotNilf(t, other, "replica %d missing %s", i, inst)
			assert.Equalf(t, entry.Triple.Seq, other.Triple.Seq, "replica %d %s", i, inst)
			assert.Truef(t, entry.Triple.Deps.Equal(other.Triple.Deps), "replica %d %s", i, inst)
		}
	}
	for i := 1; i < 5; i++ {
		assert.Equalf(t, c.sms[0].applied, c.sms[i].applied, "replica %d execution order", i)
	}
}
