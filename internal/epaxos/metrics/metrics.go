// Package metrics collects counters for EPaxos replica operations.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects protocol and executor counters for one replica. All
// methods are safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	// Messages received, by protocol message name
	messagesReceived map[string]*atomic.Uint64

	// Commit counters by path
	fastPathCommits atomic.Uint64
	slowPathCommits atomic.Uint64
	recoveryCommits atomic.Uint64

	// Executor counters
	commandsExecuted atomic.Uint64
	noopsExecuted    atomic.Uint64
	retriesDeduped   atomic.Uint64

	// Current number of vertices in the dependency graph: committed but
	// unexecuted instances plus not-yet-committed dependencies they name
	graphSize atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		messagesReceived: make(map[string]*atomic.Uint64),
		startTime:        time.Now(),
	}
}

// RecordMessage increments the received counter for one message kind.
func (m *Metrics) RecordMessage(kind string) {
	m.mu.RLock()
	counter, ok := m.messagesReceived[kind]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		counter, ok = m.messagesReceived[kind]
		if !ok {
			counter = &atomic.Uint64{}
			m.messagesReceived[kind] = counter
		}
		m.mu.Unlock()
	}
	counter.Add(1)
}

// RecordFastPathCommit counts a commit taken on the fast path.
func (m *Metrics) RecordFastPathCommit() {
	m.fastPathCommits.Add(1)
}

// RecordSlowPathCommit counts a commit taken through the Accept phase.
func (m *Metrics) RecordSlowPathCommit() {
	m.slowPathCommits.Add(1)
}

// RecordRecoveryCommit counts a commit driven by a recovering leader.
func (m *Metrics) RecordRecoveryCommit() {
	m.recoveryCommits.Add(1)
}

// RecordCommandExecuted counts a command applied to the state machine.
func (m *Metrics) RecordCommandExecuted() {
	m.commandsExecuted.Add(1)
}

// RecordNoopExecuted counts a noop passing through the executor.
func (m *Metrics) RecordNoopExecuted() {
	m.noopsExecuted.Add(1)
}

// RecordRetryDeduped counts a client retry answered from the client table.
func (m *Metrics) RecordRetryDeduped() {
	m.retriesDeduped.Add(1)
}

// SetGraphSize records the current dependency graph population.
func (m *Metrics) SetGraphSize(size int) {
	m.graphSize.Store(int64(size))
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	MessagesReceived map[string]uint64 `json:"messages_received"`
	FastPathCommits  uint64            `json:"fast_path_commits"`
	SlowPathCommits  uint64            `json:"slow_path_commits"`
	RecoveryCommits  uint64            `json:"recovery_commits"`
	CommandsExecuted uint64            `json:"commands_executed"`
	NoopsExecuted    uint64            `json:"noops_executed"`
	RetriesDeduped   uint64            `json:"retries_deduped"`
	GraphSize        int64             `json:"graph_size"`
	ExecutedPerSec   float64           `json:"executed_per_sec"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
}

// GetSnapshot returns a consistent copy of the current counters.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	received := make(map[string]uint64, len(m.messagesReceived))
	for kind, counter := range m.messagesReceived {
		received[kind] = counter.Load()
	}
	m.mu.RUnlock()

	uptime := time.Since(m.startTime).Seconds()
	executed := m.commandsExecuted.Load()

	perSec := 0.0
	if uptime > 0 {
		perSec = float64(executed) / uptime
	}

	return Snapshot{
		MessagesReceived: received,
		FastPathCommits:  m.fastPathCommits.Load(),
		SlowPathCommits:  m.slowPathCommits.Load(),
		RecoveryCommits:  m.recoveryCommits.Load(),
		CommandsExecuted: executed,
		NoopsExecuted:    m.noopsExecuted.Load(),
		RetriesDeduped:   m.retriesDeduped.Load(),
		GraphSize:        m.graphSize.Load(),
		ExecutedPerSec:   perSec,
		UptimeSeconds:    uptime,
	}
}

// ExportJSON returns the snapshot as indented JSON for logging or dashboards.
func (m *Metrics) ExportJSON() (string, error) {
	snapshot := m.GetSnapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
