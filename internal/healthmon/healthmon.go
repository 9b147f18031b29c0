// Package healthmon implements the coordinator's heartbeat monitor: a
// timestamp-driven HEALTHY/FAILED state machine per node, evaluated on a
// tick and publishing NodeFailed/NodeRecovered to the event bus rather
// than invoking callbacks directly.
//
// It is shaped as a named long-running monitor with an explicit
// Run/Stop, a ticker loop, and copy-out accessor methods behind an
// RWMutex.
package healthmon

import (
	"context"
	"sync"
	"time"

	"github.com/clustore/clustore/internal/events"
	"github.com/rs/zerolog"
)

type Status int

const (
	Healthy Status = iota
	Failed
)

func (s Status) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "failed"
}

type nodeState struct {
	Status     Status
	LastSeenAt time.Time
}

// Monitor tracks HEALTHY/FAILED status for every registered node. Its
// decisions are a pure function of the sequence of heartbeat timestamps
// fed to it and the clock it's evaluated against: Evaluate takes "now" as
// an explicit argument precisely so tests can replay a schedule
// deterministically instead of depending on wall-clock timing.
type Monitor struct {
	mu             sync.RWMutex
	nodes          map[string]*nodeState
	failureTimeout time.Duration
	bus            *events.Bus
	log            zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(failureTimeout time.Duration, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		nodes:          make(map[string]*nodeState),
		failureTimeout: failureTimeout,
		bus:            bus,
		log:            log.With().Str("component", "healthmon").Logger(),
	}
}

// Register marks a node HEALTHY as of now.
func (m *Monitor) Register(nodeID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = &nodeState{Status: Healthy, LastSeenAt: now}
}

// Heartbeat records a heartbeat received at ts. If the node was FAILED and
// ts is newer than its recorded last_seen_at, it transitions back to
// HEALTHY and NodeRecovered is published. A heartbeat that arrives during
// a concurrent failure-evaluation tick wins, which falls out naturally
// because Heartbeat and Evaluate both take the monitor's lock.
func (m *Monitor) Heartbeat(nodeID string, ts time.Time) {
	m.mu.Lock()
	st, ok := m.nodes[nodeID]
	if !ok {
		st = &nodeState{Status: Healthy, LastSeenAt: ts}
		m.nodes[nodeID] = st
		m.mu.Unlock()
		return
	}
	newer := ts.After(st.LastSeenAt)
	if newer {
		st.LastSeenAt = ts
	}
	recovered := st.Status == Failed && newer
	if recovered {
		st.Status = Healthy
	}
	m.mu.Unlock()

	if recovered {
		m.log.Info().Str("node_id", nodeID).Msg("node recovered")
		m.bus.Publish(events.Event{Type: events.NodeRecovered, NodeID: nodeID, At: ts})
	}
}

// Evaluate runs one tick of the HEALTHY -> FAILED transition against now,
// publishing NodeFailed for every node whose last heartbeat is older than
// failureTimeout. Exposed directly (not just via Run) so tests can replay
// a deterministic sequence of (heartbeat..., evaluate-at-T) steps.
func (m *Monitor) Evaluate(now time.Time) {
	var justFailed []string

	m.mu.Lock()
	for id, st := range m.nodes {
		if st.Status == Healthy && now.Sub(st.LastSeenAt) > m.failureTimeout {
			st.Status = Failed
			justFailed = append(justFailed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range justFailed {
		m.log.Warn().Str("node_id", id).Msg("node failed: heartbeat timeout")
		m.bus.Publish(events.Event{Type: events.NodeFailed, NodeID: id, At: now})
	}
}

// Status returns the current status of a node, and whether it is known at
// all.
func (m *Monitor) Status(nodeID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.nodes[nodeID]
	if !ok {
		return Failed, false
	}
	return st.Status, true
}

// HealthyCount returns how many known nodes are currently HEALTHY.
func (m *Monitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.nodes {
		if st.Status == Healthy {
			n++
		}
	}
	return n
}

// Forget removes a node entirely, for a node that is decommissioned
// rather than merely failed. The coordinator does not call it;
// re-registration resets a node's monitor state through Register instead.
func (m *Monitor) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Run starts the tick loop on its own goroutine, ticking every
// tickInterval until Stop is called: a named long-running task owned by
// the coordinator, not a background thread with an implicit lifetime.
func (m *Monitor) Run(ctx context.Context, tickInterval time.Duration, now func() time.Time) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Evaluate(now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
