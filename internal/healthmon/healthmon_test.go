package healthmon

import (
	"testing"
	"time"

	"github.com/clustore/clustore/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() (*Monitor, *events.Bus) {
	bus := events.NewBus()
	return New(30*time.Second, bus, zerolog.Nop()), bus
}

func TestRegisterIsHealthy(t *testing.T) {
	m, _ := newTestMonitor()
	now := time.Now()
	m.Register("n1", now)
	st, ok := m.Status("n1")
	require.True(t, ok)
	assert.Equal(t, Healthy, st)
}

func TestEvaluateMarksFailedAfterTimeout(t *testing.T) {
	m, bus := newTestMonitor()
	sub := bus.Subscribe()
	t0 := time.Now()
	m.Register("n1", t0)

	m.Evaluate(t0.Add(29 * time.Second))
	st, _ := m.Status("n1")
	assert.Equal(t, Healthy, st)

	m.Evaluate(t0.Add(31 * time.Second))
	st, _ = m.Status("n1")
	assert.Equal(t, Failed, st)

	select {
	case e := <-sub:
		assert.Equal(t, events.NodeFailed, e.Type)
		assert.Equal(t, "n1", e.NodeID)
	default:
		t.Fatal("expected a NodeFailed event")
	}
}

func TestHeartbeatRecoversFailedNode(t *testing.T) {
	m, bus := newTestMonitor()
	sub := bus.Subscribe()
	t0 := time.Now()
	m.Register("n1", t0)
	m.Evaluate(t0.Add(31 * time.Second))
	require.Equal(t, Failed, statusOf(t, m, "n1"))
	<-sub // drain the NodeFailed event

	m.Heartbeat("n1", t0.Add(32*time.Second))
	assert.Equal(t, Healthy, statusOf(t, m, "n1"))

	select {
	case e := <-sub:
		assert.Equal(t, events.NodeRecovered, e.Type)
	default:
		t.Fatal("expected a NodeRecovered event")
	}
}

func TestHeartbeatDuringFailingTickWins(t *testing.T) {
	// Tie-break rule: a heartbeat wins over a concurrent failure tick.
	m, _ := newTestMonitor()
	t0 := time.Now()
	m.Register("n1", t0)

	// A heartbeat arrives with a timestamp newer than last_seen_at...
	m.Heartbeat("n1", t0.Add(40*time.Second))
	// ...so evaluating against a time that would have failed it based on
	// the old last_seen_at must not flip it to FAILED.
	m.Evaluate(t0.Add(41 * time.Second))
	assert.Equal(t, Healthy, statusOf(t, m, "n1"))
}

// TestReplayIsPure is property P4: replaying the same sequence of heartbeat
// timestamps and evaluate-at times against a fresh monitor produces the
// same final decisions.
func TestReplayIsPure(t *testing.T) {
	t0 := time.Now()
	schedule := func(m *Monitor) {
		m.Register("n1", t0)
		m.Heartbeat("n1", t0.Add(5*time.Second))
		m.Evaluate(t0.Add(10 * time.Second))
		m.Evaluate(t0.Add(40 * time.Second))
		m.Heartbeat("n1", t0.Add(45*time.Second))
		m.Evaluate(t0.Add(50 * time.Second))
	}

	m1, _ := newTestMonitor()
	schedule(m1)
	m2, _ := newTestMonitor()
	schedule(m2)

	s1, _ := m1.Status("n1")
	s2, _ := m2.Status("n1")
	assert.Equal(t, s1, s2)
}

func TestForgetRemovesNode(t *testing.T) {
	m, _ := newTestMonitor()
	m.Register("n1", time.Now())
	m.Forget("n1")
	_, ok := m.Status("n1")
	assert.False(t, ok)
}

func statusOf(t *testing.T, m *Monitor, id string) Status {
	t.Helper()
	st, ok := m.Status(id)
	require.True(t, ok)
	return st
}
