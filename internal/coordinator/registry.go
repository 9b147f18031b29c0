// Package coordinator glues together the heartbeat monitor, placement
// policy, replica index, and upload/download/re-replication engines
// behind the registration/status/upload/download RPC surface.
package coordinator

import (
	"strconv"
	"sync"
	"time"

	"github.com/clustore/clustore/internal/placement"
)

// NodeStatus is the node descriptor's lifecycle state.
type NodeStatus int

const (
	Registering NodeStatus = iota
	Healthy
	Failed
	Decommissioned
)

func (s NodeStatus) String() string {
	switch s {
	case Registering:
		return "registering"
	case Healthy:
		return "healthy"
	case Failed:
		return "failed"
	case Decommissioned:
		return "decommissioned"
	default:
		return "unknown"
	}
}

// NodeInfo is the coordinator's view of one storage node.
type NodeInfo struct {
	NodeID          string
	Host            string
	Port            int
	Capacity        int64
	Bandwidth       int64
	Status          NodeStatus
	Generation      int
	LastHeartbeatAt time.Time
	UsedBytes       int64
	Utilisation     int64
}

func (n NodeInfo) Addr() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

func (n NodeInfo) FreeBytes() int64 {
	free := n.Capacity - n.UsedBytes
	if free < 0 {
		return 0
	}
	return free
}

// Registry tracks every node the coordinator has ever heard from. It is
// its own small mutex-guarded structure rather than folded into replindex,
// since it holds descriptor/lifecycle state, not replica placement state.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*NodeInfo)}
}

// Register records a node descriptor. If nodeID is already known with the
// same (host, port), registration is idempotent - the existing entry is
// refreshed in place. If the endpoint differs, the old entry is
// transitioned to DECOMMISSIONED and a new one is created with an
// incremented generation.
func (r *Registry) Register(nodeID, host string, port int, capacity, bandwidth int64) (info NodeInfo, wasDuplicateEndpoint bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[nodeID]
	if !ok {
		n := &NodeInfo{
			NodeID: nodeID, Host: host, Port: port,
			Capacity: capacity, Bandwidth: bandwidth,
			Status: Healthy, Generation: 1, LastHeartbeatAt: time.Now(),
		}
		r.nodes[nodeID] = n
		return *n, false
	}

	if existing.Host == host && existing.Port == port {
		existing.Capacity = capacity
		existing.Bandwidth = bandwidth
		existing.Status = Healthy
		existing.LastHeartbeatAt = time.Now()
		return *existing, true
	}

	existing.Status = Decommissioned
	n := &NodeInfo{
		NodeID: nodeID, Host: host, Port: port,
		Capacity: capacity, Bandwidth: bandwidth,
		Status: Healthy, Generation: existing.Generation + 1, LastHeartbeatAt: time.Now(),
	}
	r.nodes[nodeID] = n
	return *n, false
}

// UpdateHeartbeatSnapshot refreshes a node's reported used-bytes and
// utilisation from its latest heartbeat.
func (r *Registry) UpdateHeartbeatSnapshot(nodeID string, usedBytes, utilisation int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.UsedBytes = usedBytes
		n.Utilisation = utilisation
		n.LastHeartbeatAt = at
	}
}

func (r *Registry) SetStatus(nodeID string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Status = status
	}
}

func (r *Registry) Get(nodeID string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

func (r *Registry) All() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// PlacementCandidates returns every node eligible for new replica
// placement: only nodes whose Status is HEALTHY (REGISTERING, FAILED and
// DECOMMISSIONED entries are skipped). healthmon's verdicts reach this
// Status field through coordinator.go's failure-event subscriber, which
// sets FAILED on NodeFailed and HEALTHY on NodeRecovered.
func (r *Registry) PlacementCandidates() []placement.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]placement.Candidate, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status != Healthy {
			continue
		}
		out = append(out, placement.Candidate{NodeID: n.NodeID, FreeBytes: n.FreeBytes()})
	}
	return out
}

// TotalCapacity and TotalUsed aggregate across every known node for the
// Status RPC.
func (r *Registry) TotalCapacity() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, n := range r.nodes {
		if n.Status == Decommissioned {
			continue
		}
		total += n.Capacity
	}
	return total
}

func (r *Registry) TotalUsed() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, n := range r.nodes {
		if n.Status == Decommissioned {
			continue
		}
		total += n.UsedBytes
	}
	return total
}

// Utilisation returns a node's last-reported bandwidth utilisation,
// satisfying rereplicate.NodeDirectory's source-selection need to prefer
// the least-loaded surviving holder.
func (r *Registry) Utilisation(nodeID string) (int64, bool) {
	n, ok := r.Get(nodeID)
	if !ok {
		return 0, false
	}
	return n.Utilisation, true
}

// NodeAddr resolves a node ID to its dial address, satisfying
// upload.NodeDirectory and download.NodeDirectory.
func (r *Registry) NodeAddr(nodeID string) (string, bool) {
	n, ok := r.Get(nodeID)
	if !ok {
		return "", false
	}
	return n.Addr(), true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.nodes {
		if info.Status != Decommissioned {
			n++
		}
	}
	return n
}
