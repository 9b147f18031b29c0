package coordinator

import (
	"sync"
	"time"

	"github.com/clustore/clustore/internal/replindex"
)

// gcKey identifies one node's copy of a chunk pending garbage collection.
type gcKey struct {
	nodeID string
	key    replindex.Key
}

// pendingGC tracks chunks a node reported in its heartbeat that the
// coordinator has no record of. A recovered node reports its chunk list
// in every heartbeat; chunks unknown to the coordinator are candidates
// for garbage collection after a grace period. The shape mirrors
// rereplicate.Engine's task map: a plain map guarded by one mutex, swept
// on a timer rather than acted on inline.
type pendingGC struct {
	mu         sync.Mutex
	discovered map[gcKey]time.Time
}

func newPendingGC() *pendingGC {
	return &pendingGC{discovered: make(map[gcKey]time.Time)}
}

// reconcile compares a node's reported chunk set against the chunks the
// replica index believes that node holds. Chunks the node reports but the
// index does not know about start their grace period now, unless already
// pending. Chunks the node no longer reports, or that the index now
// recognises, are dropped from the pending set. Returns the keys newly
// added this call, for logging.
func (g *pendingGC) reconcile(nodeID string, reported []replindex.Key, known []replindex.Key) []replindex.Key {
	knownSet := make(map[replindex.Key]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	reportedSet := make(map[replindex.Key]struct{}, len(reported))
	for _, k := range reported {
		reportedSet[k] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for k := range g.discovered {
		if k.nodeID != nodeID {
			continue
		}
		if _, stillReported := reportedSet[k.key]; !stillReported {
			delete(g.discovered, k)
			continue
		}
		if _, nowKnown := knownSet[k.key]; nowKnown {
			delete(g.discovered, k)
		}
	}

	var added []replindex.Key
	now := time.Now()
	for _, k := range reported {
		if _, ok := knownSet[k]; ok {
			continue
		}
		gk := gcKey{nodeID: nodeID, key: k}
		if _, ok := g.discovered[gk]; ok {
			continue
		}
		g.discovered[gk] = now
		added = append(added, k)
	}
	return added
}

// gcCandidate is one chunk past its grace period, ready for deletion.
type gcCandidate struct {
	nodeID       string
	key          replindex.Key
	discoveredAt time.Time
}

// sweepExpired removes and returns every entry older than grace. Callers
// that fail to delete a returned candidate should re-add it via readd so
// the next sweep retries.
func (g *pendingGC) sweepExpired(now time.Time, grace time.Duration) []gcCandidate {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []gcCandidate
	for k, discoveredAt := range g.discovered {
		if now.Sub(discoveredAt) >= grace {
			out = append(out, gcCandidate{nodeID: k.nodeID, key: k.key, discoveredAt: discoveredAt})
			delete(g.discovered, k)
		}
	}
	return out
}

// readd restores a candidate to the pending set with its original
// discovery time, used after a failed delete RPC so the next sweep
// retries immediately rather than restarting the grace period.
func (g *pendingGC) readd(c gcCandidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.discovered[gcKey{nodeID: c.nodeID, key: c.key}] = c.discoveredAt
}
