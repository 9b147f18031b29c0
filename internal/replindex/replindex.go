// Package replindex implements the coordinator's replica index: the
// single shared mutable structure on the coordinator, mapping (file_id,
// chunk_index) to the set of nodes believed to hold it, with a reverse
// by-node view kept consistent under the same lock.
package replindex

import "sync"

// Key identifies a chunk cluster-wide.
type Key struct {
	FileID string
	Index  int
}

// UnderReplicatedEntry is one row of Index.UnderReplicated's output.
type UnderReplicatedEntry struct {
	Key       Key
	CurrentR  int
	RequiredR int
}

// Index is the coordinator's replica index. One mutex guards both views,
// keeping writes to one update the other atomically, and is never held
// while an outgoing RPC is in flight: callers drop it, make the RPC, and
// re-acquire it to commit.
type Index struct {
	mu       sync.RWMutex
	byChunk  map[Key]map[string]struct{}
	byNode   map[string]map[Key]struct{}
	required map[Key]int
}

func New() *Index {
	return &Index{
		byChunk:  make(map[Key]map[string]struct{}),
		byNode:   make(map[string]map[Key]struct{}),
		required: make(map[Key]int),
	}
}

// SetRequiredReplication records the replication factor a chunk must
// reach; called by the upload coordinator as soon as a chunk is
// assigned, so UnderReplicated has something to compare against even
// before the first replica lands.
func (idx *Index) SetRequiredReplication(key Key, r int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.required[key] = r
}

// Register records that nodeID holds a replica of key. Callers must only
// register a node after it has ACKed a successful put, and must
// unregister it the moment the node is declared FAILED.
func (idx *Index) Register(key Key, nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.byChunk[key] == nil {
		idx.byChunk[key] = make(map[string]struct{})
	}
	idx.byChunk[key][nodeID] = struct{}{}

	if idx.byNode[nodeID] == nil {
		idx.byNode[nodeID] = make(map[Key]struct{})
	}
	idx.byNode[nodeID][key] = struct{}{}
}

// Unregister removes the (key, nodeID) replica pairing, e.g. because a
// download found it corrupt or a sweep found it stale.
func (idx *Index) Unregister(key Key, nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unregisterLocked(key, nodeID)
}

func (idx *Index) unregisterLocked(key Key, nodeID string) {
	if set, ok := idx.byChunk[key]; ok {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(idx.byChunk, key)
		}
	}
	if set, ok := idx.byNode[nodeID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx.byNode, nodeID)
		}
	}
}

// Locations returns the set of nodes currently believed to hold key.
func (idx *Index) Locations(key Key) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byChunk[key]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// ChunksOn returns every chunk key currently believed to live on nodeID.
func (idx *Index) ChunksOn(nodeID string) []Key {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byNode[nodeID]
	out := make([]Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// EvictNode removes every (key, nodeID) pairing for nodeID in one pass,
// atomically with respect to other index operations - used when a node
// is declared FAILED. Returns the keys that were affected so the caller
// can hand them to re-replication without a second index traversal.
func (idx *Index) EvictNode(nodeID string) []Key {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set := idx.byNode[nodeID]
	affected := make([]Key, 0, len(set))
	for k := range set {
		affected = append(affected, k)
		if chunkSet, ok := idx.byChunk[k]; ok {
			delete(chunkSet, nodeID)
			if len(chunkSet) == 0 {
				delete(idx.byChunk, k)
			}
		}
	}
	delete(idx.byNode, nodeID)
	return affected
}

// UnderReplicated returns every chunk whose current replica count is
// below its required replication factor.
func (idx *Index) UnderReplicated() []UnderReplicatedEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []UnderReplicatedEntry
	for key, required := range idx.required {
		current := len(idx.byChunk[key])
		if current < required {
			out = append(out, UnderReplicatedEntry{Key: key, CurrentR: current, RequiredR: required})
		}
	}
	return out
}

// ReplicaCount returns how many nodes currently hold key.
func (idx *Index) ReplicaCount(key Key) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byChunk[key])
}

// ForgetFile drops every tracked key belonging to fileID from the required
// map and from byChunk/byNode - used when an upload is aborted and its
// partial chunks are garbage collected rather than re-replicated forever.
func (idx *Index) ForgetFile(fileID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key := range idx.required {
		if key.FileID != fileID {
			continue
		}
		for nodeID := range idx.byChunk[key] {
			idx.unregisterLocked(key, nodeID)
		}
		delete(idx.required, key)
	}
}
