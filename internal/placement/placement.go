// Package placement implements the coordinator's placement policy:
// choosing target nodes for new replicas, maximising diversity and/or
// free space, excluding unhealthy or already-holding nodes.
package placement

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/clustore/clustore/internal/errs"
	"golang.org/x/exp/slices"
)

// Strategy selects how candidates are ordered before the first k are taken.
type Strategy string

const (
	Diverse     Strategy = "diverse"
	LeastLoaded Strategy = "least_loaded"
	Random      Strategy = "random"
)

// Candidate is a placement-eligible node snapshot, supplied by the
// coordinator's node registry.
type Candidate struct {
	NodeID    string
	FreeBytes int64
}

// Constraints narrows the eligible candidate set further.
type Constraints struct {
	MinFreeBytes int64
}

// Select chooses up to k node IDs from candidates, excluding any node ID
// in exclude, honoring constraints, and ordering the rest per strategy.
// If fewer than k candidates qualify, it returns everything that does
// along with ErrInsufficientCapacity so the caller can decide whether to
// accept degraded replication.
func Select(strategy Strategy, k int, candidates []Candidate, exclude map[string]struct{}, constraints Constraints) ([]string, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, excluded := exclude[c.NodeID]; excluded {
			continue
		}
		if c.FreeBytes < constraints.MinFreeBytes {
			continue
		}
		eligible = append(eligible, c)
	}

	ordered := order(strategy, eligible)

	if len(ordered) < k {
		return idsOf(ordered), errs.ErrInsufficientCapacity
	}
	return idsOf(ordered[:k]), nil
}

// Exclude is a convenience constructor for a placement exclusion set.
func Exclude(nodeIDs ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		out[id] = struct{}{}
	}
	return out
}

// Contains reports whether a candidate with nodeID is present in
// candidates, using slices.IndexFunc for the membership check.
func Contains(candidates []Candidate, nodeID string) bool {
	return slices.IndexFunc(candidates, func(c Candidate) bool { return c.NodeID == nodeID }) >= 0
}

func order(strategy Strategy, eligible []Candidate) []Candidate {
	switch strategy {
	case LeastLoaded:
		sorted := append([]Candidate(nil), eligible...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].FreeBytes > sorted[j].FreeBytes })
		return sorted
	case Random:
		shuffled := append([]Candidate(nil), eligible...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	case Diverse:
		fallthrough
	default:
		return diverseOrder(eligible)
	}
}

// diverseOrder sorts candidates by free bytes descending, then interleaves
// the top and bottom halves by a secondary node-id hash key so that
// clusters of nodes with similar free space (e.g. a freshly added rack)
// don't all land consecutively at the front of the list.
func diverseOrder(eligible []Candidate) []Candidate {
	sorted := append([]Candidate(nil), eligible...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FreeBytes != sorted[j].FreeBytes {
			return sorted[i].FreeBytes > sorted[j].FreeBytes
		}
		return hashOf(sorted[i].NodeID) < hashOf(sorted[j].NodeID)
	})

	n := len(sorted)
	mid := (n + 1) / 2
	top, bottom := sorted[:mid], sorted[mid:]

	out := make([]Candidate, 0, n)
	for i := 0; i < mid; i++ {
		out = append(out, top[i])
		if i < len(bottom) {
			out = append(out, bottom[i])
		}
	}
	return out
}

func hashOf(nodeID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return h.Sum32()
}

func idsOf(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.NodeID
	}
	return out
}
