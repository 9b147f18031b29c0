package rereplicate

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/events"
	"github.com/clustore/clustore/internal/manifest"
	"github.com/clustore/clustore/internal/node"
	"github.com/clustore/clustore/internal/placement"
	"github.com/clustore/clustore/internal/replindex"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu   sync.Mutex
	addr map[string]string
	free map[string]int64
	util map[string]int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{addr: make(map[string]string), free: make(map[string]int64), util: make(map[string]int64)}
}

func (d *fakeDirectory) add(nodeID, addr string, free int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr[nodeID] = addr
	d.free[nodeID] = free
}

func (d *fakeDirectory) PlacementCandidates() []placement.Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]placement.Candidate, 0, len(d.addr))
	for id := range d.addr {
		out = append(out, placement.Candidate{NodeID: id, FreeBytes: d.free[id]})
	}
	return out
}

func (d *fakeDirectory) NodeAddr(nodeID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.addr[nodeID]
	return a, ok
}

func (d *fakeDirectory) Utilisation(nodeID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.util[nodeID]
	return u, ok
}

type fakeFiles struct {
	mu    sync.Mutex
	files map[string]manifest.File
}

func newFakeFiles() *fakeFiles { return &fakeFiles{files: make(map[string]manifest.File)} }

func (f *fakeFiles) set(file manifest.File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.FileID] = file
}

func (f *fakeFiles) File(fileID string) (manifest.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.files[fileID]
	return m, ok
}

func startTestNode(t *testing.T, capacity int64) (*node.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := config.DefaultNodeConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.CapacityBytes = capacity
	cfg.SimulateTransfers = false
	cfg.HeartbeatInterval = time.Hour

	s := node.New(cfg, zerolog.Nop())
	require.NoError(t, s.ListenAndServe(context.Background()))
	t.Cleanup(s.Shutdown)
	time.Sleep(10 * time.Millisecond)
	return s, addr
}

func putDirect(t *testing.T, addr, fileID string, index int, data []byte) {
	t.Helper()
	client := clusterclient.NewNodeClient(addr, 5*time.Second)
	require.NoError(t, client.PutChunk(fileID, index, data, chunkstore.Checksum(data)))
}

func TestSweepRestoresReplicationFactor(t *testing.T) {
	_, addrSource := startTestNode(t, 1<<20)
	_, addrTarget := startTestNode(t, 1<<20)

	dir := newFakeDirectory()
	dir.add("source", addrSource, 1<<20)
	dir.add("target", addrTarget, 1<<20)

	data := []byte("re-replicate me")
	putDirect(t, addrSource, "f1", 0, data)

	idx := replindex.New()
	key := replindex.Key{FileID: "f1", Index: 0}
	idx.SetRequiredReplication(key, 2)
	idx.Register(key, "source")

	files := newFakeFiles()
	files.set(manifest.File{FileID: "f1", ChunkCount: 1, ReplicationFactor: 2, ChunkChecksums: []string{chunkstore.Checksum(data)}, Committed: true})

	bus := events.NewBus()
	cfg := config.DefaultCoordinatorConfig()
	cfg.MaxRereplicationParallel = 2
	cfg.RPCTimeout = 5 * time.Second

	e := New(idx, dir, files, bus, cfg, zerolog.Nop())
	e.Sweep(time.Now())

	require.Eventually(t, func() bool {
		return idx.ReplicaCount(key) == 2
	}, time.Second, 5*time.Millisecond)

	require.Contains(t, idx.Locations(key), "target")
}

func TestSweepLeavesFullyReplicatedChunkAlone(t *testing.T) {
	dir := newFakeDirectory()
	idx := replindex.New()
	key := replindex.Key{FileID: "f1", Index: 0}
	idx.SetRequiredReplication(key, 1)
	idx.Register(key, "n0")

	files := newFakeFiles()
	bus := events.NewBus()
	e := New(idx, dir, files, bus, config.DefaultCoordinatorConfig(), zerolog.Nop())

	e.Sweep(time.Now())
	require.Empty(t, e.Snapshot())
}

func TestSweepRetriesWithBackoffOnFailure(t *testing.T) {
	dir := newFakeDirectory()
	dir.add("ghost", "127.0.0.1:1", 1<<20)

	idx := replindex.New()
	key := replindex.Key{FileID: "f1", Index: 0}
	idx.SetRequiredReplication(key, 2)
	idx.Register(key, "ghost")

	files := newFakeFiles()
	files.set(manifest.File{FileID: "f1", ChunkCount: 1, ReplicationFactor: 2, ChunkChecksums: []string{"deadbeef"}, Committed: true})

	bus := events.NewBus()
	cfg := config.DefaultCoordinatorConfig()
	cfg.ReplicationBackoffBase = time.Hour // effectively never retries within the test window
	e := New(idx, dir, files, bus, cfg, zerolog.Nop())

	e.Sweep(time.Now())
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		st, ok := snap[key]
		return ok && st == Failed
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 5 * time.Second
	cap := 5 * time.Minute
	require.Equal(t, base, backoff(1, base, cap))
	require.Equal(t, 2*base, backoff(2, base, cap))
	require.Equal(t, 4*base, backoff(3, base, cap))
	require.Equal(t, cap, backoff(20, base, cap))
}
