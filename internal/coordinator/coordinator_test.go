package coordinator

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/node"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ephemeralAddr reserves an address on the loopback interface and releases
// it immediately, for handing to a process that will bind it itself.
func ephemeralAddr(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	h, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	fmt.Sscanf(p, "%d", &port)
	return h, port
}

func startTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	host, port := ephemeralAddr(t)

	cfg := config.DefaultCoordinatorConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.AdminPort = 0
	cfg.MetastorePath = filepath.Join(t.TempDir(), "meta.db")
	cfg.FailureTimeout = 200 * time.Millisecond
	cfg.TickInterval = 20 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.RPCTimeout = 5 * time.Second

	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.ListenAndServe(context.Background()))
	t.Cleanup(c.Shutdown)
	return c, fmt.Sprintf("%s:%d", host, port)
}

func startTestStorageNode(t *testing.T, coordAddr string, capacity int64) *node.Server {
	t.Helper()
	host, port := ephemeralAddr(t)
	coordHost, coordPortStr, err := net.SplitHostPort(coordAddr)
	require.NoError(t, err)
	var coordPort int
	fmt.Sscanf(coordPortStr, "%d", &coordPort)

	cfg := config.DefaultNodeConfig()
	cfg.NodeID = fmt.Sprintf("node-%d", port)
	cfg.Host = host
	cfg.Port = port
	cfg.CoordinatorHost = coordHost
	cfg.CoordinatorPort = coordPort
	cfg.CapacityBytes = capacity
	cfg.SimulateTransfers = false
	cfg.HeartbeatInterval = 30 * time.Millisecond

	s := node.New(cfg, zerolog.Nop())
	require.NoError(t, s.ListenAndServe(context.Background()))
	t.Cleanup(s.Shutdown)
	time.Sleep(10 * time.Millisecond)
	return s
}

// TestThreeNodeUploadDownloadHappyPath exercises a three-node cluster,
// upload with replication 3, then a full download that reassembles the
// original bytes.
func TestThreeNodeUploadDownloadHappyPath(t *testing.T) {
	_, addr := startTestCoordinator(t)
	for i := 0; i < 3; i++ {
		startTestStorageNode(t, addr, 10<<20)
	}
	time.Sleep(50 * time.Millisecond) // let registrations land

	client := clusterclient.NewCoordinatorClient(addr, 5*time.Second)

	fileID, _, err := client.UploadBegin("greeting.txt", 13, 3)
	require.NoError(t, err)

	require.NoError(t, client.UploadChunk(fileID, 0, []byte("hello, world!")))
	require.NoError(t, client.UploadCommit(fileID))

	var got []byte
	require.NoError(t, client.Download(fileID, func(index int, data []byte, checksum string) error {
		got = append(got, data...)
		return nil
	}))
	require.Equal(t, "hello, world!", string(got))
}

// TestStatusReportsClusterShape exercises the Status RPC against a small
// cluster with one committed file.
func TestStatusReportsClusterShape(t *testing.T) {
	_, addr := startTestCoordinator(t)
	for i := 0; i < 2; i++ {
		startTestStorageNode(t, addr, 1<<20)
	}
	time.Sleep(50 * time.Millisecond)

	client := clusterclient.NewCoordinatorClient(addr, 5*time.Second)
	fileID, _, err := client.UploadBegin("f", 4, 2)
	require.NoError(t, err)
	require.NoError(t, client.UploadChunk(fileID, 0, []byte("data")))
	require.NoError(t, client.UploadCommit(fileID))

	status, err := client.Status()
	require.NoError(t, err)
	require.Equal(t, 2, status.TotalNodes)
	require.Equal(t, 1, status.FileCount)
}

// TestUploadRejectedWhenClusterTooSmall exercises scenario 4: a chunk
// upload requesting more replicas than the cluster can supply fails
// rather than silently under-replicating.
func TestUploadRejectedWhenClusterTooSmall(t *testing.T) {
	_, addr := startTestCoordinator(t)
	startTestStorageNode(t, addr, 1<<20)
	time.Sleep(50 * time.Millisecond)

	client := clusterclient.NewCoordinatorClient(addr, 5*time.Second)
	fileID, _, err := client.UploadBegin("f", 4, 3)
	require.NoError(t, err)

	err = client.UploadChunk(fileID, 0, []byte("data"))
	require.Error(t, err)
}

// TestStaleChunkGarbageCollectedAfterGracePeriod exercises scenario 6: a
// node holding a chunk the coordinator has no record of (as if it had
// recovered with stale state from before a restart) reports it on every
// heartbeat; once the grace period elapses the coordinator instructs the
// node to delete it, without disturbing any chunk actually known to the
// replica index.
func TestStaleChunkGarbageCollectedAfterGracePeriod(t *testing.T) {
	c, addr := startTestCoordinator(t)
	c.cfg.GCGracePeriod = 60 * time.Millisecond
	n := startTestStorageNode(t, addr, 1<<20)

	stale := chunkstore.Key{FileID: "ghost-file", Index: 0}
	_, err := n.Store().Put(stale, []byte("leftover"), chunkstore.Checksum([]byte("leftover")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !n.Store().Has(stale)
	}, 2*time.Second, 20*time.Millisecond, "stale chunk was never garbage collected")
}
