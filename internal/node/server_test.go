package node

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// startTestNode starts a node server on an ephemeral port with transfer
// simulation disabled (so tests run fast) but never pointed at a live
// coordinator - heartbeats will just fail quietly, which is fine for tests
// that only exercise PutChunk/GetChunk/Ping.
func startTestNode(t *testing.T, capacity int64) (*Server, string) {
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
	cfg.NodeID = "test-node"
	cfg.Host = host
	cfg.Port = port
	cfg.CapacityBytes = capacity
	cfg.SimulateTransfers = false
	cfg.HeartbeatInterval = time.Hour // don't spam a non-existent coordinator during tests

	s := New(cfg, zerolog.Nop())
	require.NoError(t, s.ListenAndServe(context.Background()))
	t.Cleanup(s.Shutdown)

	// Give the accept loop a moment to be ready.
	time.Sleep(10 * time.Millisecond)
	return s, addr
}

func TestPutThenGetChunkRoundTrip(t *testing.T) {
	_, addr := startTestNode(t, 1<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)

	data := []byte("the quick brown fox")
	sum := chunkstore.Checksum(data)

	require.NoError(t, client.PutChunk("file-1", 0, data, sum))

	got, gotSum, err := client.GetChunk("file-1", 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, sum, gotSum)
}

func TestPutChunkWrongChecksumRejected(t *testing.T) {
	_, addr := startTestNode(t, 1<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)

	err := client.PutChunk("file-1", 0, []byte("data"), "bogus")
	require.Error(t, err)
}

func TestGetChunkMissing(t *testing.T) {
	_, addr := startTestNode(t, 1<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)

	_, _, err := client.GetChunk("nope", 0)
	require.Error(t, err)
}

func TestDeleteChunk(t *testing.T) {
	s, addr := startTestNode(t, 1<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)

	data := []byte("stale bytes")
	require.NoError(t, client.PutChunk("ghost", 0, data, chunkstore.Checksum(data)))
	require.True(t, s.Store().Has(chunkstore.Key{FileID: "ghost", Index: 0}))

	require.NoError(t, client.DeleteChunk("ghost", 0))
	require.False(t, s.Store().Has(chunkstore.Key{FileID: "ghost", Index: 0}))

	// Deleting an already-absent chunk is not an error.
	require.NoError(t, client.DeleteChunk("ghost", 0))
}

func TestPing(t *testing.T) {
	_, addr := startTestNode(t, 1<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)
	require.NoError(t, client.Ping())
}

// TestBandwidthSettlesAfterConcurrentPuts verifies that ten concurrent
// puts to one node leave utilisation at zero once all have finished.
func TestBandwidthSettlesAfterConcurrentPuts(t *testing.T) {
	s, addr := startTestNode(t, 64<<20)
	client := clusterclient.NewNodeClient(addr, 5*time.Second)

	data := make([]byte, 2<<20)
	for i := range data {
		data[i] = byte(i)
	}
	sum := chunkstore.Checksum(data)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- client.PutChunk("bulk-file", i, data, sum)
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	require.Equal(t, int64(0), s.Bandwidth().Utilisation())
	require.Equal(t, int64(10)*int64(len(data)), s.Store().UsedBytes())
}
