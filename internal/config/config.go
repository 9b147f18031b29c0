// Package config holds the default tunables for each process role: one
// struct per role, one Default constructor per struct. There is no
// YAML/file-based loading; operators wire these defaults up from flags in
// cmd/*.
package config

import "time"

// NodeConfig configures a single storage node process.
type NodeConfig struct {
	NodeID            string
	Host              string
	Port              int
	CoordinatorHost   string
	CoordinatorPort   int
	CapacityBytes     int64
	BandwidthBitsPerS int64
	HeartbeatInterval time.Duration
	BaseLatency       time.Duration
	VerifyOnRead      bool
	// SimulateTransfers, when true, sleeps for the computed transmission
	// time on every put/get. Tests disable this to stay fast while still
	// exercising the bandwidth accountant's bookkeeping.
	SimulateTransfers bool
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Host:              "0.0.0.0",
		Port:              9000,
		CoordinatorHost:   "127.0.0.1",
		CoordinatorPort:   8000,
		CapacityBytes:     100 << 30, // 100 GiB
		BandwidthBitsPerS: 1 << 30,   // 1 Gbit/s
		HeartbeatInterval: 3 * time.Second,
		BaseLatency:       5 * time.Millisecond,
		VerifyOnRead:      true,
		SimulateTransfers: true,
	}
}

// CoordinatorConfig configures the coordinator process.
type CoordinatorConfig struct {
	Host                      string
	Port                      int
	AdminHost                 string
	AdminPort                 int
	MetastorePath             string
	TickInterval              time.Duration
	FailureTimeout            time.Duration
	SweepInterval             time.Duration
	MaxPutRetries             int
	MaxRereplicationParallel  int
	ReplicationBackoffBase    time.Duration
	ReplicationBackoffCap     time.Duration
	GCGracePeriod             time.Duration
	DefaultReplicationFactor  int
	PlacementStrategy         string // "diverse" | "least_loaded" | "random"
	RejectOnInsufficientNodes bool
	RPCTimeout                time.Duration
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Host:                      "0.0.0.0",
		Port:                      8000,
		AdminHost:                 "0.0.0.0",
		AdminPort:                 8001,
		MetastorePath:             "./coordinator-meta.db",
		TickInterval:              1 * time.Second,
		FailureTimeout:            30 * time.Second,
		SweepInterval:             60 * time.Second,
		MaxPutRetries:             3,
		MaxRereplicationParallel:  4,
		ReplicationBackoffBase:    5 * time.Second,
		ReplicationBackoffCap:     5 * time.Minute,
		GCGracePeriod:             2 * time.Minute,
		DefaultReplicationFactor:  3,
		PlacementStrategy:         "diverse",
		RejectOnInsufficientNodes: true,
		RPCTimeout:                60 * time.Second,
	}
}

// ClientConfig configures the thin CLI client.
type ClientConfig struct {
	CoordinatorHost string
	CoordinatorPort int
	RPCTimeout      time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CoordinatorHost: "127.0.0.1",
		CoordinatorPort: 8000,
		RPCTimeout:      60 * time.Second,
	}
}

// ChunkSizeFor picks a chunk size by total file size: small files use a
// small chunk so the overhead of placement and replication isn't wasted
// on padding, large files use a large chunk to amortize per-chunk RPCs.
func ChunkSizeFor(totalSize int64) int64 {
	const mib = 1 << 20
	switch {
	case totalSize < 10*mib:
		return 512 * 1024
	case totalSize <= 100*mib:
		return 2 * mib
	default:
		return 10 * mib
	}
}
