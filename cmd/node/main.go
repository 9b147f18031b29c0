// cmd/node starts one storage node process: a chunk store, a bandwidth
// accountant, and the RPC listener that serves PutChunk/GetChunk/Ping and
// pushes heartbeats to the coordinator.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/node"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	defaults := config.DefaultNodeConfig()

	nodeID := flag.String("node-id", "", "node ID (defaults to a generated one if omitted)")
	host := flag.String("host", defaults.Host, "address to listen on")
	port := flag.Int("port", defaults.Port, "port to listen on")
	coordHost := flag.String("coordinator-host", defaults.CoordinatorHost, "coordinator address")
	coordPort := flag.Int("coordinator-port", defaults.CoordinatorPort, "coordinator port")
	capacity := flag.Int64("capacity-bytes", defaults.CapacityBytes, "storage capacity in bytes")
	bandwidth := flag.Int64("bandwidth", defaults.BandwidthBitsPerS, "link bandwidth in bits/second")
	heartbeat := flag.Duration("heartbeat-interval", defaults.HeartbeatInterval, "heartbeat interval")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	id := *nodeID
	if id == "" {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")
		log.Info().Str("node_id", id).Msg("no -node-id given; generated one")
	}

	cfg := defaults
	cfg.NodeID = id
	cfg.Host = *host
	cfg.Port = *port
	cfg.CoordinatorHost = *coordHost
	cfg.CoordinatorPort = *coordPort
	cfg.CapacityBytes = *capacity
	cfg.BandwidthBitsPerS = *bandwidth
	cfg.HeartbeatInterval = *heartbeat

	srv := node.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start node")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out")
		os.Exit(1)
	}
}
