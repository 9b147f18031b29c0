// cmd/coordinator starts the cluster coordinator: node registry, heartbeat
// monitor, replica index, upload/download RPC dispatch, the re-replication
// engine, and the read-only operator HTTP surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/coordinator"
	"github.com/rs/zerolog"
)

func main() {
	defaults := config.DefaultCoordinatorConfig()

	host := flag.String("host", defaults.Host, "address to listen on")
	port := flag.Int("port", defaults.Port, "port to listen on")
	adminHost := flag.String("admin-host", defaults.AdminHost, "operator HTTP address")
	adminPort := flag.Int("admin-port", defaults.AdminPort, "operator HTTP port (0 disables it)")
	metaPath := flag.String("meta", defaults.MetastorePath, "path to the journal database")
	replication := flag.Int("default-replication", defaults.DefaultReplicationFactor, "default replication factor")
	strategy := flag.String("placement-strategy", defaults.PlacementStrategy, "diverse | least_loaded | random")
	failureTimeout := flag.Duration("failure-timeout", defaults.FailureTimeout, "heartbeat timeout before a node is marked failed")
	sweepInterval := flag.Duration("sweep-interval", defaults.SweepInterval, "re-replication sweep interval")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := defaults
	cfg.Host = *host
	cfg.Port = *port
	cfg.AdminHost = *adminHost
	cfg.AdminPort = *adminPort
	cfg.MetastorePath = *metaPath
	cfg.DefaultReplicationFactor = *replication
	cfg.PlacementStrategy = *strategy
	cfg.FailureTimeout = *failureTimeout
	cfg.SweepInterval = *sweepInterval

	c, err := coordinator.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble coordinator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start coordinator")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out")
		os.Exit(1)
	}
}
