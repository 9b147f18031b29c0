package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/download"
	"github.com/clustore/clustore/internal/errs"
	"github.com/clustore/clustore/internal/events"
	"github.com/clustore/clustore/internal/healthmon"
	"github.com/clustore/clustore/internal/metastore"
	"github.com/clustore/clustore/internal/replindex"
	"github.com/clustore/clustore/internal/rereplicate"
	"github.com/clustore/clustore/internal/upload"
	"github.com/clustore/clustore/internal/wire"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Coordinator is the cluster's single coordinator process: it owns the
// node registry, the heartbeat monitor, the replica index, and the
// upload/download/re-replication engines built on top of them, and it is
// the sole process speaking both the node-facing and client-facing halves
// of the wire protocol.
type Coordinator struct {
	cfg config.CoordinatorConfig
	log zerolog.Logger

	registry    *Registry
	health      *healthmon.Monitor
	index       *replindex.Index
	bus         *events.Bus
	meta        *metastore.Store
	uploadC     *upload.Coordinator
	downloadC   *download.Coordinator
	rereplicate *rereplicate.Engine
	gc          *pendingGC

	listener   net.Listener
	adminHTTP  *http.Server
	wg         sync.WaitGroup
	stopCh     chan struct{}
	startedAt  time.Time
}

// New assembles a Coordinator and opens its journal. The journal's
// manifests, if any, are adopted into the upload coordinator's in-memory
// map before ListenAndServe starts accepting requests.
func New(cfg config.CoordinatorConfig, log zerolog.Logger) (*Coordinator, error) {
	log = log.With().Str("component", "coordinator").Logger()

	meta, err := metastore.Open(cfg.MetastorePath)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	bus := events.NewBus()
	index := replindex.New()
	health := healthmon.New(cfg.FailureTimeout, bus, log)
	uploadC := upload.New(registry, index, meta, cfg, log)
	downloadC := download.New(uploadC, index, registry, cfg, log)
	rereplicateE := rereplicate.New(index, registry, uploadC, bus, cfg, log)

	if existing, loadErr := meta.LoadAll(); loadErr != nil {
		log.Warn().Err(loadErr).Msg("journal replay failed; starting with empty state")
	} else {
		uploadC.Adopt(existing)
	}

	return &Coordinator{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		health:      health,
		index:       index,
		bus:         bus,
		meta:        meta,
		uploadC:     uploadC,
		downloadC:   downloadC,
		rereplicate: rereplicateE,
		gc:          newPendingGC(),
		stopCh:      make(chan struct{}),
	}, nil
}

// ListenAndServe binds the node/client-facing TCP listener, starts the
// heartbeat monitor, the re-replication engine, the failure-event
// subscriber, and the admin HTTP surface, then returns.
func (c *Coordinator) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: listen %s: %w", addr, err)
	}
	c.listener = ln
	c.startedAt = time.Now()

	c.wg.Add(1)
	go c.acceptLoop()

	c.health.Run(ctx, c.cfg.TickInterval, time.Now)
	c.rereplicate.Run(ctx, c.cfg.SweepInterval)

	c.wg.Add(1)
	go c.subscribeFailures()

	c.wg.Add(1)
	go c.gcSweepLoop()

	if c.cfg.AdminPort != 0 {
		c.startAdminHTTP()
	}

	c.log.Info().Str("addr", addr).Msg("coordinator listening")
	return nil
}

// Shutdown stops every subsystem and closes the journal.
func (c *Coordinator) Shutdown() {
	close(c.stopCh)
	if c.listener != nil {
		_ = c.listener.Close()
	}
	c.health.Stop()
	c.rereplicate.Stop()
	if c.adminHTTP != nil {
		_ = c.adminHTTP.Close()
	}
	c.wg.Wait()
	_ = c.meta.Close()
}

// subscribeFailures evicts a failed node's chunks from the replica index
// and flips its registry status, and restores it to Healthy on recovery.
// This runs as its own subscriber rather than a direct call from
// healthmon, so the monitor does not need to know about the replica
// index at all.
func (c *Coordinator) subscribeFailures() {
	defer c.wg.Done()
	sub := c.bus.Subscribe()
	for {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.NodeFailed:
				c.registry.SetStatus(ev.NodeID, Failed)
				affected := c.index.EvictNode(ev.NodeID)
				c.log.Warn().Str("node_id", ev.NodeID).Int("chunks_affected", len(affected)).Msg("node failed; evicted from replica index")
			case events.NodeRecovered:
				c.registry.SetStatus(ev.NodeID, Healthy)
				c.log.Info().Str("node_id", ev.NodeID).Msg("node recovered")
			}
		case <-c.stopCh:
			return
		}
	}
}

// gcSweepLoop periodically deletes chunks that have sat unclaimed in
// pendingGC past the configured grace period. Reuses the re-replication
// sweep cadence rather than inventing a new config knob.
func (c *Coordinator) gcSweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runGCSweep(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) runGCSweep(now time.Time) {
	for _, cand := range c.gc.sweepExpired(now, c.cfg.GCGracePeriod) {
		addr, ok := c.registry.NodeAddr(cand.nodeID)
		if !ok {
			// Node is gone entirely; nothing left to delete against.
			continue
		}
		err := clusterclient.NewNodeClient(addr, c.cfg.RPCTimeout).DeleteChunk(cand.key.FileID, cand.key.Index)
		if err != nil {
			c.log.Warn().Str("node_id", cand.nodeID).Str("file_id", cand.key.FileID).Int("index", cand.key.Index).Err(err).Msg("stale chunk GC failed; will retry")
			c.gc.readd(cand)
			continue
		}
		c.log.Info().Str("node_id", cand.nodeID).Str("file_id", cand.key.FileID).Int("index", cand.key.Index).Msg("stale chunk garbage collected")
	}
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.log.Error().Err(err).Msg("accept failed")
				return
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()
			c.handleConn(conn)
		}()
	}
}

func (c *Coordinator) handleConn(conn net.Conn) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}

	switch frame.Kind {
	case wire.KindRegister:
		c.handleRegister(conn, frame)
	case wire.KindHeartbeat:
		c.handleHeartbeat(conn, frame)
	case wire.KindUploadBegin:
		c.handleUploadBegin(conn, frame)
	case wire.KindUploadChunk:
		c.handleUploadChunk(conn, frame)
	case wire.KindUploadCommit:
		c.handleUploadCommit(conn, frame)
	case wire.KindDownload:
		c.handleDownload(conn, frame)
	case wire.KindStatus:
		c.handleStatus(conn)
	default:
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: fmt.Sprintf("unsupported request kind %s", frame.Kind)})
	}
}

func (c *Coordinator) handleRegister(conn net.Conn, frame wire.Frame) {
	var p wire.RegisterPayload
	if err := frame.Decode(&p); err != nil {
		c.writeErr(conn, err)
		return
	}
	info, _ := c.registry.Register(p.NodeID, p.Host, p.Port, p.Capacity, p.Bandwidth)
	c.health.Register(info.NodeID, time.Now())
	c.log.Info().Str("node_id", info.NodeID).Str("addr", info.Addr()).Int("generation", info.Generation).Msg("node registered")
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

func (c *Coordinator) handleHeartbeat(conn net.Conn, frame wire.Frame) {
	var p wire.HeartbeatPayload
	if err := frame.Decode(&p); err != nil {
		c.writeErr(conn, err)
		return
	}
	ts := time.Unix(0, p.Timestamp)
	c.registry.UpdateHeartbeatSnapshot(p.NodeID, p.UsedBytes, p.Utilisation, ts)
	c.health.Heartbeat(p.NodeID, ts)
	c.reconcileReportedChunks(p.NodeID, p.Chunks)
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

// reconcileReportedChunks handles recovery reconciliation: a node's
// heartbeat always carries its full chunk list, so every heartbeat - not
// just the first one after a recovery - is checked against what the
// replica index believes that node holds. Chunks the node holds but the
// index does not recognise start (or continue) their garbage-collection
// grace period; chunks that become recognised, or that the node no longer
// reports, fall out of it.
func (c *Coordinator) reconcileReportedChunks(nodeID string, reported []wire.ChunkRef) {
	reportedKeys := make([]replindex.Key, len(reported))
	for i, r := range reported {
		reportedKeys[i] = replindex.Key{FileID: r.FileID, Index: r.Index}
	}
	known := c.index.ChunksOn(nodeID)
	added := c.gc.reconcile(nodeID, reportedKeys, known)
	for _, k := range added {
		c.log.Warn().Str("node_id", nodeID).Str("file_id", k.FileID).Int("index", k.Index).Msg("stale chunk reported by node; pending garbage collection")
	}
}

func (c *Coordinator) handleUploadBegin(conn net.Conn, frame wire.Frame) {
	var p wire.UploadBeginPayload
	if err := frame.Decode(&p); err != nil {
		c.writeErr(conn, err)
		return
	}
	fileID, chunkSize, err := c.uploadC.Begin(p.DisplayName, p.TotalSize, p.Replication)
	if err != nil {
		c.writeErr(conn, err)
		return
	}
	_ = wire.WriteFrame(conn, wire.KindPayload, wire.UploadBeginReply{FileID: fileID, ChunkSize: chunkSize})
}

func (c *Coordinator) handleUploadChunk(conn net.Conn, frame wire.Frame) {
	var header wire.UploadChunkHeader
	if err := frame.Decode(&header); err != nil {
		c.writeErr(conn, err)
		return
	}
	data, err := wire.ReadBulk(conn, header.Size)
	if err != nil {
		return
	}
	if err := c.uploadC.PutChunk(context.Background(), header.FileID, header.Index, data); err != nil {
		c.abortOnCapacityFailure(header.FileID, err)
		c.writeErr(conn, err)
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

func (c *Coordinator) handleUploadCommit(conn net.Conn, frame wire.Frame) {
	var p wire.UploadCommitPayload
	if err := frame.Decode(&p); err != nil {
		c.writeErr(conn, err)
		return
	}
	if err := c.uploadC.Commit(p.FileID); err != nil {
		c.abortOnCapacityFailure(p.FileID, err)
		c.writeErr(conn, err)
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

// abortOnCapacityFailure discards fileID's in-progress upload when err is a
// capacity-class failure, so an upload that can never reach its replication
// factor doesn't leave registered replicas and an uncommitted manifest
// lingering forever.
func (c *Coordinator) abortOnCapacityFailure(fileID string, err error) {
	if !errors.Is(err, errs.ErrInsufficientReplicas) {
		return
	}
	if abortErr := c.uploadC.Abort(fileID); abortErr != nil {
		c.log.Warn().Err(abortErr).Str("file_id", fileID).Msg("abort after insufficient replicas failed")
	}
}

func (c *Coordinator) handleDownload(conn net.Conn, frame wire.Frame) {
	var p wire.DownloadPayload
	if err := frame.Decode(&p); err != nil {
		c.writeErr(conn, err)
		return
	}
	err := c.downloadC.Stream(p.FileID, func(index int, data []byte, checksum string) error {
		if err := wire.WriteFrame(conn, wire.KindData, wire.DownloadChunkHeader{Index: index, Size: int64(len(data)), Checksum: checksum}); err != nil {
			return err
		}
		return wire.WriteBulk(conn, data)
	})
	if err != nil {
		c.writeErr(conn, err)
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

func (c *Coordinator) handleStatus(conn net.Conn) {
	_ = wire.WriteFrame(conn, wire.KindPayload, c.statusReply())
}

func (c *Coordinator) statusReply() wire.StatusReply {
	files := c.uploadC.Files()
	fileCount := 0
	for _, f := range files {
		if f.Committed {
			fileCount++
		}
	}
	return wire.StatusReply{
		TotalNodes:           c.registry.Count(),
		HealthyNodes:         c.health.HealthyCount(),
		TotalBytes:           c.registry.TotalCapacity(),
		UsedBytes:            c.registry.TotalUsed(),
		FileCount:            fileCount,
		UnderReplicatedCount: len(c.index.UnderReplicated()),
	}
}

func (c *Coordinator) writeErr(conn net.Conn, err error) {
	c.log.Warn().Err(err).Str("category", errs.CategoryOf(err).String()).Msg("request failed")
	_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
}

// startAdminHTTP serves the read-only operator surface: GET /status
// mirrors the wire Status RPC as JSON, GET /healthz is a bare liveness
// probe. Neither is on the data path.
func (c *Coordinator) startAdminHTTP() {
	r := mux.NewRouter()
	r.HandleFunc("/status", c.serveStatusHTTP).Methods(http.MethodGet)
	r.HandleFunc("/healthz", c.serveHealthzHTTP).Methods(http.MethodGet)

	c.adminHTTP = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", c.cfg.AdminHost, c.cfg.AdminPort),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("admin http server stopped")
		}
	}()
}

func (c *Coordinator) serveStatusHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.statusReply())
}

func (c *Coordinator) serveHealthzHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Uptime reports how long the coordinator has been serving.
func (c *Coordinator) Uptime() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}
