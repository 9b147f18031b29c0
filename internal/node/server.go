// Package node implements the storage node server: chunk put/get/ping
// handlers, periodic heartbeat emission, and the transmission time model
// that makes the bandwidth accountant meaningful.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clustore/clustore/internal/bandwidth"
	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/errs"
	"github.com/clustore/clustore/internal/wire"
	"github.com/rs/zerolog"
)

// Server is one storage node process's cluster-facing surface.
type Server struct {
	cfg   config.NodeConfig
	store *chunkstore.Store
	bw    *bandwidth.Accountant
	log   zerolog.Logger

	coord *clusterclient.CoordinatorClient

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	transferSeq         atomic.Uint64
	transfersCompleted  atomic.Uint64
	startedAt           time.Time
}

func New(cfg config.NodeConfig, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  chunkstore.New(cfg.CapacityBytes),
		bw:     bandwidth.New(cfg.BandwidthBitsPerS),
		log:    log.With().Str("component", "node").Str("node_id", cfg.NodeID).Logger(),
		coord:  clusterclient.NewCoordinatorClient(fmt.Sprintf("%s:%d", cfg.CoordinatorHost, cfg.CoordinatorPort), 10*time.Second),
		stopCh: make(chan struct{}),
	}
}

// Store and Bandwidth expose the node's subsystems for tests.
func (s *Server) Store() *chunkstore.Store      { return s.store }
func (s *Server) Bandwidth() *bandwidth.Accountant { return s.bw }

// ListenAndServe binds the node's TCP listener and starts accepting
// connections. It registers with the coordinator and starts the heartbeat
// loop before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	registered := true
	if err := s.register(); err != nil {
		registered = false
		s.log.Error().Err(err).Msg("initial registration failed, will retry on next heartbeat window")
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.heartbeatLoop(ctx, registered)

	s.log.Info().Str("addr", addr).Msg("node listening")
	return nil
}

// Shutdown stops accepting new work and waits for the accept and heartbeat
// loops to exit. Deregistration is best-effort: there is no dedicated wire
// message for it, so a node shuts down by simply halting heartbeats; the
// coordinator's failure timeout converts that silence into a FAILED
// transition.
func (s *Server) Shutdown() {
	close(s.stopCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) register() error {
	return s.coord.Register(wire.RegisterPayload{
		NodeID:    s.cfg.NodeID,
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		Capacity:  s.cfg.CapacityBytes,
		Bandwidth: s.cfg.BandwidthBitsPerS,
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return // client disconnected or sent garbage; nothing to reply to
	}

	switch frame.Kind {
	case wire.KindPutChunk:
		s.handlePutChunk(conn, frame)
	case wire.KindGetChunk:
		s.handleGetChunk(conn, frame)
	case wire.KindPing:
		_ = wire.WriteFrame(conn, wire.KindOK, nil)
	case wire.KindDeleteChunk:
		s.handleDeleteChunk(conn, frame)
	default:
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: fmt.Sprintf("unsupported request kind %s", frame.Kind)})
	}
}

func (s *Server) handlePutChunk(conn net.Conn, frame wire.Frame) {
	var header wire.PutChunkHeader
	if err := frame.Decode(&header); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}
	data, err := wire.ReadBulk(conn, header.Size)
	if err != nil {
		return // can't even reply reliably without the rest of the stream
	}

	key := chunkstore.Key{FileID: header.FileID, Index: header.Index}
	s.simulateTransfer(fmt.Sprintf("put-%d", s.transferSeq.Add(1)), header.Size)

	_, err = s.store.Put(key, data, header.Checksum)
	if err != nil {
		s.log.Warn().Str("file_id", header.FileID).Int("index", header.Index).Err(err).Msg("put rejected")
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}

	s.transfersCompleted.Add(1)
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

func (s *Server) handleGetChunk(conn net.Conn, frame wire.Frame) {
	var header wire.GetChunkHeader
	if err := frame.Decode(&header); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}

	key := chunkstore.Key{FileID: header.FileID, Index: header.Index}
	checksum, err := s.store.StoredChecksum(key)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}

	data, err := s.store.Get(key, s.cfg.VerifyOnRead)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}

	s.simulateTransfer(fmt.Sprintf("get-%d", s.transferSeq.Add(1)), int64(len(data)))
	s.transfersCompleted.Add(1)

	if err := wire.WriteFrame(conn, wire.KindData, wire.GetChunkDataHeader{Size: int64(len(data)), Checksum: checksum}); err != nil {
		return
	}
	_ = wire.WriteBulk(conn, data)
}

// handleDeleteChunk discards a chunk the coordinator no longer has a
// record of - reached only through garbage collection of stale chunks a
// recovered node reported that the coordinator never re-registered.
// Deleting an already-absent chunk is not an error: the node may have
// already evicted it, or the coordinator's GC sweep may be retrying after
// a prior delivery the node actually received.
func (s *Server) handleDeleteChunk(conn net.Conn, frame wire.Frame) {
	var p wire.DeleteChunkPayload
	if err := frame.Decode(&p); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}
	key := chunkstore.Key{FileID: p.FileID, Index: p.Index}
	if err := s.store.Delete(key); err != nil && !errors.Is(err, errs.ErrMissing) {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrPayload{Error: err.Error()})
		return
	}
	s.log.Info().Str("file_id", p.FileID).Int("index", p.Index).Msg("chunk garbage collected")
	_ = wire.WriteFrame(conn, wire.KindOK, nil)
}

// simulateTransfer reserves bandwidth for sizeBytes, sleeps the modeled
// transmission time (size_bits / granted_bandwidth + base_latency) if the
// node is configured to simulate the network, and releases the
// reservation. It always reserves and releases even when simulation is
// disabled, so the bandwidth accountant's bookkeeping is exercised by every
// put/get regardless of test speed requirements.
func (s *Server) simulateTransfer(key string, sizeBytes int64) {
	granted := s.bw.Reserve(key, s.bw.TotalBitsPerSecond())
	defer s.bw.Release(key)

	if !s.cfg.SimulateTransfers {
		return
	}

	sizeBits := sizeBytes * 8
	seconds := float64(sizeBits) / float64(granted)
	duration := time.Duration(seconds*float64(time.Second)) + s.cfg.BaseLatency
	time.Sleep(duration)
}

func (s *Server) heartbeatLoop(ctx context.Context, registered bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !registered {
				if err := s.register(); err != nil {
					s.log.Warn().Err(err).Msg("registration retry failed; will retry on next interval")
					continue
				}
				registered = true
			}
			s.sendHeartbeat()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) sendHeartbeat() {
	metas := s.store.ListChunks()
	chunks := make([]wire.ChunkRef, len(metas))
	for i, m := range metas {
		chunks[i] = wire.ChunkRef{FileID: m.Key.FileID, Index: m.Key.Index}
	}

	payload := wire.HeartbeatPayload{
		NodeID:      s.cfg.NodeID,
		UsedBytes:   s.store.UsedBytes(),
		Utilisation: s.bw.Utilisation(),
		Chunks:      chunks,
		Timestamp:   time.Now().UnixNano(),
	}

	if err := s.coord.Heartbeat(payload); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed; will retry on next interval")
	}
}

// Uptime reports how long the node has been serving.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// TransfersCompleted reports the count of completed put/get transfers.
// Unlike utilisation this is a genuine monotonic accumulator; it is the
// instantaneous bandwidth figure that must never accumulate, not every
// metric.
func (s *Server) TransfersCompleted() uint64 {
	return s.transfersCompleted.Load()
}
