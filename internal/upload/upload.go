// Package upload implements the coordinator's upload procedure: begin,
// put-chunk, commit. Each chunk is pushed to its placement targets
// synchronously, with bounded per-node retries and replacement targets
// drawn from the remaining candidate pool, so a single flaky node during
// upload does not fail the whole file.
package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/errs"
	"github.com/clustore/clustore/internal/manifest"
	"github.com/clustore/clustore/internal/metastore"
	"github.com/clustore/clustore/internal/placement"
	"github.com/clustore/clustore/internal/replindex"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NodeDirectory is the coordinator's node registry, narrowed to what
// placement and RPC dispatch need. Defined here (rather than imported from
// package coordinator) to avoid an import cycle: package coordinator
// constructs a Coordinator and hands it the registry that satisfies this.
type NodeDirectory interface {
	PlacementCandidates() []placement.Candidate
	NodeAddr(nodeID string) (string, bool)
}

// Coordinator runs upload operations against one cluster's node directory
// and replica index.
type Coordinator struct {
	mu    sync.Mutex
	files map[string]*manifest.File

	index *replindex.Index
	nodes NodeDirectory
	meta  *metastore.Store
	cfg   config.CoordinatorConfig
	log   zerolog.Logger
}

func New(nodes NodeDirectory, index *replindex.Index, meta *metastore.Store, cfg config.CoordinatorConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		files: make(map[string]*manifest.File),
		index: index,
		nodes: nodes,
		meta:  meta,
		cfg:   cfg,
		log:   log.With().Str("component", "upload").Logger(),
	}
}

// Adopt seeds the in-memory file map from a journal replay on startup.
// The journal only warms memory; it is never read on a live path.
func (c *Coordinator) Adopt(files []*manifest.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.files[f.FileID] = f
	}
}

// File returns a copy of a tracked manifest, used by download and status.
func (c *Coordinator) File(fileID string) (manifest.File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileID]
	if !ok {
		return manifest.File{}, false
	}
	return *f, true
}

// Files returns a snapshot of every tracked manifest, used by the Status
// RPC and by the re-replication sweep.
func (c *Coordinator) Files() []manifest.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]manifest.File, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, *f)
	}
	return out
}

// Begin creates a new file manifest and chooses its chunk size.
// replication falls back to the coordinator's configured default when
// the caller passes 0.
func (c *Coordinator) Begin(displayName string, totalSize int64, replication int) (fileID string, chunkSize int64, err error) {
	if totalSize < 0 {
		return "", 0, fmt.Errorf("upload: %w: negative total size", errs.ErrInvalidArgument)
	}
	if replication <= 0 {
		replication = c.cfg.DefaultReplicationFactor
	}

	chunkSize = config.ChunkSizeFor(totalSize)
	chunkCount := 1
	if totalSize > 0 {
		chunkCount = int((totalSize + chunkSize - 1) / chunkSize)
	}

	f := &manifest.File{
		FileID:            strings.ReplaceAll(uuid.New().String(), "-", ""),
		DisplayName:       displayName,
		TotalSize:         totalSize,
		ChunkCount:        chunkCount,
		ChunkSize:         chunkSize,
		ReplicationFactor: replication,
		ChunkChecksums:    make([]string, chunkCount),
		CreatedAt:         time.Now(),
	}

	c.mu.Lock()
	c.files[f.FileID] = f
	c.mu.Unlock()

	for i := 0; i < chunkCount; i++ {
		c.index.SetRequiredReplication(replindex.Key{FileID: f.FileID, Index: i}, replication)
	}

	if err := c.meta.SaveManifest(f); err != nil {
		c.log.Warn().Err(err).Str("file_id", f.FileID).Msg("journal write failed; continuing without it")
	}

	return f.FileID, chunkSize, nil
}

// putResult is one target node's outcome for a single chunk push.
type putResult struct {
	nodeID string
	err    error
}

// PutChunk pushes one chunk's bytes to its placement targets. It retries a
// flaky target up to MaxPutRetries times, then swaps in a fresh candidate
// from the remaining pool, until the chunk's replication factor is met or
// the candidate pool is exhausted. Targets that do succeed are registered
// in the replica index even if the call as a whole ultimately falls short
// of the full replication factor. The re-replication sweep does not top up
// chunks of a file that is not yet committed, so such a chunk stays short
// and Commit rejects the file.
func (c *Coordinator) PutChunk(ctx context.Context, fileID string, index int, data []byte) error {
	f, err := c.lookupForWrite(fileID, index)
	if err != nil {
		return err
	}

	checksum := chunkstore.Checksum(data)
	key := replindex.Key{FileID: fileID, Index: index}
	needed := f.ReplicationFactor

	tried := make(map[string]struct{})
	successes := 0
	var firstSuccess bool

	for successes < needed {
		candidates := c.nodes.PlacementCandidates()
		exclude := make(map[string]struct{}, len(tried))
		for id := range tried {
			exclude[id] = struct{}{}
		}

		targets, selErr := placement.Select(c.strategy(), needed-successes, candidates, exclude, placement.Constraints{})
		if len(targets) == 0 {
			if selErr != nil {
				c.log.Warn().Str("file_id", fileID).Int("index", index).Err(selErr).Msg("no placement candidates remain")
			}
			break
		}

		results := c.pushToTargets(ctx, targets, fileID, index, data, checksum)
		progressed := false
		for _, r := range results {
			tried[r.nodeID] = struct{}{}
			if r.err != nil {
				c.log.Warn().Str("file_id", fileID).Int("index", index).Str("node_id", r.nodeID).Err(r.err).Msg("chunk push failed")
				continue
			}
			c.index.Register(key, r.nodeID)
			successes++
			progressed = true
			if !firstSuccess {
				firstSuccess = true
				c.recordChecksum(fileID, index, checksum)
			}
		}
		if !progressed {
			break
		}
	}

	if successes < needed {
		if successes > 0 && !c.cfg.RejectOnInsufficientNodes {
			c.log.Warn().Str("file_id", fileID).Int("index", index).Int("successes", successes).Int("needed", needed).Msg("accepting degraded replication; RejectOnInsufficientNodes disabled")
			return nil
		}
		return fmt.Errorf("upload: chunk %d of %s: %w (%d/%d replicas)", index, fileID, errs.ErrInsufficientReplicas, successes, needed)
	}
	return nil
}

// pushToTargets pushes the same chunk bytes to every target concurrently.
func (c *Coordinator) pushToTargets(ctx context.Context, targets []string, fileID string, index int, data []byte, checksum string) []putResult {
	results := make([]putResult, len(targets))
	var wg sync.WaitGroup
	for i, nodeID := range targets {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			results[i] = putResult{nodeID: nodeID, err: c.pushWithRetry(ctx, nodeID, fileID, index, data, checksum)}
		}(i, nodeID)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) pushWithRetry(ctx context.Context, nodeID, fileID string, index int, data []byte, checksum string) error {
	addr, ok := c.nodes.NodeAddr(nodeID)
	if !ok {
		return fmt.Errorf("upload: %w: %s", errs.ErrUnknownNode, nodeID)
	}
	client := clusterclient.NewNodeClient(addr, c.cfg.RPCTimeout)

	var lastErr error
	attempts := c.cfg.MaxPutRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if lastErr = client.PutChunk(fileID, index, data, checksum); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Coordinator) recordChecksum(fileID string, index int, checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[fileID]; ok && index < len(f.ChunkChecksums) {
		f.ChunkChecksums[index] = checksum
	}
}

func (c *Coordinator) lookupForWrite(fileID string, index int) (manifest.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileID]
	if !ok {
		return manifest.File{}, fmt.Errorf("upload: %w: %s", errs.ErrFileNotFound, fileID)
	}
	if f.Committed {
		return manifest.File{}, fmt.Errorf("upload: %w: file %s already committed", errs.ErrInvalidArgument, fileID)
	}
	if index < 0 || index >= f.ChunkCount {
		return manifest.File{}, fmt.Errorf("upload: %w: chunk index %d out of range for %s", errs.ErrInvalidArgument, index, fileID)
	}
	return *f, nil
}

// Commit validates that every chunk reached its required replication
// factor and marks the file committed and visible for download. This is
// the authoritative durability gate, not PutChunk's per-call outcome: a
// chunk that PutChunk accepted with degraded replication (with
// RejectOnInsufficientNodes disabled) fails the check here.
func (c *Coordinator) Commit(fileID string) error {
	c.mu.Lock()
	f, ok := c.files[fileID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload: %w: %s", errs.ErrFileNotFound, fileID)
	}

	for i := 0; i < f.ChunkCount; i++ {
		key := replindex.Key{FileID: fileID, Index: i}
		if c.index.ReplicaCount(key) < f.ReplicationFactor {
			return fmt.Errorf("upload: commit %s: chunk %d: %w", fileID, i, errs.ErrInsufficientReplicas)
		}
		if f.ChunkChecksums[i] == "" {
			return fmt.Errorf("upload: commit %s: chunk %d: %w", fileID, i, errs.ErrNotCommitted)
		}
	}

	c.mu.Lock()
	f.Committed = true
	c.mu.Unlock()

	if err := c.meta.SaveManifest(f); err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("journal write failed on commit; continuing without it")
	}
	return nil
}

// Abort discards an in-progress upload and forgets its chunks from the
// replica index, so re-replication never chases a file the client gave up
// on.
func (c *Coordinator) Abort(fileID string) error {
	c.mu.Lock()
	_, ok := c.files[fileID]
	delete(c.files, fileID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload: %w: %s", errs.ErrFileNotFound, fileID)
	}

	c.index.ForgetFile(fileID)
	if err := c.meta.DeleteManifest(fileID); err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("journal delete failed on abort")
	}
	return nil
}

func (c *Coordinator) strategy() placement.Strategy {
	switch c.cfg.PlacementStrategy {
	case string(placement.LeastLoaded):
		return placement.LeastLoaded
	case string(placement.Random):
		return placement.Random
	default:
		return placement.Diverse
	}
}
