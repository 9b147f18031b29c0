// Package download implements the coordinator's download procedure:
// resolve a committed file's chunk locations, pull each chunk from a
// holder, verify its checksum against the manifest, and fail over to
// another holder if one replica turns out corrupt or unreachable.
package download

import (
	"fmt"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/errs"
	"github.com/clustore/clustore/internal/manifest"
	"github.com/clustore/clustore/internal/replindex"
	"github.com/rs/zerolog"
)

// NodeDirectory resolves node IDs to dial addresses. Mirrors
// upload.NodeDirectory's address-lookup half; download never needs
// placement candidates, only existing replica locations.
type NodeDirectory interface {
	NodeAddr(nodeID string) (string, bool)
}

// FileLookup resolves a committed manifest by file ID. Satisfied by
// upload.Coordinator so download never has to keep its own copy of the
// manifest map.
type FileLookup interface {
	File(fileID string) (manifest.File, bool)
}

// Coordinator runs download operations against the cluster's replica index
// and node directory.
type Coordinator struct {
	files FileLookup
	index *replindex.Index
	nodes NodeDirectory
	cfg   config.CoordinatorConfig
	log   zerolog.Logger
}

func New(files FileLookup, index *replindex.Index, nodes NodeDirectory, cfg config.CoordinatorConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		files: files,
		index: index,
		nodes: nodes,
		cfg:   cfg,
		log:   log.With().Str("component", "download").Logger(),
	}
}

// ChunkFunc receives each chunk of a download in index order.
type ChunkFunc func(index int, data []byte, checksum string) error

// Stream resolves fileID's manifest and pulls every chunk in order,
// verifying each one's checksum against the manifest before calling
// onChunk. A chunk whose first-tried holder is unreachable or returns
// corrupt bytes is retried against the next holder in its replica set -
// a corrupt or unreachable replica is not fatal as long as another
// replica answers.
func (c *Coordinator) Stream(fileID string, onChunk ChunkFunc) error {
	f, ok := c.files.File(fileID)
	if !ok {
		return fmt.Errorf("download: %w: %s", errs.ErrFileNotFound, fileID)
	}
	if !f.Committed {
		return fmt.Errorf("download: %w: %s", errs.ErrNotCommitted, fileID)
	}

	for i := 0; i < f.ChunkCount; i++ {
		data, checksum, err := c.fetchChunk(fileID, i, f.ChunkChecksums[i])
		if err != nil {
			return err
		}
		if err := onChunk(i, data, checksum); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk tries every node the replica index believes holds (fileID,
// index), in turn, until one returns bytes whose checksum matches the
// manifest. A mismatch or RPC failure just moves on to the next holder; it
// is logged but not fatal unless every holder is exhausted.
func (c *Coordinator) fetchChunk(fileID string, index int, expectedChecksum string) (data []byte, checksum string, err error) {
	key := replindex.Key{FileID: fileID, Index: index}
	holders := c.index.Locations(key)

	var lastErr error
	for _, nodeID := range holders {
		addr, ok := c.nodes.NodeAddr(nodeID)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", errs.ErrUnknownNode, nodeID)
			continue
		}

		client := clusterclient.NewNodeClient(addr, c.cfg.RPCTimeout)
		body, remoteChecksum, rpcErr := client.GetChunk(fileID, index)
		if rpcErr != nil {
			c.log.Warn().Str("file_id", fileID).Int("index", index).Str("node_id", nodeID).Err(rpcErr).Msg("chunk fetch failed, trying next holder")
			lastErr = rpcErr
			continue
		}

		actual := chunkstore.Checksum(body)
		if actual != remoteChecksum || (expectedChecksum != "" && actual != expectedChecksum) {
			c.log.Warn().Str("file_id", fileID).Int("index", index).Str("node_id", nodeID).Msg("chunk checksum mismatch, evicting replica and trying next holder")
			c.index.Unregister(key, nodeID)
			lastErr = errs.ErrCorruptOnRead
			continue
		}

		return body, actual, nil
	}

	if lastErr == nil {
		lastErr = errs.ErrChunkUnavailable
	}
	return nil, "", fmt.Errorf("download: chunk %d of %s: %w: %v", index, fileID, errs.ErrChunkUnavailable, lastErr)
}
