// Package rereplicate implements the coordinator's re-replication
// engine: find under-replicated chunks via the replica index, pick a
// surviving replica as copy source and a fresh target via placement,
// copy the bytes through the coordinator (pull then push), verify the
// checksum, and register the new replica.
//
// Each chunk moves through a PENDING -> IN_FLIGHT -> {DONE, FAILED} task
// state machine with exponential backoff between retries, dispatched
// onto a bounded-concurrency worker pool behind a named task with an
// explicit Run/Stop lifetime.
package rereplicate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clustore/clustore/internal/chunkstore"
	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
	"github.com/clustore/clustore/internal/errs"
	"github.com/clustore/clustore/internal/events"
	"github.com/clustore/clustore/internal/manifest"
	"github.com/clustore/clustore/internal/placement"
	"github.com/clustore/clustore/internal/replindex"
	"github.com/rs/zerolog"
)

// NodeDirectory is the subset of the coordinator's node registry the
// engine needs: candidates for a new target, address resolution for RPCs,
// and last-reported utilisation to prefer a lightly loaded copy source.
type NodeDirectory interface {
	PlacementCandidates() []placement.Candidate
	NodeAddr(nodeID string) (string, bool)
	Utilisation(nodeID string) (int64, bool)
}

// FileLookup resolves a manifest by file ID, used to recover each chunk's
// recorded checksum for verifying the copy.
type FileLookup interface {
	File(fileID string) (manifest.File, bool)
}

// TaskState is one re-replication task's position in its state machine.
type TaskState int

const (
	Pending TaskState = iota
	InFlight
	Done
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type task struct {
	key           replindex.Key
	state         TaskState
	attempts      int
	nextAttemptAt time.Time
}

// Engine runs the re-replication loop: a periodic sweep plus an immediate
// sweep on NodeFailed events, bounded to at most cfg.MaxRereplicationParallel
// concurrent chunk copies.
type Engine struct {
	mu    sync.Mutex
	tasks map[replindex.Key]*task

	index *replindex.Index
	nodes NodeDirectory
	files FileLookup
	bus   *events.Bus
	cfg   config.CoordinatorConfig
	log   zerolog.Logger

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(index *replindex.Index, nodes NodeDirectory, files FileLookup, bus *events.Bus, cfg config.CoordinatorConfig, log zerolog.Logger) *Engine {
	parallel := cfg.MaxRereplicationParallel
	if parallel < 1 {
		parallel = 1
	}
	return &Engine{
		tasks: make(map[replindex.Key]*task),
		index: index,
		nodes: nodes,
		files: files,
		bus:   bus,
		cfg:   cfg,
		log:   log.With().Str("component", "rereplicate").Logger(),
		sem:   make(chan struct{}, parallel),
	}
}

// Run starts the sweep loop on its own goroutine: a periodic tick plus an
// immediate sweep whenever the event bus reports a node failure.
func (e *Engine) Run(ctx context.Context, sweepInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	failures := e.bus.Subscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Sweep(time.Now())
			case ev := <-failures:
				if ev.Type == events.NodeFailed {
					e.log.Info().Str("node_id", ev.NodeID).Msg("sweeping early after node failure")
					e.Sweep(time.Now())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Sweep finds every currently under-replicated chunk of a committed file,
// promotes due tasks to PENDING, and dispatches all of them; the
// concurrency semaphore bounds how many copies run at once, and the rest
// wait for a slot. It returns immediately; dispatched copies run on their
// own goroutines.
func (e *Engine) Sweep(now time.Time) {
	entries := e.index.UnderReplicated()

	e.mu.Lock()
	var dispatch []replindex.Key
	seen := make(map[replindex.Key]struct{}, len(entries))
	for _, entry := range entries {
		if f, ok := e.files.File(entry.Key.FileID); !ok || !f.Committed {
			// Not yet committed (or aborted): re-replicating it would waste
			// capacity on a file no client can ever see.
			continue
		}
		seen[entry.Key] = struct{}{}
		t, ok := e.tasks[entry.Key]
		if !ok {
			t = &task{key: entry.Key, state: Pending}
			e.tasks[entry.Key] = t
		}
		if t.state == InFlight {
			continue
		}
		if t.state == Failed && now.Before(t.nextAttemptAt) {
			continue
		}
		t.state = Pending
		dispatch = append(dispatch, entry.Key)
	}
	// Chunks that are no longer under-replicated (resolved by a prior copy
	// or because the file was aborted) don't need backoff state anymore.
	for k, t := range e.tasks {
		if _, stillUnder := seen[k]; !stillUnder && t.state != InFlight {
			delete(e.tasks, k)
		}
	}
	e.mu.Unlock()

	for _, key := range dispatch {
		e.dispatch(key)
	}
}

func (e *Engine) dispatch(key replindex.Key) {
	e.mu.Lock()
	t, ok := e.tasks[key]
	if !ok || t.state == InFlight {
		e.mu.Unlock()
		return
	}
	t.state = InFlight
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		err := e.copyChunk(key)

		e.mu.Lock()
		defer e.mu.Unlock()
		t, ok := e.tasks[key]
		if !ok {
			return
		}
		if err == nil {
			t.state = Done
			t.attempts = 0
			delete(e.tasks, key)
			return
		}

		t.attempts++
		t.state = Failed
		t.nextAttemptAt = time.Now().Add(backoff(t.attempts, e.cfg.ReplicationBackoffBase, e.cfg.ReplicationBackoffCap))
		if t.attempts >= 3 {
			e.log.Error().Str("file_id", key.FileID).Int("index", key.Index).Int("attempts", t.attempts).Err(err).Msg("chunk repeatedly failed re-replication; remains degraded until next window")
		} else {
			e.log.Warn().Str("file_id", key.FileID).Int("index", key.Index).Err(err).Msg("re-replication attempt failed")
		}
	}()
}

// backoff computes an exponential delay, base * 2^(attempts-1), capped at
// capDur.
func backoff(attempts int, base, capDur time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > capDur {
			return capDur
		}
	}
	if d > capDur {
		return capDur
	}
	return d
}

// copyChunk performs one pull-then-push replica copy for key: fetch from a
// surviving holder, verify the checksum, push to a fresh placement target,
// and register the new replica.
func (e *Engine) copyChunk(key replindex.Key) error {
	f, ok := e.files.File(key.FileID)
	if !ok {
		return fmt.Errorf("rereplicate: %w: %s", errs.ErrFileNotFound, key.FileID)
	}

	holders := e.index.Locations(key)
	if len(holders) == 0 {
		return fmt.Errorf("rereplicate: chunk %d of %s: %w", key.Index, key.FileID, errs.ErrChunkUnavailable)
	}
	source := e.leastUtilized(holders)

	candidates := e.nodes.PlacementCandidates()
	exclude := placement.Exclude(holders...)
	targets, selErr := placement.Select(e.strategy(), 1, candidates, exclude, placement.Constraints{})
	if len(targets) == 0 {
		if selErr != nil {
			return fmt.Errorf("rereplicate: chunk %d of %s: %w", key.Index, key.FileID, selErr)
		}
		return fmt.Errorf("rereplicate: chunk %d of %s: %w", key.Index, key.FileID, errs.ErrInsufficientCapacity)
	}
	target := targets[0]

	sourceAddr, ok := e.nodes.NodeAddr(source)
	if !ok {
		return fmt.Errorf("rereplicate: %w: %s", errs.ErrUnknownNode, source)
	}
	sourceClient := clusterclient.NewNodeClient(sourceAddr, e.cfg.RPCTimeout)
	data, remoteChecksum, err := sourceClient.GetChunk(key.FileID, key.Index)
	if err != nil {
		return fmt.Errorf("rereplicate: pull chunk %d of %s from %s: %w", key.Index, key.FileID, source, err)
	}

	actual := chunkstore.Checksum(data)
	expected := ""
	if key.Index < len(f.ChunkChecksums) {
		expected = f.ChunkChecksums[key.Index]
	}
	if actual != remoteChecksum || (expected != "" && actual != expected) {
		e.index.Unregister(key, source)
		return fmt.Errorf("rereplicate: chunk %d of %s: %w (source %s evicted)", key.Index, key.FileID, errs.ErrCorruptOnRead, source)
	}

	targetAddr, ok := e.nodes.NodeAddr(target)
	if !ok {
		return fmt.Errorf("rereplicate: %w: %s", errs.ErrUnknownNode, target)
	}
	targetClient := clusterclient.NewNodeClient(targetAddr, e.cfg.RPCTimeout)
	if err := targetClient.PutChunk(key.FileID, key.Index, data, actual); err != nil {
		return fmt.Errorf("rereplicate: push chunk %d of %s to %s: %w", key.Index, key.FileID, target, err)
	}

	e.index.Register(key, target)
	return nil
}

func (e *Engine) leastUtilized(holders []string) string {
	best := holders[0]
	var bestUtil int64 = -1
	for _, h := range holders {
		u, ok := e.nodes.Utilisation(h)
		if !ok {
			continue
		}
		if bestUtil == -1 || u < bestUtil {
			bestUtil = u
			best = h
		}
	}
	return best
}

func (e *Engine) strategy() placement.Strategy {
	switch e.cfg.PlacementStrategy {
	case string(placement.LeastLoaded):
		return placement.LeastLoaded
	case string(placement.Random):
		return placement.Random
	default:
		return placement.Diverse
	}
}

// Snapshot returns a copy of every currently tracked task, for status/debug
// surfaces.
func (e *Engine) Snapshot() map[replindex.Key]TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[replindex.Key]TaskState, len(e.tasks))
	for k, t := range e.tasks {
		out[k] = t.state
	}
	return out
}
