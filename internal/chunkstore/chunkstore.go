// Package chunkstore implements the per-node chunk store: in-memory bytes
// keyed by (file_id, chunk_index), checksummed with SHA-256 over the
// actual bytes written, never over an identifier.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/clustore/clustore/internal/errs"
)

// Key identifies a chunk on a node.
type Key struct {
	FileID string
	Index  int
}

type entry struct {
	bytes    []byte
	checksum string
}

// Store is a single node's chunk store, bounded by a capacity in bytes.
// One mutex guards both the chunk map and the used-bytes counter so a put
// and a capacity check are never observed apart. Callers take this lock
// before the bandwidth accountant's, never after.
type Store struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	chunks   map[Key]entry
}

func New(capacityBytes int64) *Store {
	return &Store{
		capacity: capacityBytes,
		chunks:   make(map[Key]entry),
	}
}

// Checksum computes the SHA-256 hex digest of data. This is the only place
// in the node that is allowed to call something "checksum" - it always
// reads the bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under key, verifying that its SHA-256 matches
// expectedChecksum. alreadyPresent reports the idempotent-success case:
// the key already held bytes whose checksum equals expectedChecksum. A
// half-written chunk is never observable: the checksum is computed and
// capacity is checked before the map is mutated under the lock.
func (s *Store) Put(key Key, data []byte, expectedChecksum string) (alreadyPresent bool, err error) {
	actual := Checksum(data)
	if actual != expectedChecksum {
		return false, errs.ErrWrongChecksum
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chunks[key]; ok {
		if existing.checksum == expectedChecksum {
			return true, nil
		}
		return false, errs.ErrAlreadyPresentMismatch
	}

	size := int64(len(data))
	if s.used+size > s.capacity {
		return false, errs.ErrOutOfCapacity
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.chunks[key] = entry{bytes: buf, checksum: actual}
	s.used += size
	return false, nil
}

// Get returns the bytes stored under key. If verify is true, the stored
// checksum is re-derived from the bytes about to be returned and compared
// against what was recorded at put time; a mismatch (bit rot) is reported
// as ErrCorruptOnRead rather than silently returning bad bytes.
func (s *Store) Get(key Key, verify bool) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.chunks[key]
	s.mu.Unlock()
	if !ok {
		return nil, errs.ErrMissing
	}

	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)

	if verify && Checksum(out) != e.checksum {
		return nil, errs.ErrCorruptOnRead
	}
	return out, nil
}

// StoredChecksum returns the checksum recorded for key at put time, without
// reading the bytes back - used by callers that only need to compare
// against a manifest entry.
func (s *Store) StoredChecksum(key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.chunks[key]
	if !ok {
		return "", errs.ErrMissing
	}
	return e.checksum, nil
}

// Delete removes a chunk, freeing its bytes from the capacity accounting.
func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.chunks[key]
	if !ok {
		return errs.ErrMissing
	}
	s.used -= int64(len(e.bytes))
	delete(s.chunks, key)
	return nil
}

// ChunkMeta is one entry of ListChunks' output.
type ChunkMeta struct {
	Key  Key
	Size int64
}

// ListChunks returns metadata for every chunk currently held, in no
// particular order - it backs the node's heartbeat chunk-list report.
func (s *Store) ListChunks() []ChunkMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChunkMeta, 0, len(s.chunks))
	for k, e := range s.chunks {
		out = append(out, ChunkMeta{Key: k, Size: int64(len(e.bytes))})
	}
	return out
}

// Has reports whether key is present, without touching its bytes.
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[key]
	return ok
}

// UsedBytes and Capacity feed the node's heartbeat snapshot and its
// /status surface; both are read-only derivations of live state, never
// accumulated counters.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) Capacity() int64 {
	return s.capacity
}

func (s *Store) FreeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.used
}

func (s *Store) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
