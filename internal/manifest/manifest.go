// Package manifest defines the file manifest: the coordinator's record
// of a file's chunking plan and per-chunk checksums. It is created on
// upload start and only becomes visible to download once the last chunk
// is durably replicated.
package manifest

import "time"

// File is one file's manifest.
type File struct {
	FileID            string
	DisplayName       string
	TotalSize         int64
	ChunkCount        int
	ChunkSize         int64
	ReplicationFactor int
	ChunkChecksums    []string // index i holds chunk i's SHA-256 hex digest, set once chunk i is durable
	CreatedAt         time.Time
	Committed         bool
}

// ChunkSizeAt returns the expected size of chunk index i - ChunkSize for
// every chunk but the last, which may be short.
func (f *File) ChunkSizeAt(index int) int64 {
	if index < f.ChunkCount-1 {
		return f.ChunkSize
	}
	last := f.TotalSize - f.ChunkSize*int64(f.ChunkCount-1)
	if last < 0 {
		last = 0
	}
	return last
}

// Durable reports whether every chunk has a recorded checksum, i.e. the
// upload coordinator believes every chunk reached its replication target.
func (f *File) Durable() bool {
	if len(f.ChunkChecksums) != f.ChunkCount {
		return false
	}
	for _, c := range f.ChunkChecksums {
		if c == "" {
			return false
		}
	}
	return true
}
