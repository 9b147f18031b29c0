// Package metastore provides an optional durable journal of file manifests
// for the coordinator, backed by bbolt. It is strictly best-effort: the
// in-memory manifest map and replindex.Index remain authoritative, and
// this package is write-through only, never consulted inside a live
// request's decision path.
package metastore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clustore/clustore/internal/manifest"
	bolt "go.etcd.io/bbolt"
)

var manifestsBucket = []byte("manifests")

// Store is a best-effort durable journal. A nil *Store is valid and makes
// every method a no-op, so the coordinator can run with journaling
// disabled (e.g. in tests) without branching on a flag everywhere.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(manifestsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveManifest journals a manifest snapshot, overwriting any prior version.
func (s *Store) SaveManifest(f *manifest.File) error {
	if s == nil {
		return nil
	}
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("metastore: marshal manifest %s: %w", f.FileID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).Put([]byte(f.FileID), encoded)
	})
}

// DeleteManifest removes a journaled manifest, used when an upload is
// aborted and its chunks are garbage collected.
func (s *Store) DeleteManifest(fileID string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).Delete([]byte(fileID))
	})
}

// LoadAll returns every journaled manifest, used to warm a fresh
// coordinator's in-memory state on restart. Correctness of the live
// replica index never depends on this succeeding.
func (s *Store) LoadAll() ([]*manifest.File, error) {
	if s == nil {
		return nil, nil
	}
	var out []*manifest.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestsBucket).ForEach(func(k, v []byte) error {
			var f manifest.File
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("metastore: decode manifest %s: %w", string(k), err)
			}
			out = append(out, &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
