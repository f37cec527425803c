// Package kv is a small bbolt-backed key-value store. It holds the persisted
// retry queue snapshot, per-thread last-opened markers and cached remote
// snapshots, keeping all of them out of the relational store.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	filePerm    = fs.FileMode(0o600)
	dirPerm     = fs.FileMode(0o700)
	openTimeout = 5 * time.Second
)

var (
	queueBucket    = []byte("queue")
	markersBucket  = []byte("markers")
	snapshotBucket = []byte("snapshots")

	queueSnapshotKey = []byte("snapshot")
)

// Store wraps a bbolt database for persistent engine state.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{queueBucket, markersBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutQueueSnapshot persists the serialized retry queue.
func (s *Store) PutQueueSnapshot(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Put(queueSnapshotKey, data)
	})
}

// QueueSnapshot returns the persisted retry queue, or nil when none exists.
func (s *Store) QueueSnapshot() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get(queueSnapshotKey)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// SetLastOpened records when a thread was last opened, in unix milliseconds.
// Unread counts are computed against this marker.
func (s *Store) SetLastOpened(threadID string, ts int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(markersBucket).Put([]byte(threadID), buf[:])
	})
}

// LastOpened returns the last-opened marker for a thread. The second return
// is false when no marker has been recorded yet.
func (s *Store) LastOpened(threadID string) (int64, bool, error) {
	var (
		ts int64
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(markersBucket).Get([]byte(threadID))
		if len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return ts, ok, err
}

// PutSnapshot stores a JSON-serialized cached snapshot under key.
func (s *Store) PutSnapshot(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), data)
	})
}

// Snapshot loads a cached snapshot into v. Returns false when the key is
// absent.
func (s *Store) Snapshot(key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket).Get([]byte(key))
		if b != nil {
			data = make([]byte, len(b))
			copy(data, b)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

// DeleteSnapshot removes a cached snapshot.
func (s *Store) DeleteSnapshot(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(key))
	})
}
