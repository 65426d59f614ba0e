// Package followerstate is a small embedded bookkeeping store for a
// follower process: its last-applied replication id and the leader it
// last registered with, kept as a record that survives a restart and can
// be read without touching storage or the replication machinery. It is
// never the source of truth for the KVMap — kvstore.Open always replays
// the WAL in full before a follower serves — and it does not make a
// follower available any sooner. Grounded on the teacher's use of
// go.etcd.io/bbolt as a metadata store.
package followerstate

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("follower_state")

var (
	keyLastAppliedID = []byte("last_applied_id")
	keyLeaderURL     = []byte("leader_url")
)

// Store wraps a single-bucket bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("followerstate: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("followerstate: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLastAppliedID persists the follower's current replication cursor.
func (s *Store) SetLastAppliedID(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], id)
		return b.Put(keyLastAppliedID, buf[:])
	})
}

// LastAppliedID returns the persisted replication cursor, 0 if unset.
func (s *Store) LastAppliedID() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(keyLastAppliedID)
		if v == nil {
			return nil
		}
		id = binary.BigEndian.Uint64(v)
		return nil
	})
	return id, err
}

// SetLeaderURL persists the leader this follower last registered with.
func (s *Store) SetLeaderURL(url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(keyLeaderURL, []byte(url))
	})
}

// LeaderURL returns the persisted leader URL, "" if unset.
func (s *Store) LeaderURL() (string, error) {
	var url string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(keyLeaderURL)
		if v != nil {
			url = string(v)
		}
		return nil
	})
	return url, err
}
