// Package kvstore implements the versioned, in-memory key-value state
// machine built on top of the write-ahead log: optimistic-concurrency
// writes, multi-version reads, and WAL replay/compaction delegation.
// Grounded on pydistributedkv's KeyValueStorage (service/storage.py).
package kvstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shahriyarr/kvlog/internal/crcentry"
	"github.com/shahriyarr/kvlog/internal/kverrors"
)

// WAL is the subset of *wal.WAL that Storage depends on. Accepting an
// interface here, rather than the concrete type, is what lets tests drive
// Storage against an in-memory fake instead of real segment files.
type WAL interface {
	Append(op crcentry.Op, key string, value any, version *uint64) (crcentry.Entry, error)
	ReadFrom(startID uint64) ([]crcentry.Entry, error)
	Compact() (int, int, error)
}

// Storage is the versioned key-value state machine: a KVMap of
// VersionedValue kept consistent with the underlying WAL.
type Storage struct {
	wal WAL

	mu   sync.RWMutex
	data map[string]*VersionedValue
}

// Open replays wal from the beginning to rebuild the in-memory KVMap, then
// returns a Storage ready to serve reads and writes.
func Open(w WAL, logger log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Storage{wal: w, data: make(map[string]*VersionedValue)}

	entries, err := w.ReadFrom(0)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	for _, e := range entries {
		s.applyLocked(e)
	}
	level.Info(logger).Log("msg", "replayed write-ahead log", "entries", len(entries), "keys", len(s.data))
	return s, nil
}

func (s *Storage) applyLocked(e crcentry.Entry) {
	switch e.Op {
	case crcentry.OpSet:
		version := uint64(1)
		if e.Version != nil {
			version = *e.Version
		}
		if vv, ok := s.data[e.Key]; ok {
			vv.update(e.Value, version)
		} else {
			s.data[e.Key] = newVersionedValue(e.Value, version)
		}
	case crcentry.OpDelete:
		delete(s.data, e.Key)
	}
}

// Set writes a new version of key. If expectedVersion is non-nil and the
// key already exists with a current_version >= expectedVersion's target,
// the write is rejected as a VersionConflict and nothing is written to
// the WAL or the in-memory map. See spec section 4.3's version-assignment
// rule for the exact semantics, including the new-key shortcut that lets
// a replicated stream deterministically seed a version above 1.
func (s *Storage) Set(key string, value any, expectedVersion *uint64) (crcentry.Entry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextVersion, err := s.determineVersionLocked(key, expectedVersion)
	if err != nil {
		return crcentry.Entry{}, 0, err
	}

	e, err := s.wal.Append(crcentry.OpSet, key, value, &nextVersion)
	if err != nil {
		return crcentry.Entry{}, 0, err
	}

	if vv, ok := s.data[key]; ok {
		vv.update(value, nextVersion)
	} else {
		s.data[key] = newVersionedValue(value, nextVersion)
	}
	return e, nextVersion, nil
}

func (s *Storage) determineVersionLocked(key string, expectedVersion *uint64) (uint64, error) {
	vv, exists := s.data[key]
	if !exists {
		if expectedVersion != nil && *expectedVersion > 1 {
			return *expectedVersion, nil
		}
		return 1, nil
	}
	if expectedVersion != nil && *expectedVersion <= vv.CurrentVersion {
		return 0, kverrors.NewVersionConflict(vv.CurrentVersion)
	}
	return vv.CurrentVersion + 1, nil
}

// Get returns the value at the requested version (nil for "current").
func (s *Storage) Get(key string, version *uint64) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vv, ok := s.data[key]
	if !ok {
		return nil, kverrors.ErrNotFound
	}
	value, ok := vv.getValue(version)
	if !ok {
		return nil, kverrors.ErrNotFound
	}
	return value, nil
}

// GetWithVersion returns both the value and the version it was read at.
func (s *Storage) GetWithVersion(key string, version *uint64) (any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vv, ok := s.data[key]
	if !ok {
		return nil, 0, kverrors.ErrNotFound
	}
	value, ok := vv.getValue(version)
	if !ok {
		return nil, 0, kverrors.ErrNotFound
	}
	actual := vv.CurrentVersion
	if version != nil {
		actual = *version
	}
	return value, actual, nil
}

// Delete removes key entirely (all versions) and appends a DELETE entry.
// Deleting an absent key is a NotFound, not a no-op success: no WAL
// record is written.
func (s *Storage) Delete(key string) (crcentry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return crcentry.Entry{}, kverrors.ErrNotFound
	}
	e, err := s.wal.Append(crcentry.OpDelete, key, nil, nil)
	if err != nil {
		return crcentry.Entry{}, err
	}
	delete(s.data, key)
	return e, nil
}

// ApplyEntries applies an externally-sourced, id-ordered batch of entries
// (a follower replaying entries shipped by the leader) and returns the
// highest id applied. A SET whose version is not greater than the key's
// current version is silently ignored by VersionedValue.update, which is
// what makes re-applying an overlapping batch safe.
func (s *Storage) ApplyEntries(entries []crcentry.Entry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastID uint64
	for _, e := range entries {
		s.applyLocked(e)
		lastID = e.ID
	}
	return lastID
}

// VersionHistory returns every version ever applied to key, current
// version included.
func (s *Storage) VersionHistory(key string) (map[uint64]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vv, ok := s.data[key]
	if !ok {
		return nil, kverrors.ErrNotFound
	}
	return vv.versionHistory(), nil
}

// LatestVersion returns the current version number for key.
func (s *Storage) LatestVersion(key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vv, ok := s.data[key]
	if !ok {
		return 0, kverrors.ErrNotFound
	}
	return vv.CurrentVersion, nil
}

// AllKeys returns every key currently present, in no particular order.
func (s *Storage) AllKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Compact delegates to the underlying WAL's compaction; Storage carries
// no compaction policy of its own (see internal/compaction for scheduling).
func (s *Storage) Compact() (int, int, error) {
	segments, removed, err := s.wal.Compact()
	if err != nil {
		return 0, 0, fmt.Errorf("compact storage: %w", err)
	}
	return segments, removed, nil
}
