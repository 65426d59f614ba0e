package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shahriyarr/kvlog/internal/crcentry"
	"github.com/shahriyarr/kvlog/internal/kverrors"
	"github.com/shahriyarr/kvlog/internal/wal"
)

func newTestStorage(t *testing.T) (*Storage, *wal.WAL) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "test_wal.log"), wal.DefaultMaxSegmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	s, err := Open(w, nil)
	require.NoError(t, err)
	return s, w
}

func u64p(v uint64) *uint64 { return &v }

func TestSetNewKey(t *testing.T) {
	s, _ := newTestStorage(t)

	_, version, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	v, err := s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value1", v)

	lv, err := s.LatestVersion("key1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), lv)
}

func TestSetExistingKeyIncrementsVersion(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	_, version, err := s.Set("key1", "value2", nil)
	require.NoError(t, err)

	require.Equal(t, uint64(2), version)
	v, err := s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value2", v)
}

func TestSettingSpecificVersionForNewKey(t *testing.T) {
	s, _ := newTestStorage(t)

	_, version, err := s.Set("key1", "value1", u64p(5))
	require.NoError(t, err)
	require.Equal(t, uint64(5), version)

	v, err := s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value1", v)
}

func TestVersionConflictLeavesStateUnchanged(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil) // version 1
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value2", nil) // version 2
	require.NoError(t, err)

	_, _, err = s.Set("key1", "value3", u64p(1))
	require.Error(t, err)
	current, ok := kverrors.AsVersionConflict(err)
	require.True(t, ok)
	require.Equal(t, uint64(2), current)

	v, err := s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value2", v)
}

func TestGetWithVersion(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value2", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value3", nil)
	require.NoError(t, err)

	v, err := s.Get("key1", u64p(1))
	require.NoError(t, err)
	require.Equal(t, "value1", v)

	v, err = s.Get("key1", u64p(2))
	require.NoError(t, err)
	require.Equal(t, "value2", v)

	v, err = s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value3", v)

	_, err = s.Get("key1", u64p(4))
	require.ErrorIs(t, err, kverrors.ErrNotFound)
}

func TestGetWithVersionReturnsValueAndVersion(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value2", nil)
	require.NoError(t, err)

	v, ver, err := s.GetWithVersion("key1", u64p(1))
	require.NoError(t, err)
	require.Equal(t, "value1", v)
	require.Equal(t, uint64(1), ver)

	v, ver, err = s.GetWithVersion("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value2", v)
	require.Equal(t, uint64(2), ver)
}

func TestVersionHistory(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value2", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value3", nil)
	require.NoError(t, err)

	history, err := s.VersionHistory("key1")
	require.NoError(t, err)
	require.Equal(t, map[uint64]any{1: "value1", 2: "value2", 3: "value3"}, history)
}

func TestVersionHistoryNonexistentKey(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.VersionHistory("nonexistent")
	require.ErrorIs(t, err, kverrors.ErrNotFound)
}

func TestReplayLogWithVersions(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "test_wal.log"), wal.DefaultMaxSegmentSize)
	require.NoError(t, err)

	_, err = w.Append(crcentry.OpSet, "key1", "value1", u64p(1))
	require.NoError(t, err)
	_, err = w.Append(crcentry.OpSet, "key1", "value2", u64p(2))
	require.NoError(t, err)
	_, err = w.Append(crcentry.OpSet, "key2", "value-a", u64p(1))
	require.NoError(t, err)

	s, err := Open(w, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	v, err := s.Get("key1", nil)
	require.NoError(t, err)
	require.Equal(t, "value2", v)
	lv, err := s.LatestVersion("key1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), lv)

	v, err = s.Get("key2", nil)
	require.NoError(t, err)
	require.Equal(t, "value-a", v)

	history, err := s.VersionHistory("key1")
	require.NoError(t, err)
	require.Equal(t, map[uint64]any{1: "value1", 2: "value2"}, history)

	history, err = s.VersionHistory("key2")
	require.NoError(t, err)
	require.Equal(t, map[uint64]any{1: "value-a"}, history)
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("key1", "value1", nil)
	require.NoError(t, err)
	_, _, err = s.Set("key1", "value2", nil)
	require.NoError(t, err)

	_, err = s.Delete("key1")
	require.NoError(t, err)

	_, err = s.Get("key1", nil)
	require.ErrorIs(t, err, kverrors.ErrNotFound)

	_, err = s.VersionHistory("key1")
	require.ErrorIs(t, err, kverrors.ErrNotFound)

	_, err = s.LatestVersion("key1")
	require.ErrorIs(t, err, kverrors.ErrNotFound)
}

func TestDeleteNonexistentKeyIsNotFound(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.Delete("nope")
	require.ErrorIs(t, err, kverrors.ErrNotFound)
}

func TestApplyEntriesIgnoresStaleVersions(t *testing.T) {
	s, _ := newTestStorage(t)

	last := s.ApplyEntries([]crcentry.Entry{
		{ID: 1, Op: crcentry.OpSet, Key: "k", Value: "v1", Version: u64p(1)},
		{ID: 2, Op: crcentry.OpSet, Key: "k", Value: "v2", Version: u64p(2)},
		{ID: 3, Op: crcentry.OpSet, Key: "k", Value: "stale", Version: u64p(1)},
	})
	require.Equal(t, uint64(3), last)

	v, err := s.Get("k", nil)
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	lv, err := s.LatestVersion("k")
	require.NoError(t, err)
	require.Equal(t, uint64(2), lv)
}

func TestAllKeys(t *testing.T) {
	s, _ := newTestStorage(t)

	_, _, err := s.Set("a", 1, nil)
	require.NoError(t, err)
	_, _, err = s.Set("b", 2, nil)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a", "b"}, s.AllKeys())
}
