package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

func newTestWAL(t *testing.T, maxSegmentSize int64) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, maxSegmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestSegmentCreation(t *testing.T) {
	w, _ := newTestWAL(t, 100)

	segments := w.SegmentFiles()
	require.Len(t, segments, 1)
	require.True(t, strings.HasSuffix(segments[0], "wal.log.segment.1"))
	require.Equal(t, segments[0], w.ActiveSegment())
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	w, _ := newTestWAL(t, DefaultMaxSegmentSize)

	e1, err := w.Append(crcentry.OpSet, "k1", "v1", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.ID)

	e2, err := w.Append(crcentry.OpSet, "k2", "v2", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e2.ID)

	require.Equal(t, uint64(2), w.LastID())
	require.True(t, w.HasEntry(1))
	require.True(t, w.HasEntry(2))
	require.False(t, w.HasEntry(3))
}

func TestAppendProducesValidatedEntries(t *testing.T) {
	w, _ := newTestWAL(t, DefaultMaxSegmentSize)

	e, err := w.Append(crcentry.OpSet, "k", "v", nil)
	require.NoError(t, err)
	require.NotNil(t, e.CRC)
	require.True(t, crcentry.Validate(e))
}

func TestSegmentRolloverAndSequentialNumbering(t *testing.T) {
	w, _ := newTestWAL(t, 100)

	for i := 0; i < 10; i++ {
		_, err := w.Append(crcentry.OpSet, "key", strings.Repeat("value", 5), nil)
		require.NoError(t, err)
	}

	segments := w.SegmentFiles()
	require.Greater(t, len(segments), 1)
	for i, s := range segments {
		require.True(t, strings.HasSuffix(s, segment1Suffix(i+1)))
	}
	require.Equal(t, segments[len(segments)-1], w.ActiveSegment())
}

func segment1Suffix(n int) string {
	return "wal.log.segment." + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestSegmentSizeLimitRespectedForSealedSegments(t *testing.T) {
	w, _ := newTestWAL(t, 100)

	for i := 0; i < 20; i++ {
		_, err := w.Append(crcentry.OpSet, "key", strings.Repeat("value", 5), nil)
		require.NoError(t, err)
	}

	segments := w.SegmentFiles()
	for _, s := range segments[:len(segments)-1] {
		fi, err := os.Stat(s)
		require.NoError(t, err)
		require.LessOrEqual(t, fi.Size(), int64(100+200))
	}
}

func TestReplayAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, 100)
	require.NoError(t, err)

	expected := map[string]string{}
	for i := 0; i < 30; i++ {
		key := "key" + itoa(i)
		if i%3 == 0 && i > 0 {
			prevKey := "key" + itoa(i-3)
			_, err := w.Append(crcentry.OpDelete, prevKey, nil, nil)
			require.NoError(t, err)
			delete(expected, prevKey)
		} else {
			value := "value" + itoa(i)
			_, err := w.Append(crcentry.OpSet, key, value, nil)
			require.NoError(t, err)
			expected[key] = value
		}
	}
	require.NoError(t, w.Close())

	w2, err := Open(path, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	entries, err := w2.ReadFrom(0)
	require.NoError(t, err)

	byKeyLatest := map[string]crcentry.Entry{}
	for _, e := range entries {
		byKeyLatest[e.Key] = e
	}
	for key, value := range expected {
		e, ok := byKeyLatest[key]
		require.True(t, ok, "expected key %s to be present after replay", key)
		require.Equal(t, crcentry.OpSet, e.Op)
		require.Equal(t, value, e.Value)
	}
	for i := 0; i < 30; i++ {
		if i%3 == 0 && i > 0 {
			deletedKey := "key" + itoa(i-3)
			e, ok := byKeyLatest[deletedKey]
			if ok {
				require.Equal(t, crcentry.OpDelete, e.Op)
			}
		}
	}
}

func TestReadFromSpecificID(t *testing.T) {
	w, _ := newTestWAL(t, 100)

	for i := 0; i < 30; i++ {
		_, err := w.Append(crcentry.OpSet, "key"+itoa(i), "value"+itoa(i), nil)
		require.NoError(t, err)
	}

	startID := w.LastID() / 2
	entries, err := w.ReadFrom(startID)
	require.NoError(t, err)

	require.Equal(t, int(w.LastID()-startID+1), len(entries))
	for _, e := range entries {
		require.GreaterOrEqual(t, e.ID, startID)
	}
}

func TestDataIntegrityAcrossSegments(t *testing.T) {
	w, _ := newTestWAL(t, 100)

	for i := 0; i < 20; i++ {
		_, err := w.Append(crcentry.OpSet, "key"+itoa(i), "value"+itoa(i), nil)
		require.NoError(t, err)
	}

	segments := w.SegmentFiles()
	require.Greater(t, len(segments), 1)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	for _, e := range entries {
		require.True(t, crcentry.Validate(e))
	}
}

// TestIntegrityAfterCorruption mirrors the original WAL's crash-recovery
// scenario: a sealed segment's value bytes are corrupted in place (its
// stored CRC now mismatches), and a fresh WAL opened over the same files
// must still come up, skip only the damaged record, and keep every entry
// on either side of it.
func TestIntegrityAfterCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, 100)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		_, err := w.Append(crcentry.OpSet, "key"+itoa(i), "value"+itoa(i), nil)
		require.NoError(t, err)
	}
	segments := w.SegmentFiles()
	require.Greater(t, len(segments), 1)
	require.NoError(t, w.Close())

	middle := segments[len(segments)/2]
	content, err := os.ReadFile(middle)
	require.NoError(t, err)
	corrupted := strings.Replace(string(content), "value", "XXXXX", 1)
	require.NoError(t, os.WriteFile(middle, []byte(corrupted), 0o644))

	w2, err := Open(path, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	entries, err := w2.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 14)
	for _, e := range entries {
		require.True(t, crcentry.Validate(e))
	}
}

func TestAppendEntryIsIdempotent(t *testing.T) {
	w, _ := newTestWAL(t, DefaultMaxSegmentSize)

	e := crcentry.Entry{ID: 5, Op: crcentry.OpSet, Key: "k", Value: "v"}
	got1, err := w.AppendEntry(e)
	require.NoError(t, err)
	require.True(t, w.HasEntry(5))
	require.Equal(t, uint64(5), w.LastID())

	got2, err := w.AppendEntry(e)
	require.NoError(t, err)
	require.Equal(t, got1.ID, got2.ID)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAppendEntryFillsGapWithoutReorderingCurrentID(t *testing.T) {
	w, _ := newTestWAL(t, DefaultMaxSegmentSize)

	_, err := w.AppendEntry(crcentry.Entry{ID: 1, Op: crcentry.OpSet, Key: "a", Value: "1"})
	require.NoError(t, err)
	_, err = w.AppendEntry(crcentry.Entry{ID: 3, Op: crcentry.OpSet, Key: "c", Value: "3"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), w.LastID())
	require.False(t, w.HasEntry(2))

	_, err = w.AppendEntry(crcentry.Entry{ID: 2, Op: crcentry.OpSet, Key: "b", Value: "2"})
	require.NoError(t, err)
	require.True(t, w.HasEntry(2))
	require.Equal(t, uint64(3), w.LastID())
}

func TestCompactRetainsLatestPerKeyAndReducesSealedCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, 80)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	for i := 0; i < 3; i++ {
		_, err := w.Append(crcentry.OpSet, "k", "v"+itoa(i), nil)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := w.Append(crcentry.OpSet, "other"+itoa(i), "x", nil)
		require.NoError(t, err)
	}

	sealedBefore := len(w.SegmentFiles()) - 1
	require.Greater(t, sealedBefore, 0)

	sealedCompacted, removed, err := w.Compact()
	require.NoError(t, err)
	require.Equal(t, sealedBefore, sealedCompacted)
	require.Greater(t, removed, 0)

	sealedAfter := len(w.SegmentFiles()) - 1
	require.Less(t, sealedAfter, sealedBefore)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.Key == "k" {
			count++
			require.Equal(t, "v2", e.Value)
		}
	}
	require.Equal(t, 1, count)
}

func TestCompactWithNoSealedSegmentsIsNoop(t *testing.T) {
	w, _ := newTestWAL(t, DefaultMaxSegmentSize)

	sealed, removed, err := w.Compact()
	require.NoError(t, err)
	require.Equal(t, 0, sealed)
	require.Equal(t, 0, removed)
}

func TestCompactPreservesDeleteTombstone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, 80)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	_, err = w.Append(crcentry.OpSet, "k", "v", nil)
	require.NoError(t, err)
	_, err = w.Append(crcentry.OpDelete, "k", nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w.Append(crcentry.OpSet, "filler"+itoa(i), "x", nil)
		require.NoError(t, err)
	}

	_, _, err = w.Compact()
	require.NoError(t, err)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Key == "k" {
			require.Equal(t, crcentry.OpDelete, e.Op)
		}
	}
}
