package main

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/shahriyarr/kvlog/internal/crcentry"
	"github.com/shahriyarr/kvlog/internal/kvstore"
	"github.com/shahriyarr/kvlog/internal/wal"
)

var randomData = func() []byte {
	buf := make([]byte, 1024*1024)
	rand.New(rand.NewSource(1)).Read(buf)
	return buf
}()

func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, bSize := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", sizeNames[i], bSize), func(b *testing.B) {
				w, done := openWAL(b)
				defer done()
				runAppendBench(b, w, s, bSize)
			})
		}
	}
}

func BenchmarkSet(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s", sizeNames[i]), func(b *testing.B) {
			storage, done := openStorage(b)
			defer done()
			runSetBench(b, storage, s)
		})
	}
}

func openWAL(b *testing.B) (*wal.WAL, func()) {
	tmpDir := b.TempDir()
	// Force frequent rollover to profile segment rotation under load.
	w, err := wal.Open(filepath.Join(tmpDir, "wal.log"), 64*1024)
	require.NoError(b, err)
	return w, func() { _ = w.Close() }
}

func openStorage(b *testing.B) (*kvstore.Storage, func()) {
	w, done := openWAL(b)
	storage, err := kvstore.Open(w, nil)
	require.NoError(b, err)
	return storage, done
}

// recordLatencies reports p50/p99/max from a histogram into b's output,
// following the teacher's practice of surfacing tail latency rather than
// only a mean.
func recordLatencies(b *testing.B, hist *hdrhistogram.Histogram) {
	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-ns")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
	b.ReportMetric(float64(hist.Max()), "max-ns")
}

func runAppendBench(b *testing.B, w *wal.WAL, entrySize, batchSize int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	value := string(randomData[:entrySize])

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		for j := 0; j < batchSize; j++ {
			if _, err := w.Append(crcentry.OpSet, fmt.Sprintf("key-%d-%d", i, j), value, nil); err != nil {
				b.Fatalf("append: %s", err)
			}
		}
		hist.RecordValue(int64(time.Since(start)))
	}
	recordLatencies(b, hist)
}

func runSetBench(b *testing.B, storage *kvstore.Storage, entrySize int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	value := string(randomData[:entrySize])

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		start := time.Now()
		if _, _, err := storage.Set(key, value, nil); err != nil {
			b.Fatalf("set: %s", err)
		}
		hist.RecordValue(int64(time.Since(start)))
	}
	recordLatencies(b, hist)
}
