package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the shape of the teacher package's walMetrics: a flat
// struct of counters constructed once via promauto against whatever
// registerer the caller supplies.
type Metrics struct {
	appends              prometheus.Counter
	bytesWritten         prometheus.Counter
	entriesRead          prometheus.Counter
	segmentRotations     prometheus.Counter
	compactions          prometheus.Counter
	entriesCompactedAway prometheus.Counter
	integrityFailures    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_appends_total",
			Help: "Number of successful Append and AppendEntry calls.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_bytes_written_total",
			Help: "Bytes written to segment files, encoded record size including the trailing newline.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_entries_read_total",
			Help: "Number of entries returned by ReadFrom calls.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_segment_rotations_total",
			Help: "Number of times the active segment was sealed and a new one created.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_compactions_total",
			Help: "Number of completed Compact runs that found at least one sealed segment.",
		}),
		entriesCompactedAway: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_entries_compacted_total",
			Help: "Number of entries removed by compaction across all runs.",
		}),
		integrityFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_wal_integrity_failures_total",
			Help: "Number of records skipped during replay at Open due to a parse error or CRC mismatch.",
		}),
	}
}
