// Package compaction implements the periodic log-compaction scheduler
// sitting in front of a Storage: run-if-due, minimum-interval throttling,
// force override, and a bounded run history, grounded on
// compaction.py's LogCompactionService.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultInterval is how often the background loop attempts a run.
	DefaultInterval = time.Hour
	// DefaultMinInterval is the minimum time between two unforced runs; a
	// forced run ignores it.
	DefaultMinInterval = 10 * time.Minute
	// minAllowedInterval is the floor SetInterval clamps to.
	minAllowedInterval = time.Minute
	// maxHistory is how many recent runs Status reports.
	maxHistory = 10
)

// Compactor is the subset of kvstore.Storage the scheduler depends on.
type Compactor interface {
	Compact() (segmentsCompacted int, entriesRemoved int, err error)
}

// Run records the outcome of a single compaction.
type Run struct {
	Timestamp         time.Time
	Duration          time.Duration
	SegmentsCompacted int
	EntriesRemoved    int
}

// Status is the externally visible state of the scheduler.
type Status struct {
	Enabled            bool
	IntervalSeconds    float64
	MinIntervalSeconds float64
	LastCompaction      *time.Time
	Running            bool
	History            []Run
}

// Metrics mirrors the teacher's promauto-constructed counter struct shape.
type Metrics struct {
	runsStarted  prometheus.Counter
	runsSkipped  prometheus.Counter
	runsFailed   prometheus.Counter
	segmentsDone prometheus.Counter
	entriesDone  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		runsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_compaction_runs_total",
			Help: "Number of compaction runs that actually executed.",
		}),
		runsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_compaction_runs_skipped_total",
			Help: "Number of compaction attempts skipped (already running or too soon).",
		}),
		runsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_compaction_runs_failed_total",
			Help: "Number of compaction runs that returned an error.",
		}),
		segmentsDone: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_compaction_segments_compacted_total",
			Help: "Cumulative sealed segments compacted across all runs.",
		}),
		entriesDone: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_compaction_entries_removed_total",
			Help: "Cumulative entries removed across all runs.",
		}),
	}
}

// Scheduler periodically triggers compaction on a Compactor, throttled by
// a minimum interval and overridable with a forced run.
type Scheduler struct {
	storage     Compactor
	interval    time.Duration
	minInterval time.Duration
	logger      log.Logger
	metrics     *Metrics

	mu             sync.Mutex
	enabled        bool
	running        bool
	lastCompaction *time.Time
	history        []Run

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Scheduler at construction.
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option    { return func(s *Scheduler) { s.interval = d } }
func WithMinInterval(d time.Duration) Option { return func(s *Scheduler) { s.minInterval = d } }
func WithEnabled(enabled bool) Option        { return func(s *Scheduler) { s.enabled = enabled } }
func WithLogger(l log.Logger) Option         { return func(s *Scheduler) { s.logger = l } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = newMetrics(reg) }
}

// New constructs a Scheduler over storage.
func New(storage Compactor, opts ...Option) *Scheduler {
	s := &Scheduler{
		storage:     storage,
		interval:    DefaultInterval,
		minInterval: DefaultMinInterval,
		enabled:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics = newMetrics(prometheus.NewRegistry())
	}
	return s
}

// Start launches the background loop if the scheduler is enabled. It
// sleeps a full interval before its first attempt, so a freshly started
// process doesn't immediately compact a log it just replayed.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		level.Info(s.logger).Log("msg", "compaction scheduler disabled, not starting loop")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	level.Info(s.logger).Log("msg", "started compaction scheduler", "interval", s.interval)
}

// Stop cancels the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, _, err := s.RunCompaction(false); err != nil {
				level.Error(s.logger).Log("msg", "error in compaction loop", "err", err)
			}
			timer.Reset(s.interval)
		}
	}
}

// RunCompaction runs a compaction unless one is already running, or the
// minimum interval hasn't elapsed since the last run and force is false.
func (s *Scheduler) RunCompaction(force bool) (segmentsCompacted int, entriesRemoved int, err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.metrics.runsSkipped.Inc()
		level.Warn(s.logger).Log("msg", "compaction already in progress, skipping")
		return 0, 0, nil
	}
	if !force && s.tooSoonLocked() {
		s.mu.Unlock()
		s.metrics.runsSkipped.Inc()
		return 0, 0, nil
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	level.Info(s.logger).Log("msg", "starting log compaction")
	segmentsCompacted, entriesRemoved, err = s.storage.Compact()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.metrics.runsFailed.Inc()
		level.Error(s.logger).Log("msg", "error during compaction", "err", err)
		return 0, 0, fmt.Errorf("run compaction: %w", err)
	}

	s.recordResult(Run{
		Timestamp:         start,
		Duration:          time.Since(start),
		SegmentsCompacted: segmentsCompacted,
		EntriesRemoved:    entriesRemoved,
	})
	s.metrics.runsStarted.Inc()
	s.metrics.segmentsDone.Add(float64(segmentsCompacted))
	s.metrics.entriesDone.Add(float64(entriesRemoved))
	level.Info(s.logger).Log("msg", "compaction completed", "segments_compacted", segmentsCompacted, "entries_removed", entriesRemoved,
		"duration", time.Since(start))
	return segmentsCompacted, entriesRemoved, nil
}

func (s *Scheduler) tooSoonLocked() bool {
	if s.lastCompaction == nil {
		return false
	}
	since := time.Since(*s.lastCompaction)
	if since < s.minInterval {
		level.Info(s.logger).Log("msg", "skipping compaction, too soon since last run", "since", since, "min_interval", s.minInterval)
		return true
	}
	return false
}

func (s *Scheduler) recordResult(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := r.Timestamp
	s.lastCompaction = &ts
	s.history = append(s.history, r)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// Status reports the scheduler's current configuration and recent history.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]Run, len(s.history))
	copy(history, s.history)

	return Status{
		Enabled:            s.enabled,
		IntervalSeconds:    s.interval.Seconds(),
		MinIntervalSeconds: s.minInterval.Seconds(),
		LastCompaction:     s.lastCompaction,
		Running:            s.running,
		History:            history,
	}
}

// SetEnabled toggles whether Start will launch the background loop. It
// does not stop an already-running loop; callers manage that via Stop.
func (s *Scheduler) SetEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	return s.enabled
}

// SetInterval changes the background loop's period, clamped to a 1 minute
// floor, and returns the value actually applied.
func (s *Scheduler) SetInterval(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < minAllowedInterval {
		d = minAllowedInterval
	}
	s.interval = d
	return s.interval
}
