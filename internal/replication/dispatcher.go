// Package replication implements the leader-side dispatcher that fans
// out newly appended entries to followers, and the follower-side
// receiver that applies them idempotently, grounded on leader.py and
// follower.py.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

// DefaultSendTimeout bounds a single fire-and-forget replication send.
const DefaultSendTimeout = 2 * time.Second

// Poster delivers a batch of entries to one follower. Implementations
// wrap an HTTP POST to "<followerURL>/replicate" in production.
type Poster interface {
	PostEntries(ctx context.Context, followerURL string, entries []crcentry.Entry) error
}

// HealthyFollowers supplies the current healthy follower set the
// dispatcher fans out to, decoupling replication from the heartbeat
// tracker's concrete type.
type HealthyFollowers interface {
	HealthyPeers() map[string]string
}

type followerState struct {
	url               string
	lastReplicatedID  uint64
}

// Metrics mirrors the teacher's promauto-constructed counter struct shape.
type Metrics struct {
	dispatched prometheus.Counter
	failed     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		dispatched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_replication_dispatched_total",
			Help: "Number of successful per-follower replication sends.",
		}),
		failed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_replication_failed_total",
			Help: "Number of replication sends that errored or timed out.",
		}),
	}
}

// Dispatcher is the leader-side component that pushes each newly
// appended entry to every healthy follower, fire-and-forget.
type Dispatcher struct {
	poster      Poster
	healthy     HealthyFollowers
	sendTimeout time.Duration
	logger      log.Logger
	metrics     *Metrics

	mu        sync.RWMutex
	followers map[string]*followerState
}

// Option customizes a Dispatcher at construction.
type Option func(*Dispatcher)

func WithSendTimeout(d time.Duration) Option { return func(d2 *Dispatcher) { d2.sendTimeout = d } }
func WithLogger(l log.Logger) Option         { return func(d *Dispatcher) { d.logger = l } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.metrics = newMetrics(reg) }
}

// NewDispatcher constructs a Dispatcher. poster performs the actual wire
// send; healthy supplies the follower set to fan out to on each append.
func NewDispatcher(poster Poster, healthy HealthyFollowers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		poster:      poster,
		healthy:     healthy,
		sendTimeout: DefaultSendTimeout,
		followers:   make(map[string]*followerState),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.NewNopLogger()
	}
	if d.metrics == nil {
		d.metrics = newMetrics(prometheus.NewRegistry())
	}
	return d
}

// RegisterFollower records or updates a follower's url and starting
// replication cursor, as set by the register_follower endpoint.
func (d *Dispatcher) RegisterFollower(followerID, url string, lastAppliedID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followers[followerID] = &followerState{url: url, lastReplicatedID: lastAppliedID}
	level.Info(d.logger).Log("msg", "registered follower", "follower_id", followerID, "url", url, "last_applied_id", lastAppliedID)
}

// Dispatch fans e out to every currently healthy follower. Each send runs
// in its own goroutine with a bounded timeout; a failed send is logged
// and dropped — the follower catches up later via its own pull path.
func (d *Dispatcher) Dispatch(ctx context.Context, e crcentry.Entry) {
	for followerID, url := range d.healthy.HealthyPeers() {
		d.mu.RLock()
		_, known := d.followers[followerID]
		d.mu.RUnlock()
		if !known {
			continue
		}
		go d.sendOne(ctx, followerID, url, e)
	}
}

func (d *Dispatcher) sendOne(parent context.Context, followerID, url string, e crcentry.Entry) {
	ctx, cancel := context.WithTimeout(parent, d.sendTimeout)
	defer cancel()

	if err := d.poster.PostEntries(ctx, url, []crcentry.Entry{e}); err != nil {
		d.metrics.failed.Inc()
		level.Warn(d.logger).Log("msg", "failed to replicate entry to follower", "follower_id", followerID, "entry_id", e.ID, "err", err)
		return
	}

	d.mu.Lock()
	if fs, ok := d.followers[followerID]; ok {
		fs.lastReplicatedID = e.ID
	}
	d.mu.Unlock()
	d.metrics.dispatched.Inc()
}

// FollowerStatus is the externally visible replication cursor for one
// follower, as reported by the follower_status endpoint.
type FollowerStatus struct {
	ID               string
	URL              string
	LastReplicatedID uint64
}

// Status returns the current replication cursor for every known follower.
func (d *Dispatcher) Status() []FollowerStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]FollowerStatus, 0, len(d.followers))
	for id, fs := range d.followers {
		out = append(out, FollowerStatus{ID: id, URL: fs.url, LastReplicatedID: fs.lastReplicatedID})
	}
	return out
}
