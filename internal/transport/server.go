// Package transport implements the JSON-over-HTTP external interface:
// one handler set shared by the leader and follower processes, with
// leader-only and follower-only routes registered conditionally, per
// SPEC_FULL.md section 8. It has no durability or replication logic of
// its own — every handler is a thin adapter onto internal/kvstore,
// internal/wal, internal/dedup, internal/heartbeat, internal/compaction,
// and internal/replication.
package transport

import (
	"net/http"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shahriyarr/kvlog/internal/compaction"
	"github.com/shahriyarr/kvlog/internal/crcentry"
	"github.com/shahriyarr/kvlog/internal/dedup"
	"github.com/shahriyarr/kvlog/internal/followerstate"
	"github.com/shahriyarr/kvlog/internal/heartbeat"
	"github.com/shahriyarr/kvlog/internal/kvstore"
	"github.com/shahriyarr/kvlog/internal/replication"
)

// WAL is the subset of *wal.WAL the transport layer reads directly
// (segment listing, log_entries range reads); writes always go through
// Storage so the versioned map stays consistent with the log.
type WAL interface {
	SegmentFiles() []string
	ActiveSegment() string
	MaxSegmentSize() int64
	LastID() uint64
	ReadFrom(startID uint64) ([]crcentry.Entry, error)
}

// Server holds every server-scoped dependency a handler needs. It is
// constructed once in cmd/kvleader or cmd/kvfollower's main and is never
// a package global, per SPEC_FULL.md's "process-wide state" design note.
type Server struct {
	Storage   *kvstore.Storage
	WAL       WAL
	Dedup     *dedup.Cache
	Heartbeat *heartbeat.Tracker
	Compactor *compaction.Scheduler

	// Leader-only. Nil on a follower server.
	Dispatcher *replication.Dispatcher

	// Follower-only. Nil on a leader server.
	Receiver      *replication.Receiver
	FollowerID    string
	FollowerState *followerstate.Store

	logger   log.Logger
	gatherer prometheus.Gatherer
}

// Option customizes a Server at construction.
type Option func(*Server)

func WithLogger(l log.Logger) Option { return func(s *Server) { s.logger = l } }

func WithDispatcher(d *replication.Dispatcher) Option {
	return func(s *Server) { s.Dispatcher = d }
}

func WithReceiver(r *replication.Receiver, followerID string) Option {
	return func(s *Server) { s.Receiver = r; s.FollowerID = followerID }
}

// WithFollowerState attaches the follower's durable bookkeeping store so
// handleFollowerState can answer from it directly.
func WithFollowerState(store *followerstate.Store) Option {
	return func(s *Server) { s.FollowerState = store }
}

// WithRegisterer points "/metrics" at reg instead of the global default
// registry. reg must be the same prometheus.Registerer passed to every
// component's WithRegisterer option, or their counters never show up.
func WithRegisterer(reg prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = reg }
}

// NewServer constructs a Server over the given core components.
func NewServer(storage *kvstore.Storage, w WAL, d *dedup.Cache, hb *heartbeat.Tracker, comp *compaction.Scheduler, opts ...Option) *Server {
	s := &Server{Storage: storage, WAL: w, Dedup: d, Heartbeat: hb, Compactor: comp}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// IsLeader reports whether this Server was built with a replication
// dispatcher, i.e. it is serving the leader's role.
func (s *Server) IsLeader() bool { return s.Dispatcher != nil }

// Handler builds the complete route table for this server: routes common
// to both roles, plus whichever of the leader-only/follower-only route
// sets applies. *wal.WAL is what production callers pass in as w; it
// satisfies the narrower WAL interface above.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerCommonRoutes(mux)
	if s.IsLeader() {
		s.registerLeaderRoutes(mux)
	}
	if s.Receiver != nil {
		s.registerFollowerRoutes(mux)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}
