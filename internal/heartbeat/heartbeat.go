// Package heartbeat implements cluster liveness tracking: a bidirectional
// sender/monitor pair that marks peers down after missed heartbeats and
// back to healthy on the next one received, grounded on
// heartbeat.py's HeartbeatService.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultInterval is how often heartbeats are sent and liveness is checked.
const DefaultInterval = 10 * time.Second

// Status is a peer's current liveness state.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusDown    Status = "down"
)

// PeerInfo is the externally visible state of one registered peer.
type PeerInfo struct {
	ID                        string
	URL                       string
	Status                    Status
	LastHeartbeat             time.Time
	SecondsSinceLastHeartbeat float64
}

// Sender delivers a heartbeat to a peer. Implementations are expected to
// be non-blocking-ish (short-timeout HTTP) since Tracker fires one per
// peer per interval without waiting for the previous round to finish.
type Sender interface {
	SendHeartbeat(ctx context.Context, peerID, peerURL string) error
}

type peer struct {
	url           string
	lastHeartbeat time.Time
	status        Status
}

// Metrics mirrors the teacher's promauto-constructed counter struct shape.
type Metrics struct {
	sent         prometheus.Counter
	sendFailures prometheus.Counter
	markedDown   prometheus.Counter
	recovered    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		sent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_heartbeat_sent_total",
			Help: "Number of heartbeat sends attempted across all peers.",
		}),
		sendFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_heartbeat_send_failures_total",
			Help: "Number of heartbeat sends that returned an error.",
		}),
		markedDown: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_heartbeat_marked_down_total",
			Help: "Number of times a peer transitioned to down.",
		}),
		recovered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_heartbeat_recovered_total",
			Help: "Number of times a peer transitioned from down back to healthy.",
		}),
	}
}

// Tracker registers peers, records received heartbeats, and runs the
// background send/monitor loops. The zero-value mutex and nil maps are
// never used directly; construct with New.
type Tracker struct {
	interval time.Duration
	timeout  time.Duration
	sender   Sender
	logger   log.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	peers map[string]*peer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Tracker at construction.
type Option func(*Tracker)

func WithInterval(d time.Duration) Option { return func(t *Tracker) { t.interval = d } }
func WithSender(s Sender) Option          { return func(t *Tracker) { t.sender = s } }
func WithLogger(l log.Logger) Option      { return func(t *Tracker) { t.logger = l } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) { t.metrics = newMetrics(reg) }
}

// New constructs a Tracker. The down-timeout is fixed at 3x the interval,
// mirroring HEARTBEAT_TIMEOUT = HEARTBEAT_INTERVAL * 3.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		interval: DefaultInterval,
		peers:    make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = log.NewNopLogger()
	}
	if t.metrics == nil {
		t.metrics = newMetrics(prometheus.NewRegistry())
	}
	t.timeout = t.interval * 3
	return t
}

// RegisterPeer adds or resets a peer's tracking state as healthy as of now.
func (t *Tracker) RegisterPeer(peerID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = &peer{url: url, lastHeartbeat: time.Now(), status: StatusHealthy}
	level.Info(t.logger).Log("msg", "registered peer", "peer_id", peerID, "url", url)
}

// DeregisterPeer removes a peer from tracking entirely.
func (t *Tracker) DeregisterPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
	level.Info(t.logger).Log("msg", "deregistered peer", "peer_id", peerID)
}

// RecordHeartbeat marks peerID as having sent a heartbeat just now. An
// unknown peer is logged and ignored rather than implicitly registered —
// registration is a separate, explicit step.
func (t *Tracker) RecordHeartbeat(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		level.Warn(t.logger).Log("msg", "heartbeat from unknown peer", "peer_id", peerID)
		return
	}
	p.lastHeartbeat = time.Now()
	if p.status != StatusHealthy {
		p.status = StatusHealthy
		t.metrics.recovered.Inc()
		level.Info(t.logger).Log("msg", "peer is now healthy", "peer_id", peerID)
	}
}

// Status returns the current info for a single peer.
func (t *Tracker) Status(peerID string) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return PeerInfo{
		ID:                        peerID,
		URL:                       p.url,
		Status:                    p.status,
		LastHeartbeat:             p.lastHeartbeat,
		SecondsSinceLastHeartbeat: time.Since(p.lastHeartbeat).Seconds(),
	}, true
}

// AllStatuses returns the current info for every registered peer.
func (t *Tracker) AllStatuses() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerInfo, 0, len(t.peers))
	for id, p := range t.peers {
		out = append(out, PeerInfo{
			ID:                        id,
			URL:                       p.url,
			Status:                    p.status,
			LastHeartbeat:             p.lastHeartbeat,
			SecondsSinceLastHeartbeat: time.Since(p.lastHeartbeat).Seconds(),
		})
	}
	return out
}

// HealthyPeers returns id -> url for every peer currently marked healthy.
func (t *Tracker) HealthyPeers() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string)
	for id, p := range t.peers {
		if p.status == StatusHealthy {
			out[id] = p.url
		}
	}
	return out
}

// Start launches the monitor loop (marks peers down on missed heartbeats)
// and, if a Sender was configured, the send loop (pushes heartbeats to
// every peer, down ones included, so recovery can be detected). Start is
// idempotent across repeated calls on the same Tracker only via Stop/Start
// pairing; calling Start twice without an intervening Stop leaks a goroutine.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.monitorLoop(ctx)

	if t.sender != nil {
		t.wg.Add(1)
		go t.sendLoop(ctx)
	}
}

// Stop cancels the background loops and waits for them to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) monitorLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkAll()
		}
	}
}

func (t *Tracker) checkAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, p := range t.peers {
		if p.status == StatusDown {
			continue
		}
		if elapsed := now.Sub(p.lastHeartbeat); elapsed > t.timeout {
			p.status = StatusDown
			t.metrics.markedDown.Inc()
			level.Warn(t.logger).Log("msg", "peer marked down", "peer_id", id, "elapsed", elapsed)
		}
	}
}

func (t *Tracker) sendLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendAll(ctx)
		}
	}
}

func (t *Tracker) sendAll(ctx context.Context) {
	t.mu.RLock()
	targets := make(map[string]string, len(t.peers))
	for id, p := range t.peers {
		targets[id] = p.url
	}
	t.mu.RUnlock()

	for id, url := range targets {
		go t.sendOne(ctx, id, url)
	}
}

func (t *Tracker) sendOne(ctx context.Context, peerID, url string) {
	t.metrics.sent.Inc()
	if err := t.sender.SendHeartbeat(ctx, peerID, url); err != nil {
		t.metrics.sendFailures.Inc()
		level.Warn(t.logger).Log("msg", "failed to send heartbeat", "peer_id", peerID, "err", err)
	}
}
