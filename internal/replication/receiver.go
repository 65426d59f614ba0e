package replication

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

// WAL is the subset of *wal.WAL the Receiver depends on.
type WAL interface {
	HasEntry(id uint64) bool
	AppendEntry(e crcentry.Entry) (crcentry.Entry, error)
	ReadFrom(startID uint64) ([]crcentry.Entry, error)
}

// Storage is the subset of *kvstore.Storage the Receiver depends on.
type Storage interface {
	ApplyEntries(entries []crcentry.Entry) uint64
}

// LeaderClient is the follower's outbound connection to the leader:
// bootstrap registration and gap-filling reads.
type LeaderClient interface {
	RegisterFollower(ctx context.Context, leaderURL, followerID, followerURL string, lastAppliedID uint64) (leaderLastID uint64, err error)
	FetchLogEntries(ctx context.Context, leaderURL string, fromID uint64) ([]crcentry.Entry, error)
}

// Receiver is the follower-side component: it applies replicated
// batches idempotently and drives the bootstrap registration/pull flow.
type Receiver struct {
	wal     WAL
	storage Storage
	client  LeaderClient
	logger  log.Logger

	lastAppliedID uint64 // atomic
}

// NewReceiver constructs a Receiver over wal/storage, using client for
// the leader-facing register/pull calls.
func NewReceiver(w WAL, s Storage, client LeaderClient, logger log.Logger) *Receiver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Receiver{wal: w, storage: s, client: client, logger: logger}
}

// Replicate applies an incoming batch from the leader: entries already
// present in the WAL (by id) are skipped, the rest are appended and
// applied. Returns the follower's current last_applied_id, which is the
// max id ever applied, gaps notwithstanding.
func (r *Receiver) Replicate(entries []crcentry.Entry) (uint64, error) {
	var toApply []crcentry.Entry
	for _, e := range entries {
		if r.wal.HasEntry(e.ID) {
			continue
		}
		if _, err := r.wal.AppendEntry(e); err != nil {
			return r.LastAppliedID(), fmt.Errorf("replicate entry %d: %w", e.ID, err)
		}
		toApply = append(toApply, e)
	}

	if len(toApply) > 0 {
		sort.Slice(toApply, func(i, j int) bool { return toApply[i].ID < toApply[j].ID })
		lastID := r.storage.ApplyEntries(toApply)
		r.bumpLastApplied(lastID)
	}
	return r.LastAppliedID(), nil
}

func (r *Receiver) bumpLastApplied(id uint64) {
	for {
		cur := atomic.LoadUint64(&r.lastAppliedID)
		if id <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&r.lastAppliedID, cur, id) {
			return
		}
	}
}

// SeedLastApplied advances the cursor to id if id is ahead of it, used
// once at startup to reconcile with a WAL that was already replayed
// before the Receiver was constructed.
func (r *Receiver) SeedLastApplied(id uint64) {
	r.bumpLastApplied(id)
}

// LastAppliedID returns the highest id this follower has applied so far.
func (r *Receiver) LastAppliedID() uint64 {
	return atomic.LoadUint64(&r.lastAppliedID)
}

// Bootstrap registers with the leader at startup and, if the leader is
// ahead, pulls the gap before returning.
func (r *Receiver) Bootstrap(ctx context.Context, leaderURL, followerID, followerURL string) error {
	leaderLastID, err := r.client.RegisterFollower(ctx, leaderURL, followerID, followerURL, r.LastAppliedID())
	if err != nil {
		level.Warn(r.logger).Log("msg", "failed to register with leader", "leader_url", leaderURL, "err", err)
		return fmt.Errorf("register with leader: %w", err)
	}

	if leaderLastID > r.LastAppliedID() {
		if err := r.PullFrom(ctx, leaderURL, r.LastAppliedID()); err != nil {
			return fmt.Errorf("sync with leader: %w", err)
		}
	}
	return nil
}

// PullFrom fetches every entry after fromID from the leader and applies
// them in id order. Bootstrap is its only caller; there is no on-demand
// pull when a replicated batch arrives with a gap.
func (r *Receiver) PullFrom(ctx context.Context, leaderURL string, fromID uint64) error {
	entries, err := r.client.FetchLogEntries(ctx, leaderURL, fromID)
	if err != nil {
		level.Warn(r.logger).Log("msg", "failed to sync with leader", "leader_url", leaderURL, "err", err)
		return fmt.Errorf("fetch log entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	_, err = r.Replicate(entries)
	return err
}
