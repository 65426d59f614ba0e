package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shahriyarr/kvlog/internal/crcentry"
	"github.com/shahriyarr/kvlog/internal/kvstore"
	"github.com/shahriyarr/kvlog/internal/wal"
)

type fakePoster struct {
	sent []sentBatch
}

type sentBatch struct {
	url     string
	entries []crcentry.Entry
}

func (p *fakePoster) PostEntries(ctx context.Context, followerURL string, entries []crcentry.Entry) error {
	p.sent = append(p.sent, sentBatch{url: followerURL, entries: entries})
	return nil
}

type fakeHealthy struct {
	peers map[string]string
}

func (f *fakeHealthy) HealthyPeers() map[string]string { return f.peers }

func TestDispatcherSendsToHealthyRegisteredFollowers(t *testing.T) {
	poster := &fakePoster{}
	healthy := &fakeHealthy{peers: map[string]string{"f1": "http://f1"}}
	d := NewDispatcher(poster, healthy)
	d.RegisterFollower("f1", "http://f1", 0)

	e := crcentry.Entry{ID: 1, Op: crcentry.OpSet, Key: "k", Value: "v"}
	d.Dispatch(context.Background(), e)

	require.Eventually(t, func() bool {
		status := d.Status()
		return len(status) == 1 && status[0].LastReplicatedID == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherSkipsUnregisteredHealthyPeer(t *testing.T) {
	poster := &fakePoster{}
	healthy := &fakeHealthy{peers: map[string]string{"unknown": "http://unknown"}}
	d := NewDispatcher(poster, healthy)

	d.Dispatch(context.Background(), crcentry.Entry{ID: 1, Op: crcentry.OpSet, Key: "k", Value: "v"})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, poster.sent)
}

func newReceiverWithRealWAL(t *testing.T) (*Receiver, *wal.WAL, *kvstore.Storage) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "follower_wal.log"), wal.DefaultMaxSegmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	s, err := kvstore.Open(w, nil)
	require.NoError(t, err)

	r := NewReceiver(w, s, nil, nil)
	return r, w, s
}

func TestReplicationIsIdempotentAcrossOverlappingBatches(t *testing.T) {
	r, _, s := newReceiverWithRealWAL(t)

	v1 := uint64(1)
	entries := []crcentry.Entry{
		{ID: 1, Op: crcentry.OpSet, Key: "a", Value: "1", Version: &v1},
		{ID: 2, Op: crcentry.OpSet, Key: "b", Value: "2", Version: &v1},
		{ID: 3, Op: crcentry.OpSet, Key: "c", Value: "3", Version: &v1},
		{ID: 4, Op: crcentry.OpSet, Key: "d", Value: "4", Version: &v1},
		{ID: 5, Op: crcentry.OpSet, Key: "e", Value: "5", Version: &v1},
	}

	last, err := r.Replicate(entries[:3])
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	last, err = r.Replicate(entries[1:])
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
	require.Equal(t, uint64(5), r.LastAppliedID())

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		v, err := s.Get(key, nil)
		require.NoError(t, err)
		require.NotEmpty(t, v)
	}
}

type fakeLeaderClient struct {
	leaderLastID uint64
	logEntries   []crcentry.Entry
}

func (f *fakeLeaderClient) RegisterFollower(ctx context.Context, leaderURL, followerID, followerURL string, lastAppliedID uint64) (uint64, error) {
	return f.leaderLastID, nil
}

func (f *fakeLeaderClient) FetchLogEntries(ctx context.Context, leaderURL string, fromID uint64) ([]crcentry.Entry, error) {
	var out []crcentry.Entry
	for _, e := range f.logEntries {
		if e.ID > fromID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBootstrapPullsGapWhenLeaderIsAhead(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "follower_wal.log"), wal.DefaultMaxSegmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	s, err := kvstore.Open(w, nil)
	require.NoError(t, err)

	v1 := uint64(1)
	client := &fakeLeaderClient{
		leaderLastID: 2,
		logEntries: []crcentry.Entry{
			{ID: 1, Op: crcentry.OpSet, Key: "a", Value: "1", Version: &v1},
			{ID: 2, Op: crcentry.OpSet, Key: "b", Value: "2", Version: &v1},
		},
	}
	r := NewReceiver(w, s, client, nil)

	err = r.Bootstrap(context.Background(), "http://leader", "f1", "http://f1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.LastAppliedID())

	v, err := s.Get("a", nil)
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestBootstrapSkipsPullWhenFollowerIsCurrent(t *testing.T) {
	r, _, _ := newReceiverWithRealWAL(t)
	client := &fakeLeaderClient{leaderLastID: 0}
	r.client = client

	err := r.Bootstrap(context.Background(), "http://leader", "f1", "http://f1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.LastAppliedID())
}
