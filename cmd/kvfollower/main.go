// Command kvfollower runs kvlog's follower process: a read replica
// that registers with a leader, applies replicated batches
// idempotently, and at startup pulls from the leader's log whatever it
// is missing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shahriyarr/kvlog/internal/compaction"
	"github.com/shahriyarr/kvlog/internal/config"
	"github.com/shahriyarr/kvlog/internal/dedup"
	"github.com/shahriyarr/kvlog/internal/followerstate"
	"github.com/shahriyarr/kvlog/internal/heartbeat"
	"github.com/shahriyarr/kvlog/internal/kvstore"
	"github.com/shahriyarr/kvlog/internal/replication"
	"github.com/shahriyarr/kvlog/internal/transport"
	"github.com/shahriyarr/kvlog/internal/wal"
)

func parseFlags() (addr string, cfg config.Config) {
	defaults := config.New()

	flag.StringVar(&addr, "addr", ":8081", "address to listen on")
	walPath := flag.String("wal-path", "data/follower/wal.log", "base path for WAL segment files")
	maxSegmentSize := flag.Int64("max-segment-size", defaults.MaxSegmentSize, "segment rollover size in bytes")
	apiTimeout := flag.Duration("api-timeout", defaults.APITimeout, "outbound HTTP call timeout")
	heartbeatInterval := flag.Duration("heartbeat-interval", defaults.HeartbeatInterval, "heartbeat send/monitor period")
	compactionEnabled := flag.Bool("compaction-enabled", defaults.CompactionEnabled, "run the background compaction scheduler")
	compactionInterval := flag.Duration("compaction-interval", defaults.CompactionInterval, "background compaction period")
	compactionMinInterval := flag.Duration("compaction-min-interval", defaults.CompactionMinInterval, "minimum time between compaction runs")
	leaderURL := flag.String("leader-url", "", "leader base URL, e.g. http://localhost:8080 (required)")
	followerID := flag.String("follower-id", "", "this follower's id, e.g. follower-1 (required)")
	followerURL := flag.String("follower-url", "", "this follower's own base URL as reachable by the leader (required)")
	statePath := flag.String("state-path", defaults.FollowerStatePath, "path to this follower's bbolt bookkeeping database")
	flag.Parse()

	if *leaderURL == "" || *followerID == "" || *followerURL == "" {
		fmt.Fprintln(os.Stderr, "kvfollower: -leader-url, -follower-id, and -follower-url are all required")
		flag.Usage()
		os.Exit(2)
	}

	cfg = config.New(
		config.WithWALPath(*walPath),
		config.WithMaxSegmentSize(*maxSegmentSize),
		config.WithAPITimeout(*apiTimeout),
		config.WithHeartbeatInterval(*heartbeatInterval),
		config.WithCompactionEnabled(*compactionEnabled),
		config.WithCompactionInterval(*compactionInterval),
		config.WithCompactionMinInterval(*compactionMinInterval),
		config.WithLeaderURL(*leaderURL),
		config.WithFollowerID(*followerID),
		config.WithFollowerURL(*followerURL),
		config.WithFollowerStatePath(*statePath),
	)
	return addr, cfg
}

func main() {
	addr, cfg := parseFlags()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller, "role", "follower", "follower_id", cfg.FollowerID)

	if err := run(addr, cfg, logger); err != nil {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}

func run(addr string, cfg config.Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()

	w, err := wal.Open(cfg.WALPath, cfg.MaxSegmentSize, wal.WithLogger(logger), wal.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	storage, err := kvstore.Open(w, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	state, err := followerstate.Open(cfg.FollowerStatePath)
	if err != nil {
		return fmt.Errorf("open follower state: %w", err)
	}
	defer state.Close()
	if err := state.SetLeaderURL(cfg.LeaderURL); err != nil {
		return fmt.Errorf("persist leader url: %w", err)
	}

	dedupCache := dedup.New(
		dedup.WithMaxCacheSize(cfg.DedupMaxCacheSize),
		dedup.WithExpiry(cfg.DedupExpirySeconds),
		dedup.WithLogger(logger),
		dedup.WithRegisterer(reg),
	)
	comp := compaction.New(storage,
		compaction.WithInterval(cfg.CompactionInterval),
		compaction.WithMinInterval(cfg.CompactionMinInterval),
		compaction.WithEnabled(cfg.CompactionEnabled),
		compaction.WithLogger(logger),
		compaction.WithRegisterer(reg),
	)

	client := transport.NewClient(cfg.APITimeout, cfg.FollowerID)
	hb := heartbeat.New(
		heartbeat.WithInterval(cfg.HeartbeatInterval),
		heartbeat.WithSender(client),
		heartbeat.WithLogger(logger),
		heartbeat.WithRegisterer(reg),
	)
	hb.RegisterPeer("leader", cfg.LeaderURL)

	receiver := replication.NewReceiver(w, storage, client, logger)
	receiver.SeedLastApplied(w.LastID())

	srv := transport.NewServer(storage, w, dedupCache, hb, comp,
		transport.WithReceiver(receiver, cfg.FollowerID),
		transport.WithFollowerState(state),
		transport.WithLogger(logger),
		transport.WithRegisterer(reg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, cfg.APITimeout)
	err = receiver.Bootstrap(bootstrapCtx, cfg.LeaderURL, cfg.FollowerID, cfg.FollowerURL)
	bootstrapCancel()
	if err != nil {
		level.Warn(logger).Log("msg", "bootstrap against leader failed, starting anyway", "leader_url", cfg.LeaderURL, "err", err)
	}
	if err := state.SetLastAppliedID(receiver.LastAppliedID()); err != nil {
		level.Warn(logger).Log("msg", "failed to persist last applied id", "err", err)
	}

	hb.Start(ctx)
	defer hb.Stop()
	comp.Start(ctx)
	defer comp.Stop()

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "follower listening", "addr", addr, "leader_url", cfg.LeaderURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
