// Command kvleader runs kvlog's leader process: the single writable
// replica that clients issue SET/GET/DELETE against and that fans out
// every write to its registered followers.
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
	"github.com/shahriyarr/kvlog/internal/heartbeat"
	"github.com/shahriyarr/kvlog/internal/kvstore"
	"github.com/shahriyarr/kvlog/internal/replication"
	"github.com/shahriyarr/kvlog/internal/transport"
	"github.com/shahriyarr/kvlog/internal/wal"
)

func parseFlags() (addr string, cfg config.Config) {
	defaults := config.New()

	flag.StringVar(&addr, "addr", ":8080", "address to listen on")
	walPath := flag.String("wal-path", defaults.WALPath, "base path for WAL segment files")
	maxSegmentSize := flag.Int64("max-segment-size", defaults.MaxSegmentSize, "segment rollover size in bytes")
	apiTimeout := flag.Duration("api-timeout", defaults.APITimeout, "outbound HTTP call timeout")
	heartbeatInterval := flag.Duration("heartbeat-interval", defaults.HeartbeatInterval, "heartbeat send/monitor period")
	compactionEnabled := flag.Bool("compaction-enabled", defaults.CompactionEnabled, "run the background compaction scheduler")
	compactionInterval := flag.Duration("compaction-interval", defaults.CompactionInterval, "background compaction period")
	compactionMinInterval := flag.Duration("compaction-min-interval", defaults.CompactionMinInterval, "minimum time between compaction runs")
	dedupMaxCacheSize := flag.Int("dedup-max-cache-size", defaults.DedupMaxCacheSize, "max dedup cache entries across all clients")
	dedupExpiry := flag.Duration("dedup-expiry", defaults.DedupExpirySeconds, "dedup cache entry TTL")
	flag.Parse()

	cfg = config.New(
		config.WithWALPath(*walPath),
		config.WithMaxSegmentSize(*maxSegmentSize),
		config.WithAPITimeout(*apiTimeout),
		config.WithHeartbeatInterval(*heartbeatInterval),
		config.WithCompactionEnabled(*compactionEnabled),
		config.WithCompactionInterval(*compactionInterval),
		config.WithCompactionMinInterval(*compactionMinInterval),
		config.WithDedupMaxCacheSize(*dedupMaxCacheSize),
		config.WithDedupExpiry(*dedupExpiry),
	)
	return addr, cfg
}

func main() {
	addr, cfg := parseFlags()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller, "role", "leader")

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

	client := transport.NewClient(cfg.APITimeout, "leader")
	hb := heartbeat.New(
		heartbeat.WithInterval(cfg.HeartbeatInterval),
		heartbeat.WithSender(client),
		heartbeat.WithLogger(logger),
		heartbeat.WithRegisterer(reg),
	)
	dispatcher := replication.NewDispatcher(client, hb,
		replication.WithSendTimeout(cfg.APITimeout),
		replication.WithLogger(logger),
		replication.WithRegisterer(reg),
	)

	srv := transport.NewServer(storage, w, dedupCache, hb, comp,
		transport.WithDispatcher(dispatcher),
		transport.WithLogger(logger),
		transport.WithRegisterer(reg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hb.Start(ctx)
	defer hb.Stop()
	comp.Start(ctx)
	defer comp.Stop()

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "leader listening", "addr", addr, "wal_path", cfg.WALPath)
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
