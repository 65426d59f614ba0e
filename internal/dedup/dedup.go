// Package dedup implements the at-most-once request cache sitting in
// front of the leader's write path: a bounded, TTL-expiring cache keyed
// by (client_id, request_id, op), grounded on
// request_deduplication.py's RequestDeduplicationService with the
// operation-aware key spec section 4.7 adds on top of it.
package dedup

import (
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

const (
	// DefaultMaxCacheSize is the default total-entries-across-all-clients cap.
	DefaultMaxCacheSize = 10000
	// DefaultExpiry is the default TTL from insertion.
	DefaultExpiry = time.Hour
)

type requestKey struct {
	requestID string
	op        crcentry.Op
}

type cacheEntry struct {
	response  any
	insertion time.Time
}

// Metrics mirrors the teacher's promauto-constructed counter struct shape.
type Metrics struct {
	duplicatesDetected    prometheus.Counter
	differentOpDuplicates prometheus.Counter
	cacheCleanups         prometheus.Counter
	requestsCached        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		duplicatesDetected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_dedup_duplicates_total",
			Help: "Number of lookups that matched a cached (client_id, request_id, op).",
		}),
		differentOpDuplicates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_dedup_different_op_duplicates_total",
			Help: "Number of lookups that matched a client_id/request_id but under a different op.",
		}),
		cacheCleanups: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_dedup_cache_cleanups_total",
			Help: "Number of TTL or size-based eviction passes that removed at least one entry.",
		}),
		requestsCached: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvlog_dedup_requests_cached_total",
			Help: "Number of requests inserted into the cache.",
		}),
	}
}

// Cache is a process-wide request deduplication cache, keyed per client and
// bounded by the total number of entries across all clients.
type Cache struct {
	maxSize int
	expiry  time.Duration
	logger  log.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[string]map[requestKey]cacheEntry

	totalCached         uint64
	totalDuplicate      uint64
	totalDifferentOpDup uint64
	totalCleanups       uint64
}

// Option customizes a Cache at construction.
type Option func(*Cache)

func WithMaxCacheSize(n int) Option { return func(c *Cache) { c.maxSize = n } }
func WithExpiry(d time.Duration) Option { return func(c *Cache) { c.expiry = d } }
func WithLogger(l log.Logger) Option    { return func(c *Cache) { c.logger = l } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newMetrics(reg) }
}

// New constructs a Cache with the given options applied over the defaults.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxSize: DefaultMaxCacheSize,
		expiry:  DefaultExpiry,
		entries: make(map[string]map[requestKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.metrics == nil {
		c.metrics = newMetrics(prometheus.NewRegistry())
	}
	return c
}

// MarkProcessed records the result of a completed request, sweeping
// expired entries first and evicting the globally oldest entries if the
// post-insert total exceeds maxSize.
func (c *Cache) MarkProcessed(clientID, requestID string, op crcentry.Op, response any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanExpiredLocked()

	if c.entries[clientID] == nil {
		c.entries[clientID] = make(map[requestKey]cacheEntry)
	}
	c.entries[clientID][requestKey{requestID: requestID, op: op}] = cacheEntry{
		response:  response,
		insertion: time.Now(),
	}
	c.totalCached++
	c.metrics.requestsCached.Inc()

	if c.totalLocked() > c.maxSize {
		c.cleanOldestLocked()
	}
}

// Lookup returns the cached response for (clientID, requestID, op), TTL
// sweeping first. If requestID is cached under a different op, that is
// counted as a different-op duplicate in Stats but Lookup still returns
// (nil, false) — a
// same-request-different-operation retry is never treated as a hit.
func (c *Cache) Lookup(clientID, requestID string, op crcentry.Op) (response any, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanExpiredLocked()

	requests, ok := c.entries[clientID]
	if !ok {
		return nil, false
	}

	if entry, ok := requests[requestKey{requestID: requestID, op: op}]; ok {
		c.totalDuplicate++
		c.metrics.duplicatesDetected.Inc()
		level.Debug(c.logger).Log("msg", "duplicate request detected", "client_id", clientID, "request_id", requestID, "op", op,
			"age", time.Since(entry.insertion))
		return entry.response, true
	}

	for key := range requests {
		if key.requestID == requestID && key.op != op {
			c.totalDifferentOpDup++
			c.metrics.differentOpDuplicates.Inc()
			level.Debug(c.logger).Log("msg", "request_id matched under a different op", "client_id", clientID, "request_id", requestID,
				"seen_op", key.op, "looked_up_op", op)
			break
		}
	}
	return nil, false
}

func (c *Cache) totalLocked() int {
	total := 0
	for _, requests := range c.entries {
		total += len(requests)
	}
	return total
}

func (c *Cache) cleanExpiredLocked() {
	now := time.Now()
	removed := 0
	for clientID, requests := range c.entries {
		for key, entry := range requests {
			if now.Sub(entry.insertion) > c.expiry {
				delete(requests, key)
				removed++
			}
		}
		if len(requests) == 0 {
			delete(c.entries, clientID)
		}
	}
	if removed > 0 {
		c.totalCleanups++
		c.metrics.cacheCleanups.Inc()
		level.Debug(c.logger).Log("msg", "dedup cache ttl sweep", "removed", removed)
	}
}

type flatEntry struct {
	clientID  string
	key       requestKey
	insertion time.Time
}

func (c *Cache) cleanOldestLocked() {
	var all []flatEntry
	for clientID, requests := range c.entries {
		for key, entry := range requests {
			all = append(all, flatEntry{clientID: clientID, key: key, insertion: entry.insertion})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].insertion.Before(all[j].insertion) })

	toRemove := c.totalLocked() - c.maxSize
	if toRemove <= 0 {
		return
	}
	for i := 0; i < toRemove && i < len(all); i++ {
		fe := all[i]
		delete(c.entries[fe.clientID], fe.key)
		if len(c.entries[fe.clientID]) == 0 {
			delete(c.entries, fe.clientID)
		}
	}
	c.totalCleanups++
	c.metrics.cacheCleanups.Inc()
	level.Debug(c.logger).Log("msg", "dedup cache size limit reached, evicted oldest entries", "removed", toRemove)
}

func (c *Cache) uniqueRequestIDsLocked() int {
	seen := make(map[string]struct{})
	for _, requests := range c.entries {
		for key := range requests {
			seen[key.requestID] = struct{}{}
		}
	}
	return len(seen)
}

// Stats summarizes cache state for the deduplication_stats endpoint, per
// spec.md section 4.7: total cached, duplicates detected split by
// same-op and different-op, cleanup counts, and unique request ids.
type Stats struct {
	CurrentCacheSize        int    `json:"current_cache_size"`
	TotalClientCount        int    `json:"total_client_count"`
	UniqueRequestIDs        int    `json:"unique_request_ids"`
	TotalRequestsCached     uint64 `json:"total_requests_cached"`
	TotalDuplicatesDetected uint64 `json:"total_duplicates_detected"`
	DifferentOpDuplicates   uint64 `json:"different_op_duplicates"`
	CacheCleanups           uint64 `json:"cache_cleanups"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		CurrentCacheSize:        c.totalLocked(),
		TotalClientCount:        len(c.entries),
		UniqueRequestIDs:        c.uniqueRequestIDsLocked(),
		TotalRequestsCached:     c.totalCached,
		TotalDuplicatesDetected: c.totalDuplicate,
		DifferentOpDuplicates:   c.totalDifferentOpDup,
		CacheCleanups:           c.totalCleanups,
	}
}
