// Package config collects every tunable named by the system's
// configuration surface into a single struct built with functional
// options, following the teacher's walOpt convention.
package config

import "time"

// Config is the full set of tunables a leader or follower process needs.
// Defaults are set in New; LeaderURL, FollowerID and FollowerURL default
// to empty.
type Config struct {
	WALPath        string
	MaxSegmentSize int64

	APITimeout time.Duration

	HeartbeatInterval time.Duration

	CompactionInterval    time.Duration
	CompactionMinInterval time.Duration
	CompactionEnabled     bool

	DedupMaxCacheSize int
	DedupExpirySeconds time.Duration

	LeaderURL  string
	FollowerID string
	FollowerURL string

	FollowerStatePath string
}

// HeartbeatTimeout is always 3x HeartbeatInterval, per spec.
func (c Config) HeartbeatTimeout() time.Duration {
	return 3 * c.HeartbeatInterval
}

// Option customizes a Config at construction.
type Option func(*Config)

func WithWALPath(p string) Option        { return func(c *Config) { c.WALPath = p } }
func WithMaxSegmentSize(n int64) Option  { return func(c *Config) { c.MaxSegmentSize = n } }
func WithAPITimeout(d time.Duration) Option { return func(c *Config) { c.APITimeout = d } }
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}
func WithCompactionInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactionInterval = d }
}
func WithCompactionMinInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactionMinInterval = d }
}
func WithCompactionEnabled(enabled bool) Option { return func(c *Config) { c.CompactionEnabled = enabled } }
func WithDedupMaxCacheSize(n int) Option        { return func(c *Config) { c.DedupMaxCacheSize = n } }
func WithDedupExpiry(d time.Duration) Option    { return func(c *Config) { c.DedupExpirySeconds = d } }
func WithLeaderURL(url string) Option           { return func(c *Config) { c.LeaderURL = url } }
func WithFollowerID(id string) Option           { return func(c *Config) { c.FollowerID = id } }
func WithFollowerURL(url string) Option         { return func(c *Config) { c.FollowerURL = url } }
func WithFollowerStatePath(p string) Option      { return func(c *Config) { c.FollowerStatePath = p } }

// New returns a Config seeded with spec-mandated defaults, then
// overridden by opts in order.
func New(opts ...Option) Config {
	c := Config{
		WALPath:               "data/wal.log",
		MaxSegmentSize:        1 << 20,
		APITimeout:            5 * time.Second,
		HeartbeatInterval:     10 * time.Second,
		CompactionInterval:    time.Hour,
		CompactionMinInterval: 10 * time.Minute,
		CompactionEnabled:     true,
		DedupMaxCacheSize:     10000,
		DedupExpirySeconds:    time.Hour,
		FollowerStatePath:     "data/followerstate.db",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
