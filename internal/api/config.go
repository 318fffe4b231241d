package api

import (
	"time"

	"github.com/dj-oyu/parkwatch/internal/annotate"
	"github.com/dj-oyu/parkwatch/internal/framecache"
)

// Config defines the runtime configuration for the HTTP delivery layer.
type Config struct {
	JPEGQuality  int
	CacheKey     string
	CacheTTL     time.Duration
	Keepalive    time.Duration // SSE comment interval
	HistorySize  int           // evaluation passes kept for /api/occupancy
	BatchTimeout time.Duration // upper bound for a batch run from a request
}

// DefaultConfig returns a config aligned with the original dashboard behavior.
func DefaultConfig() Config {
	return Config{
		JPEGQuality:  annotate.DefaultQuality,
		CacheKey:     framecache.ImagesKey,
		CacheTTL:     framecache.DefaultTTL,
		Keepalive:    30 * time.Second,
		HistorySize:  8,
		BatchTimeout: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.CacheKey == "" {
		c.CacheKey = d.CacheKey
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Keepalive <= 0 {
		c.Keepalive = d.Keepalive
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	return c
}
