package metrics

import (
	"context"
	"time"

	"github.com/migadu/sieve/logger"
)

// CacheStatsProvider is implemented by caches that report their size.
type CacheStatsProvider interface {
	Stats() (entries int, err error)
}

// Collector periodically copies cache statistics into gauges.
type Collector struct {
	cacheProvider CacheStatsProvider
	interval      time.Duration
}

// NewCollector creates a new metrics collector
func NewCollector(cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Collector{cacheProvider: cacheProvider, interval: interval}
}

// Start runs the collection loop until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	c.collect()
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

func (c *Collector) collect() {
	if c.cacheProvider == nil {
		return
	}
	entries, err := c.cacheProvider.Stats()
	if err != nil {
		logger.Warn("Metrics: failed to collect cache statistics", "error", err)
		return
	}
	BinaryCacheEntries.Set(float64(entries))
}
