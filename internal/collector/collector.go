package collector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/models"
	"github.com/dsoothill/weather-collector/internal/sink"
	"github.com/dsoothill/weather-collector/internal/store"
)

// Source produces normalized observations from the upstream weather API.
type Source interface {
	// Latest returns the single most recent reading in the available window.
	Latest(ctx context.Context) (models.Observation, error)
	// All returns every reading in the available window, oldest first.
	All(ctx context.Context) ([]models.Observation, error)
}

// Sink writes observation batches to the time-series store.
type Sink interface {
	WriteBatch(ctx context.Context, records []models.Observation) sink.BatchResult
}

// Cache is the durable fallback buffer for observations the sink rejected.
type Cache interface {
	Append(rec models.Observation) error
	LoadAll() ([]store.Entry, error)
	Replace(entries []store.Entry) error
	Clear() error
	HasData() bool
}

// Collector runs one collection cycle: fetch and parse the latest
// observation, write it to the sink, then either drain previously cached
// entries (on success) or enqueue the new record (on failure).
type Collector struct {
	source Source
	sink   Sink
	cache  Cache
	logger *zap.Logger
}

func New(source Source, s Sink, cache Cache, logger *zap.Logger) *Collector {
	return &Collector{source: source, sink: s, cache: cache, logger: logger}
}

// Run executes one cycle. Only a fetch/parse failure is an error; a failed
// primary write degrades to caching the record and still counts as a
// completed cycle.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("weather collection started")

	rec, err := c.source.Latest(ctx)
	if err != nil {
		c.logger.Error("failed to obtain observation", zap.Error(err))
		return fmt.Errorf("fetch latest observation: %w", err)
	}
	c.logger.Info("observation ready",
		zap.Time("observed_at", rec.Timestamp),
		zap.String("location", rec.Location),
		zap.Int("fields", len(rec.Fields)))

	res := c.sink.WriteBatch(ctx, []models.Observation{rec})
	if res.Failed > 0 || res.Successful == 0 {
		c.logger.Warn("primary write failed, saving observation to cache")
		if err := c.cache.Append(rec); err != nil {
			// Losing one reading is preferable to failing the run; the next
			// cycle fetches a fresh window anyway.
			c.logger.Error("failed to cache observation", zap.Error(err))
		}
		c.logger.Info("weather collection completed", zap.String("outcome", "cached"))
		return nil
	}
	c.logger.Info("primary write succeeded")

	c.drain(ctx)
	c.logger.Info("weather collection completed", zap.String("outcome", "written"))
	return nil
}

// drain replays cached entries through the sink one at a time so each entry
// gets its own outcome. Entries that fail are written back, replacing the
// store's prior contents; when every entry lands the store is cleared.
func (c *Collector) drain(ctx context.Context) {
	if !c.cache.HasData() {
		c.logger.Info("no cached data to process")
		return
	}

	entries, err := c.cache.LoadAll()
	if err != nil {
		c.logger.Error("failed to load cache", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		// Everything in the file failed verification; drop the husk.
		if err := c.cache.Clear(); err != nil {
			c.logger.Error("failed to clear cache", zap.Error(err))
		}
		return
	}

	var failed []store.Entry
	successful := 0
	for _, e := range entries {
		c.logger.Info("replaying cached entry",
			zap.String("id", e.ID),
			zap.Time("cached_at", e.CachedAt))
		res := c.sink.WriteBatch(ctx, []models.Observation{e.Data})
		if res.Successful > 0 && res.Failed == 0 {
			successful++
		} else {
			failed = append(failed, e)
		}
	}
	c.logger.Info("cache drain finished",
		zap.Int("successful", successful),
		zap.Int("remaining", len(failed)))

	if len(failed) > 0 {
		if err := c.cache.Replace(failed); err != nil {
			c.logger.Error("failed to write back remaining entries", zap.Error(err))
		}
		return
	}
	if err := c.cache.Clear(); err != nil {
		c.logger.Error("failed to clear cache", zap.Error(err))
	}
}
