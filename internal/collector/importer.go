package collector

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dsoothill/weather-collector/internal/sink"
)

// Importer performs a one-time import of the full available observation
// window, writing every reading to the sink in fixed-size batches.
type Importer struct {
	source    Source
	sink      Sink
	batchSize int
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewImporter creates an Importer. batchSize defaults to 100; ratePerSec > 0
// paces batch submissions, 0 disables pacing.
func NewImporter(source Source, s Sink, batchSize int, ratePerSec float64, logger *zap.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = 100
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &Importer{
		source:    source,
		sink:      s,
		batchSize: batchSize,
		limiter:   limiter,
		logger:    logger,
	}
}

// Import fetches the full window and writes it batch by batch. Any point that
// fails to land makes the import fail as a whole.
func (im *Importer) Import(ctx context.Context) error {
	im.logger.Info("historical import started")

	observations, err := im.source.All(ctx)
	if err != nil {
		return fmt.Errorf("fetch historical observations: %w", err)
	}

	total := len(observations)
	totalBatches := (total + im.batchSize - 1) / im.batchSize
	im.logger.Info("importing observations",
		zap.Int("observations", total),
		zap.Int("batch_size", im.batchSize),
		zap.Int("batches", totalBatches))

	var stats sink.BatchResult
	for i := 0; i < total; i += im.batchSize {
		if im.limiter != nil {
			if err := im.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		end := i + im.batchSize
		if end > total {
			end = total
		}
		batchNum := i/im.batchSize + 1

		res := im.sink.WriteBatch(ctx, observations[i:end])
		stats.Total += res.Total
		stats.Successful += res.Successful
		stats.Failed += res.Failed

		im.logger.Info("batch processed",
			zap.Int("batch", batchNum),
			zap.Int("batches", totalBatches),
			zap.Int("successful", res.Successful),
			zap.Int("failed", res.Failed))
	}

	im.logger.Info("historical import finished",
		zap.Int("total", stats.Total),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed))

	if stats.Failed > 0 {
		return fmt.Errorf("import completed with %d failed observations", stats.Failed)
	}
	return nil
}
