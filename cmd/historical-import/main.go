package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/breaker"
	"github.com/dsoothill/weather-collector/internal/collector"
	"github.com/dsoothill/weather-collector/internal/config"
	"github.com/dsoothill/weather-collector/internal/metoffice"
	"github.com/dsoothill/weather-collector/internal/observability"
	"github.com/dsoothill/weather-collector/internal/sink"
	"github.com/dsoothill/weather-collector/internal/transport"
)

// One-time import of every observation in the upstream's available historical
// window (typically ~48h for observation-land). Exit codes as for the
// collector: 0 = all points landed, 1 = fetch failure or any failed point,
// 130 = user interrupt.
func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath(), "path to configuration file")
	flag.Parse()

	logger, err := observability.NewLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("config", zap.Error(err))
		return 1
	}
	if cfg.LogLevel != "" {
		if leveled, lerr := observability.NewLogger(cfg.LogLevel); lerr == nil {
			logger = leveled
			defer func() { _ = logger.Sync() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange: func(from, to breaker.State) {
			observability.RecordBreakerTransition(from.String(), to.String(), int(to))
			logger.Info("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	httpClient := transport.New(transport.Config{
		MaxAttempts:      cfg.MetOffice.Retry.MaxAttempts,
		InitialBackoff:   cfg.MetOffice.Retry.InitialBackoff,
		MaxBackoff:       cfg.MetOffice.Retry.MaxBackoff,
		MaxTotalTime:     cfg.MetOffice.Retry.MaxTotalTime,
		Timeout:          cfg.MetOffice.Timeout,
		MaxResponseBytes: cfg.MetOffice.MaxResponseBytes,
	}, cb, logger)
	defer httpClient.Close()

	source := metoffice.New(cfg.MetOffice.BaseURL, cfg.MetOffice.APIKey, metoffice.Location{
		Name:      cfg.MetOffice.Location.Name,
		Latitude:  cfg.MetOffice.Location.Latitude,
		Longitude: cfg.MetOffice.Location.Longitude,
	}, httpClient, logger)

	writer := sink.New(sink.Config{
		URL:            cfg.InfluxDB.URL,
		Org:            cfg.InfluxDB.Org,
		Bucket:         cfg.InfluxDB.Bucket,
		Token:          cfg.InfluxDB.Token,
		Timeout:        cfg.InfluxDB.Timeout,
		MaxAttempts:    cfg.InfluxDB.Retry.MaxAttempts,
		InitialBackoff: cfg.InfluxDB.Retry.InitialBackoff,
		MaxBackoff:     cfg.InfluxDB.Retry.MaxBackoff,
		ConnectionTTL:  cfg.InfluxDB.ConnectionTTL,
	}, logger)
	defer writer.Close()

	var ops *http.Server
	if cfg.MetricsListen != "" {
		ops = observability.StartOpsServer(cfg.MetricsListen, logger)
		defer shutdownOps(ops, logger)
	}

	importer := collector.NewImporter(source, writer, cfg.Import.BatchSize, cfg.Import.RateLimitRPS, logger)
	if err := importer.Import(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("import interrupted by user")
			return 130
		}
		logger.Error("import failed", zap.Error(err))
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yml"
}

func shutdownOps(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("ops listener shutdown", zap.Error(err))
	}
}
