package sink

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/models"
	"github.com/dsoothill/weather-collector/internal/observability"
)

const (
	measurement = "weather_observation"
	sourceTag   = "met_office"
)

// BatchResult reports the outcome of one WriteBatch call. Partial success is
// not modeled: a batch either fully lands or is reported fully failed.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
}

// Config holds InfluxDB connection and retry parameters.
type Config struct {
	URL    string
	Org    string
	Bucket string
	Token  string

	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConnectionTTL  time.Duration
}

// Writer writes observation batches to InfluxDB v2 with a fixed-attempt
// doubling-backoff retry policy. The underlying client is reused across calls
// while fresh and rebuilt transparently once older than ConnectionTTL.
type Writer struct {
	mu          sync.Mutex
	cfg         Config
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	connectedAt time.Time
	logger      *zap.Logger
}

// New creates a Writer. No connection is established until the first write.
func New(cfg Config, logger *zap.Logger) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 5 * time.Minute
	}
	return &Writer{cfg: cfg, logger: logger}
}

// WriteBatch submits all records as a single write call, retrying the whole
// batch as a unit. Empty input returns a zero result without any network call.
func (w *Writer) WriteBatch(ctx context.Context, records []models.Observation) BatchResult {
	if len(records) == 0 {
		return BatchResult{}
	}

	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		points = append(points, toPoint(rec))
	}

	backoff := w.cfg.InitialBackoff
	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		w.logger.Info("writing batch to influxdb",
			zap.Int("points", len(points)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", w.cfg.MaxAttempts))

		err := w.writeAPIForCall().WritePoint(ctx, points...)
		if err == nil {
			observability.SinkBatchesTotal.WithLabelValues("success").Inc()
			observability.SinkPointsWrittenTotal.Add(float64(len(points)))
			w.logger.Info("batch written", zap.Int("points", len(points)))
			return BatchResult{Total: len(records), Successful: len(records)}
		}

		observability.SinkBatchesTotal.WithLabelValues("error").Inc()
		w.logger.Warn("influxdb write failed", zap.Error(err))

		if attempt+1 >= w.cfg.MaxAttempts {
			break
		}
		next := backoff
		if next > w.cfg.MaxBackoff {
			next = w.cfg.MaxBackoff
		}
		w.logger.Info("retrying influxdb write", zap.Duration("backoff", next))
		select {
		case <-ctx.Done():
			return BatchResult{Total: len(records), Failed: len(records)}
		case <-time.After(next):
		}
		backoff *= 2
	}

	w.logger.Error("failed to write batch", zap.Int("attempts", w.cfg.MaxAttempts), zap.Int("points", len(points)))
	return BatchResult{Total: len(records), Failed: len(records)}
}

// Write submits a single record as a batch of one.
func (w *Writer) Write(ctx context.Context, rec models.Observation) bool {
	res := w.WriteBatch(ctx, []models.Observation{rec})
	return res.Successful > 0 && res.Failed == 0
}

// Close releases the pooled client. Safe to call multiple times.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Close()
		w.client = nil
		w.writeAPI = nil
	}
}

// writeAPIForCall returns a write API backed by a connection no older than
// the TTL, replacing a stale one transparently.
func (w *Writer) writeAPIForCall() api.WriteAPIBlocking {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client == nil || time.Since(w.connectedAt) > w.cfg.ConnectionTTL {
		if w.client != nil {
			w.client.Close()
		}
		opts := influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(w.cfg.Timeout / time.Second)).
			SetUseGZip(true)
		w.client = influxdb2.NewClientWithOptions(w.cfg.URL, w.cfg.Token, opts)
		w.writeAPI = w.client.WriteAPIBlocking(w.cfg.Org, w.cfg.Bucket)
		w.connectedAt = time.Now()
		w.logger.Debug("created new influxdb connection", zap.String("url", w.cfg.URL))
	}
	return w.writeAPI
}

// toPoint converts a record to the sink's point representation: fixed
// measurement, identifying tags, every measurement field, observation time.
func toPoint(rec models.Observation) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("location", rec.Location).
		AddTag("source", sourceTag).
		SetTime(rec.Timestamp)

	for name, value := range rec.Fields {
		switch v := value.(type) {
		case float64:
			p.AddField(name, v)
		case int:
			p.AddField(name, float64(v))
		case string:
			p.AddField(name, v)
		}
	}
	return p
}
