package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/models"
	"github.com/dsoothill/weather-collector/internal/observability"
)

const (
	DefaultMaxBytes   = 10 << 20
	DefaultMaxEntries = 1000
)

// Entry wraps a pending observation with capture metadata and an integrity
// checksum over the canonical serialization of Data.
type Entry struct {
	Data     models.Observation `json:"data"`
	CachedAt time.Time          `json:"cached_at"`
	Checksum string             `json:"checksum"`
	ID       string             `json:"id"`
}

// Checksum returns the sha256 hex digest of the canonical serialization of rec.
func Checksum(rec models.Observation) (string, error) {
	data, err := rec.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Config holds the cache file path and its bounds.
type Config struct {
	Path       string
	MaxBytes   int64
	MaxEntries int
}

// FileCache is a durable, size-bounded FIFO buffer of observations pending
// replay to the sink, persisted as one JSON file. All public operations are
// safe for concurrent use within one process; a single mutex guards every
// read-modify-write. Atomic rename keeps the file whole across processes, but
// concurrent collector instances can still lose logical updates to each other.
type FileCache struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
}

// New creates a FileCache, ensuring the parent directory exists.
func New(cfg Config, logger *zap.Logger) (*FileCache, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return &FileCache{cfg: cfg, logger: logger}, nil
}

// Append adds rec to the store, evicting oldest entries when either bound
// would be exceeded, and persists atomically. The store is created lazily on
// the first append.
func (c *FileCache) Append(rec models.Observation) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.loadLocked()

	// Byte ceiling exceeded: keep only the newest half of the entry ceiling.
	if fi, err := os.Stat(c.cfg.Path); err == nil && fi.Size() > c.cfg.MaxBytes {
		keep := c.cfg.MaxEntries / 2
		if len(entries) > keep {
			dropped := len(entries) - keep
			entries = entries[len(entries)-keep:]
			observability.CacheDroppedTotal.WithLabelValues("size_evicted").Add(float64(dropped))
			c.logger.Warn("cache exceeds size limit, truncated to newest entries",
				zap.Int64("max_bytes", c.cfg.MaxBytes),
				zap.Int("dropped", dropped))
		}
	}

	// Entry ceiling reached: evict the single oldest entry.
	if len(entries) >= c.cfg.MaxEntries {
		dropped := len(entries) - (c.cfg.MaxEntries - 1)
		entries = entries[len(entries)-(c.cfg.MaxEntries-1):]
		observability.CacheDroppedTotal.WithLabelValues("count_evicted").Add(float64(dropped))
		c.logger.Warn("cache at maximum entries, removed oldest",
			zap.Int("max_entries", c.cfg.MaxEntries))
	}

	sum, err := Checksum(rec)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{
		Data:     rec,
		CachedAt: time.Now().UTC(),
		Checksum: sum,
		ID:       uuid.NewString(),
	})

	if err := c.persistLocked(entries); err != nil {
		return err
	}
	c.logger.Info("saved observation to cache",
		zap.String("path", c.cfg.Path),
		zap.Int("entries", len(entries)))
	return nil
}

// LoadAll returns the stored entries oldest first. Entries whose checksum no
// longer matches the recomputed value over their data are dropped with a
// warning; corruption is tolerated, never fatal.
func (c *FileCache) LoadAll() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.loadLocked()
	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		sum, err := Checksum(e.Data)
		if err != nil || sum != e.Checksum {
			observability.CacheDroppedTotal.WithLabelValues("checksum_mismatch").Inc()
			c.logger.Warn("cache entry checksum mismatch, dropping", zap.String("id", e.ID))
			continue
		}
		valid = append(valid, e)
	}
	c.logger.Info("loaded cached entries", zap.Int("valid", len(valid)), zap.Int("total", len(entries)))
	return valid, nil
}

// Replace overwrites the store with exactly the given entries, preserving
// their identity. An empty slice clears the store.
func (c *FileCache) Replace(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(entries) == 0 {
		return c.clearLocked()
	}
	return c.persistLocked(entries)
}

// Clear deletes the backing file. No-op when it is already absent.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

// HasData reports whether the store holds any bytes.
func (c *FileCache) HasData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	fi, err := os.Stat(c.cfg.Path)
	return err == nil && fi.Size() > 0
}

// loadLocked reads the file, treating a missing or malformed file as empty.
func (c *FileCache) loadLocked() []Entry {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read cache file, treating as empty", zap.Error(err))
		}
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache file corrupt, treating as empty", zap.Error(err))
		return nil
	}
	return entries
}

// persistLocked writes entries to a temporary file in the same directory with
// owner-only permissions, then renames it over the store so a concurrent
// reader never observes a half-written file.
func (c *FileCache) persistLocked(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entries: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.cfg.Path), ".cache_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, c.cfg.Path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}

	observability.CacheEntriesGauge.Set(float64(len(entries)))
	return nil
}

func (c *FileCache) clearLocked() error {
	if err := os.Remove(c.cfg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	observability.CacheEntriesGauge.Set(0)
	c.logger.Info("cache cleared")
	return nil
}
