package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// placeholderMarkers flag credentials copied straight from a sample config.
var placeholderMarkers = []string{"YOUR_", "HERE", "EXAMPLE", "REPLACE"}

// RetryPolicy holds the retry tunables shared by the transport and the sink.
// MaxTotalTime only applies to the transport.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxTotalTime   time.Duration
}

// Location is the fixed observation site.
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Config is the validated runtime configuration. Components receive these
// values already checked; invalid configuration never reaches construction.
type Config struct {
	MetOffice struct {
		APIKey           string
		BaseURL          string
		Location         Location
		Timeout          time.Duration
		MaxResponseBytes int64
		Retry            RetryPolicy
	}

	InfluxDB struct {
		URL           string
		Org           string
		Bucket        string
		Token         string
		Timeout       time.Duration
		ConnectionTTL time.Duration
		Retry         RetryPolicy
	}

	Breaker struct {
		FailureThreshold int
		RecoveryTimeout  time.Duration
	}

	Cache struct {
		FilePath   string
		MaxBytes   int64
		MaxEntries int
	}

	Import struct {
		BatchSize    int
		RateLimitRPS float64
	}

	MetricsListen string
	LogLevel      string
}

type retrySection struct {
	MaxAttempts    int    `yaml:"max_attempts" validate:"omitempty,gte=1,lte=10"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	MaxTotalTime   string `yaml:"max_total_time"`
}

type fileConfig struct {
	MetOffice struct {
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url" validate:"required,url,startswith=http"`
		Location struct {
			Name      string  `yaml:"name" validate:"required"`
			Latitude  float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
			Longitude float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
		} `yaml:"location"`
		Timeout       string       `yaml:"timeout"`
		MaxResponseMB int          `yaml:"max_response_mb" validate:"omitempty,gte=1,lte=100"`
		Retry         retrySection `yaml:"retry"`
	} `yaml:"met_office"`

	InfluxDB struct {
		URL           string       `yaml:"url" validate:"required,url,startswith=http"`
		Org           string       `yaml:"org" validate:"required"`
		Bucket        string       `yaml:"bucket" validate:"required"`
		Token         string       `yaml:"token"`
		Timeout       string       `yaml:"timeout"`
		ConnectionTTL string       `yaml:"connection_ttl"`
		Retry         retrySection `yaml:"retry"`
	} `yaml:"influxdb"`

	Breaker struct {
		FailureThreshold int    `yaml:"failure_threshold" validate:"omitempty,gte=1,lte=100"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
	} `yaml:"breaker"`

	Cache struct {
		FilePath   string `yaml:"file_path" validate:"required"`
		MaxSizeMB  int    `yaml:"max_size_mb" validate:"omitempty,gte=1,lte=1024"`
		MaxEntries int    `yaml:"max_entries" validate:"omitempty,gte=1,lte=1000000"`
	} `yaml:"cache"`

	HistoricalImport struct {
		BatchSize    int     `yaml:"batch_size" validate:"omitempty,gte=1,lte=10000"`
		RateLimitRPS float64 `yaml:"rate_limit_rps" validate:"omitempty,gt=0"`
	} `yaml:"historical_import"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and validates configuration from path. A .env file, when
// present, is loaded first; MET_OFFICE_API_KEY and INFLUXDB_TOKEN env vars
// override the file values so secrets can stay out of the YAML.
func Load(path string, logger *zap.Logger) (*Config, error) {
	_ = godotenv.Load()

	if fi, err := os.Stat(path); err == nil {
		if fi.Mode().Perm()&0o004 != 0 {
			logger.Warn("config file is world-readable, run chmod 600", zap.String("path", path))
		}
		if fi.Size() > 1<<20 {
			return nil, fmt.Errorf("config file too large: %s", path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s (copy config.sample.yml and configure it)", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if key := os.Getenv("MET_OFFICE_API_KEY"); key != "" {
		fc.MetOffice.APIKey = key
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		fc.InfluxDB.Token = token
	}

	if err := validator.New().Struct(&fc); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateCredentials(&fc); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.MetOffice.APIKey = fc.MetOffice.APIKey
	cfg.MetOffice.BaseURL = strings.TrimRight(fc.MetOffice.BaseURL, "/")
	cfg.MetOffice.Location = Location{
		Name:      fc.MetOffice.Location.Name,
		Latitude:  fc.MetOffice.Location.Latitude,
		Longitude: fc.MetOffice.Location.Longitude,
	}
	cfg.MetOffice.Timeout = parseDuration(fc.MetOffice.Timeout, 30*time.Second)
	cfg.MetOffice.MaxResponseBytes = int64(fc.MetOffice.MaxResponseMB) << 20
	if cfg.MetOffice.MaxResponseBytes <= 0 {
		cfg.MetOffice.MaxResponseBytes = 50 << 20
	}
	cfg.MetOffice.Retry = RetryPolicy{
		MaxAttempts:    defaultInt(fc.MetOffice.Retry.MaxAttempts, 3),
		InitialBackoff: parseDuration(fc.MetOffice.Retry.InitialBackoff, time.Second),
		MaxBackoff:     parseDuration(fc.MetOffice.Retry.MaxBackoff, 30*time.Second),
		MaxTotalTime:   parseDuration(fc.MetOffice.Retry.MaxTotalTime, 2*time.Minute),
	}

	cfg.InfluxDB.URL = fc.InfluxDB.URL
	cfg.InfluxDB.Org = fc.InfluxDB.Org
	cfg.InfluxDB.Bucket = fc.InfluxDB.Bucket
	cfg.InfluxDB.Token = fc.InfluxDB.Token
	cfg.InfluxDB.Timeout = parseDuration(fc.InfluxDB.Timeout, 10*time.Second)
	cfg.InfluxDB.ConnectionTTL = parseDuration(fc.InfluxDB.ConnectionTTL, 5*time.Minute)
	cfg.InfluxDB.Retry = RetryPolicy{
		MaxAttempts:    defaultInt(fc.InfluxDB.Retry.MaxAttempts, 3),
		InitialBackoff: parseDuration(fc.InfluxDB.Retry.InitialBackoff, time.Second),
		MaxBackoff:     parseDuration(fc.InfluxDB.Retry.MaxBackoff, 30*time.Second),
	}

	cfg.Breaker.FailureThreshold = defaultInt(fc.Breaker.FailureThreshold, 5)
	cfg.Breaker.RecoveryTimeout = parseDuration(fc.Breaker.RecoveryTimeout, 5*time.Minute)

	cfg.Cache.FilePath = fc.Cache.FilePath
	cfg.Cache.MaxBytes = int64(fc.Cache.MaxSizeMB) << 20
	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = 10 << 20
	}
	cfg.Cache.MaxEntries = defaultInt(fc.Cache.MaxEntries, 1000)

	cfg.Import.BatchSize = defaultInt(fc.HistoricalImport.BatchSize, 100)
	cfg.Import.RateLimitRPS = fc.HistoricalImport.RateLimitRPS

	cfg.MetricsListen = fc.Metrics.Listen
	cfg.LogLevel = fc.Logging.Level

	return cfg, nil
}

// validateCredentials rejects placeholder or obviously malformed secrets so
// misconfiguration fails before any network call.
func validateCredentials(fc *fileConfig) error {
	key := fc.MetOffice.APIKey
	if key == "" {
		return fmt.Errorf("met_office.api_key required (set it in the config file, .env, or MET_OFFICE_API_KEY)")
	}
	upper := strings.ToUpper(key)
	for _, marker := range placeholderMarkers {
		if strings.Contains(upper, marker) {
			return fmt.Errorf("met_office.api_key appears to be a placeholder")
		}
	}
	if len(key) < 50 {
		return fmt.Errorf("met_office.api_key appears invalid (too short)")
	}

	token := fc.InfluxDB.Token
	if token == "" {
		return fmt.Errorf("influxdb.token required (set it in the config file, .env, or INFLUXDB_TOKEN)")
	}
	upper = strings.ToUpper(token)
	for _, marker := range placeholderMarkers {
		if strings.Contains(upper, marker) {
			return fmt.Errorf("influxdb.token appears to be a placeholder")
		}
	}
	return nil
}

// parseDuration parses a duration string, falling back to defaultVal on an
// empty string, a parse error, or a non-positive result.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func defaultInt(v, defaultVal int) int {
	if v <= 0 {
		return defaultVal
	}
	return v
}
