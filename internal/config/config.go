package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

const (
	maxWorkersLimit = 8
	minChunkSize    = 4 * 1024
	maxChunkSize    = 64 * 1024 * 1024
)

// Config struct for environment variables.
type Config struct {
	DBPath   string `envconfig:"DB_PATH" default:"hub_downloader.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxWorkers         int           `envconfig:"MAX_WORKERS" default:"3"`
	FileConcurrency    int           `envconfig:"FILE_CONCURRENCY" default:"1"`
	ChunkSize          int           `envconfig:"CHUNK_SIZE" default:"1048576"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	RetryPollInterval  time.Duration `envconfig:"RETRY_POLL_INTERVAL" default:"250ms"`
	StallTimeout       time.Duration `envconfig:"STALL_TIMEOUT" default:"60s"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"5s"`
	VerifyChecksums    bool          `envconfig:"VERIFY_CHECKSUMS" default:"true"`
	// BandwidthLimit is in bytes per second, 0 disables throttling.
	BandwidthLimit int64 `envconfig:"BANDWIDTH_LIMIT" default:"0"`

	HFEndpoint       string        `envconfig:"HF_ENDPOINT" default:"https://huggingface.co"`
	HFMirrorEndpoint string        `envconfig:"HF_MIRROR_ENDPOINT" default:"https://hf-mirror.com"`
	HFToken          string        `envconfig:"HF_TOKEN"`
	HFRevision       string        `envconfig:"HF_REVISION" default:"main"`
	CatalogCacheTTL  time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"1h"`
	CatalogTimeout   time.Duration `envconfig:"CATALOG_TIMEOUT" default:"30s"`

	DefaultDestination string        `envconfig:"DEFAULT_DESTINATION"`
	KeepHistoryFor     time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DiscordWebhookURL  string        `envconfig:"DISCORD_WEBHOOK_URL"`

	TelemetryEnabled bool          `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string        `envconfig:"OTLP_ENDPOINT"`
	OTLPInterval     time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	ServiceName      string        `envconfig:"SERVICE_NAME" default:"hub_downloader"`

	API struct {
		Username       string   `split_words:"true"`
		Password       string   `split_words:"true"`
		OriginPatterns []string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables, populates the Config struct and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf(format, args...))
		}
	}

	check(c.MaxWorkers >= 1 && c.MaxWorkers <= maxWorkersLimit, "MAX_WORKERS must be between 1 and %d, got %d", maxWorkersLimit, c.MaxWorkers)
	check(c.FileConcurrency >= 1, "FILE_CONCURRENCY must be at least 1, got %d", c.FileConcurrency)
	check(c.ChunkSize >= minChunkSize && c.ChunkSize <= maxChunkSize, "CHUNK_SIZE must be between %d and %d, got %d", minChunkSize, maxChunkSize, c.ChunkSize)
	check(c.MaxRetries >= 0, "MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	check(c.RetryBaseDelay > 0, "RETRY_BASE_DELAY must be positive")
	check(c.RetryMaxDelay >= c.RetryBaseDelay, "RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	check(c.RetryPollInterval > 0, "RETRY_POLL_INTERVAL must be positive")
	check(c.StallTimeout > 0, "STALL_TIMEOUT must be positive")
	check(c.CatalogTimeout > 0, "CATALOG_TIMEOUT must be positive")
	check(c.CheckpointInterval > 0, "CHECKPOINT_INTERVAL must be positive")
	check(c.BandwidthLimit >= 0, "BANDWIDTH_LIMIT must not be negative")
	check(c.CleanupInterval > 0, "CLEANUP_INTERVAL must be positive")
	check(c.KeepHistoryFor >= 0, "KEEP_HISTORY_FOR must not be negative")
	check(c.DBPath != "", "DB_PATH must be set")
	check(c.DefaultDestination == "" || filepath.IsAbs(c.DefaultDestination), "DEFAULT_DESTINATION must be an absolute path")
	check(c.API.Username == "" || c.API.Password != "", "API_PASSWORD must be set when API_USERNAME is")

	for name, endpoint := range map[string]string{"HF_ENDPOINT": c.HFEndpoint, "HF_MIRROR_ENDPOINT": c.HFMirrorEndpoint} {
		if endpoint == "" {
			continue
		}

		if err := validateURL(endpoint); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.HFEndpoint == "" && c.HFMirrorEndpoint == "" {
		result = multierror.Append(result, errors.New("at least one of HF_ENDPOINT and HF_MIRROR_ENDPOINT must be set"))
	}

	return result.ErrorOrNil()
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
