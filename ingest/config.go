package ingest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config configures the ingestion service.
type Config struct {
	// DatabaseURL locates the main SQLite database: a bare path, file: DSN,
	// or sqlite:// URL. Default: chasse.db.
	DatabaseURL string
	// QueueURL locates the task queue database. Default: DatabaseURL.
	QueueURL string

	// UserAgent identifies outbound requests unless a source overrides it.
	UserAgent string
	// RequestTimeout bounds one HTTP attempt. Default: 30s.
	RequestTimeout time.Duration
	// RatePerMinute is the default per-host request budget. Default: 30.
	RatePerMinute float64
	// MaxContentLength caps fetched bodies and stored raw HTML.
	// Default: 10MB fetch, 1MB stored.
	MaxContentLength int64

	// QualityThreshold rejects articles scoring below it unless the source
	// weight rescues them. Default: 0.3.
	QualityThreshold float64
	// AutoTriggerThreshold fires a workflow handoff at or above this threat
	// score. Default: 80.
	AutoTriggerThreshold int

	// Workers sizes the check worker pool. Default: 4.
	Workers int
	// SchedulerTick is the planning beat. Default: 30s.
	SchedulerTick time.Duration

	// KeywordsPath overrides the embedded threat keyword lists.
	KeywordsPath string
	// SourcesPath is the YAML source document watched by the run daemon.
	SourcesPath string
}

func (c *Config) defaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = "chasse.db"
	}
	if c.QueueURL == "" {
		c.QueueURL = c.DatabaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 10 * 1024 * 1024
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.3
	}
	if c.AutoTriggerThreshold <= 0 {
		c.AutoTriggerThreshold = 80
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 30 * time.Second
	}
}

// FromEnv builds a Config from the recognized environment variables.
// Unset variables keep their defaults; malformed values are configuration
// errors.
func FromEnv() (Config, error) {
	var cfg Config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.QueueURL = os.Getenv("QUEUE_URL")
	cfg.UserAgent = os.Getenv("USER_AGENT")

	var err error
	if cfg.RequestTimeout, err = envDuration("REQUEST_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.RatePerMinute, err = envFloat("RATE_LIMIT_PER_MINUTE"); err != nil {
		return cfg, err
	}
	if cfg.MaxContentLength, err = envInt64("MAX_CONTENT_LENGTH"); err != nil {
		return cfg, err
	}
	if cfg.QualityThreshold, err = envFloat("QUALITY_THRESHOLD"); err != nil {
		return cfg, err
	}
	trigger, err := envInt64("AUTO_TRIGGER_THRESHOLD")
	if err != nil {
		return cfg, err
	}
	cfg.AutoTriggerThreshold = int(trigger)
	workers, err := envInt64("WORKER_CONCURRENCY")
	if err != nil {
		return cfg, err
	}
	cfg.Workers = int(workers)
	tick, err := envInt64("SCHEDULER_TICK_SECONDS")
	if err != nil {
		return cfg, err
	}
	cfg.SchedulerTick = time.Duration(tick) * time.Second

	cfg.defaults()
	return cfg, nil
}

// envDuration reads a duration variable: a bare number means seconds, and
// Go duration strings ("45s", "2m") are accepted too.
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, v, err)
	}
	return d, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, v, err)
	}
	return f, nil
}

func envInt64(key string) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, v, err)
	}
	return n, nil
}
