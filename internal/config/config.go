// Package config loads and validates era-fetcher configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmoslab/era-fetcher/internal/logging"
	"github.com/atmoslab/era-fetcher/internal/product"
)

// Config is the full configuration for a fetch run.
type Config struct {
	RunID        string               `yaml:"run_id"`
	Case         CaseConfig           `yaml:"case"`
	Request      RequestConfig        `yaml:"request"`
	Remote       RemoteConfig         `yaml:"remote"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Sink         SinkConfig           `yaml:"sink"`
	State        StateConfig          `yaml:"state"`
	Catalog      CatalogConfig        `yaml:"catalog"`
	Metrics      MetricsConfig        `yaml:"metrics"`
	Logging      logging.Config       `yaml:"logging"`
	Products     []product.Definition `yaml:"products"` // custom products, merged over builtins
}

// CaseConfig names the download case and its overall range.
type CaseConfig struct {
	Name     string   `yaml:"name"`
	Start    string   `yaml:"start"` // YYYY-MM-DD
	End      string   `yaml:"end"`   // YYYY-MM-DD, inclusive
	Products []string `yaml:"products"`
}

// Range returns the parsed start and end dates.
func (c CaseConfig) Range() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", c.Start, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse case.start: %w", err)
	}
	end, err := time.ParseInLocation("2006-01-02", c.End, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse case.end: %w", err)
	}
	return start, end, nil
}

// RequestConfig controls how the overall request is shaped into archive requests.
type RequestConfig struct {
	ChunkDays int      `yaml:"chunk_days"`
	MaxFields int      `yaml:"max_fields"` // 0 disables variable-group splitting
	Times     []string `yaml:"times"`      // analysis times, default hourly

	// Area is either an explicit bounding box or a central point plus extent.
	Area       product.Area `yaml:"area"`
	CentralLat float64      `yaml:"central_lat"`
	CentralLon float64      `yaml:"central_lon"`
	AreaSize   float64      `yaml:"area_size"`

	Grid   product.Grid `yaml:"grid"`
	Format string       `yaml:"format"` // "netcdf" | "grib"
}

// ResolvedArea returns the bounding box, deriving it from the central point
// when area_size is set.
func (r RequestConfig) ResolvedArea() product.Area {
	if r.AreaSize > 0 {
		return product.AreaAround(r.CentralLat, r.CentralLon, r.AreaSize)
	}
	return r.Area
}

// RemoteConfig configures the archive API client.
type RemoteConfig struct {
	BaseURL           string  `yaml:"base_url"`
	Token             string  `yaml:"token"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms"`
	RetryMaxBackoffMs int     `yaml:"retry_max_backoff_ms"`
	RateLimit         float64 `yaml:"rate_limit"` // requests per second
	RateBurst         int     `yaml:"rate_burst"`
}

// OrchestratorConfig bounds the request lifecycle loop.
type OrchestratorConfig struct {
	MaxOutstanding        int   `yaml:"max_outstanding"`
	RetryCeiling          int   `yaml:"retry_ceiling"`
	PollIntervalSeconds   int   `yaml:"poll_interval_seconds"`
	BackoffBaseSeconds    int   `yaml:"backoff_base_seconds"`
	BackoffCapSeconds     int   `yaml:"backoff_cap_seconds"`
	MaxQueuedAgeHours     int   `yaml:"max_queued_age_hours"` // 0 = no queued-age expiry
	WatchIntervalsSeconds []int `yaml:"watch_intervals_seconds"`
	ExitWhenWaiting       bool  `yaml:"exit_when_waiting"`
}

// PollInterval returns the global poll cadence.
func (o OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

// MaxQueuedAge returns the queued-age expiry threshold, zero if disabled.
func (o OrchestratorConfig) MaxQueuedAge() time.Duration {
	return time.Duration(o.MaxQueuedAgeHours) * time.Hour
}

// WatchIntervals returns the escalating watch-mode sleep intervals.
func (o OrchestratorConfig) WatchIntervals() []time.Duration {
	out := make([]time.Duration, len(o.WatchIntervalsSeconds))
	for i, s := range o.WatchIntervalsSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// SinkConfig configures where completed chunks land.
type SinkConfig struct {
	Root      string `yaml:"root"`
	MirrorURL string `yaml:"mirror_url"` // optional blob bucket URL (s3://, gs://, file://)
}

// StateConfig configures the durable run state store.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// CatalogConfig configures the optional download catalog.
type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Request: RequestConfig{
			ChunkDays: 7,
			MaxFields: 120000,
			Times:     product.HourlyTimes(),
			Grid:      product.DefaultGrid(),
			Format:    "netcdf",
		},
		Remote: RemoteConfig{
			BaseURL:           "https://cds.climate.copernicus.eu/api",
			TimeoutSeconds:    60,
			RetryAttempts:     5,
			RetryBackoffMs:    1000,
			RetryMaxBackoffMs: 30000,
			RateLimit:         2,
			RateBurst:         4,
		},
		Orchestrator: OrchestratorConfig{
			MaxOutstanding:        4,
			RetryCeiling:          3,
			PollIntervalSeconds:   10,
			BackoffBaseSeconds:    10,
			BackoffCapSeconds:     1800,
			MaxQueuedAgeHours:     48,
			WatchIntervalsSeconds: []int{10, 60, 300, 1800},
		},
		Sink: SinkConfig{
			Root: "./data",
		},
		State: StateConfig{
			Dir: "./state",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "era_fetcher",
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. Defaults fill anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment overrides. The archive endpoint and key
// follow the CDSAPI_URL / CDSAPI_KEY convention; everything else uses the
// ERA_FETCHER_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CDSAPI_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("CDSAPI_KEY"); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv("ERA_FETCHER_RUN_ID"); v != "" {
		c.RunID = v
	}
	if v := os.Getenv("ERA_FETCHER_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("ERA_FETCHER_OUTPUT_ROOT"); v != "" {
		c.Sink.Root = v
	}
	if v := os.Getenv("ERA_FETCHER_MIRROR_URL"); v != "" {
		c.Sink.MirrorURL = v
	}
	if v := os.Getenv("ERA_FETCHER_CATALOG_DSN"); v != "" {
		c.Catalog.PostgresDSN = v
	}
	if v := os.Getenv("ERA_FETCHER_MAX_OUTSTANDING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ERA_FETCHER_MAX_OUTSTANDING: %w", err)
		}
		c.Orchestrator.MaxOutstanding = n
	}
	if v := os.Getenv("ERA_FETCHER_RETRY_CEILING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ERA_FETCHER_RETRY_CEILING: %w", err)
		}
		c.Orchestrator.RetryCeiling = n
	}
	if v := os.Getenv("ERA_FETCHER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ERA_FETCHER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ERA_FETCHER_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = v
	}
	return nil
}

// Validate checks the configuration is complete and coherent. It is the
// single gate before any remote interaction.
func (c *Config) Validate() error {
	if c.Case.Name == "" {
		return errors.New("case.name is required")
	}
	start, end, err := c.Case.Range()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("case range is inverted: %s after %s", c.Case.Start, c.Case.End)
	}
	if len(c.Case.Products) == 0 {
		return errors.New("case.products must name at least one product")
	}
	if c.Request.ChunkDays < 1 {
		return fmt.Errorf("request.chunk_days must be at least 1, got %d", c.Request.ChunkDays)
	}
	if c.Request.MaxFields < 0 {
		return fmt.Errorf("request.max_fields must not be negative, got %d", c.Request.MaxFields)
	}
	if _, err := product.ExtensionFor(c.Request.Format); err != nil {
		return err
	}
	if err := c.Request.ResolvedArea().Validate(); err != nil {
		return err
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required (or set CDSAPI_URL)")
	}
	if c.Orchestrator.MaxOutstanding < 1 {
		return fmt.Errorf("orchestrator.max_outstanding must be at least 1, got %d", c.Orchestrator.MaxOutstanding)
	}
	if c.Orchestrator.RetryCeiling < 1 {
		return fmt.Errorf("orchestrator.retry_ceiling must be at least 1, got %d", c.Orchestrator.RetryCeiling)
	}
	if c.Sink.Root == "" {
		return errors.New("sink.root is required")
	}
	if c.State.Dir == "" {
		return errors.New("state.dir is required")
	}
	return nil
}
