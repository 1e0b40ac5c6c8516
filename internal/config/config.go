// Package config handles YAML configuration for Kartta.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/kartta/internal/enumerator"
	"github.com/yairfalse/kartta/internal/inference"
	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/sink/graphdb"
	"github.com/yairfalse/kartta/internal/writer"
	"github.com/yairfalse/kartta/types"
)

// Config is the root configuration structure.
type Config struct {
	Engine    EngineConfig         `yaml:"engine"`
	RateLimit ratelimit.Config     `yaml:"rate_limit"`
	Inference inference.Config     `yaml:"inference"`
	Storage   StorageConfig        `yaml:"storage"`
	Sink      SinkConfig           `yaml:"sink"`
	Notify    NotifyConfig         `yaml:"notify"`
	Source    SourceConfig         `yaml:"source"`
	Scope     types.DiscoveryScope `yaml:"scope"`
	Filter    FilterConfig         `yaml:"filter"`
	OTEL      OTELConfig           `yaml:"otel"`
	Log       LogConfig            `yaml:"log"`
}

// EngineConfig tunes the discovery pipeline.
type EngineConfig struct {
	Workers          int           `yaml:"workers"`
	QueueDepth       int           `yaml:"queue_depth"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Enumerator returns the enumerator settings.
func (e EngineConfig) Enumerator() enumerator.Config {
	return enumerator.Config{
		Workers:        e.Workers,
		MaxRetries:     e.MaxRetries,
		InitialBackoff: e.InitialBackoff,
		MaxBackoff:     e.MaxBackoff,
	}
}

// Writer returns the graph writer settings.
func (e EngineConfig) Writer() writer.Config {
	return writer.Config{
		BatchSize:      e.BatchSize,
		FlushInterval:  e.FlushInterval,
		MaxRetries:     e.MaxRetries,
		InitialBackoff: e.InitialBackoff,
		MaxBackoff:     e.MaxBackoff,
	}
}

// StorageConfig locates the checkpoint store and session journal.
type StorageConfig struct {
	Path          string        `yaml:"path"`
	JournalMaxAge time.Duration `yaml:"journal_max_age"`
}

// SinkConfig selects the graph store.
type SinkConfig struct {
	Kind  string         `yaml:"kind"`
	Neo4j graphdb.Config `yaml:"neo4j"`
}

// NotifyConfig selects progress publishers.
type NotifyConfig struct {
	Log       bool        `yaml:"log"`
	Metrics   bool        `yaml:"metrics"`
	Redis     RedisConfig `yaml:"redis"`
	QueueSize int         `yaml:"queue_size"`
}

// RedisConfig holds the progress channel settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// SourceConfig selects and configures the resource lister.
type SourceConfig struct {
	Kind     string   `yaml:"kind"`
	TenantID string   `yaml:"tenant_id"`
	Profile  string   `yaml:"profile"`
	Regions  []string `yaml:"regions"`
	Fixture  string   `yaml:"fixture"`
	PageSize int      `yaml:"page_size"`
	// HomeRegion serves global AWS services such as IAM and S3.
	HomeRegion string `yaml:"home_region"`
}

// FilterConfig narrows what a session persists beyond the scope.
type FilterConfig struct {
	ExcludeTags map[string]string `yaml:"exclude_tags"`
	// Policy is a Rego module evaluated per resource.
	Policy string `yaml:"policy"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	e := &cfg.Engine
	enum := enumerator.DefaultConfig()
	wr := writer.DefaultConfig()
	if e.Workers == 0 {
		e.Workers = enum.Workers
	}
	if e.QueueDepth == 0 {
		e.QueueDepth = 1000
	}
	if e.BatchSize == 0 {
		e.BatchSize = wr.BatchSize
	}
	if e.FlushInterval == 0 {
		e.FlushInterval = wr.FlushInterval
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = enum.MaxRetries
	}
	if e.InitialBackoff == 0 {
		e.InitialBackoff = enum.InitialBackoff
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = enum.MaxBackoff
	}
	if e.ProgressInterval == 0 {
		e.ProgressInterval = 5 * time.Second
	}

	rl := ratelimit.DefaultConfig()
	if cfg.RateLimit.Rate == 0 {
		cfg.RateLimit.Rate = rl.Rate
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = rl.Burst
	}
	if cfg.RateLimit.ThrottleFactor == 0 {
		cfg.RateLimit.ThrottleFactor = rl.ThrottleFactor
	}
	if cfg.RateLimit.Cooldown == 0 {
		cfg.RateLimit.Cooldown = rl.Cooldown
	}

	inf := inference.DefaultConfig()
	if cfg.Inference.IdentityTypes == nil {
		cfg.Inference.IdentityTypes = inf.IdentityTypes
	}
	if cfg.Inference.OwnershipTags == nil {
		cfg.Inference.OwnershipTags = inf.OwnershipTags
	}
	if cfg.Inference.PendingLimit == 0 {
		cfg.Inference.PendingLimit = inf.PendingLimit
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./kartta-data"
	}
	if cfg.Storage.JournalMaxAge == 0 {
		cfg.Storage.JournalMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = "memory"
	}
	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = "kartta:progress"
	}
	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 64
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "azure"
	}
	if cfg.Scope.Provider == "" {
		cfg.Scope.Provider = cfg.Source.Kind
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "kartta"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine: workers must be at least 1 (got %d)", c.Engine.Workers)
	}
	if c.Engine.QueueDepth < 1 {
		return fmt.Errorf("engine: queue_depth must be at least 1 (got %d)", c.Engine.QueueDepth)
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine: batch_size must be at least 1 (got %d)", c.Engine.BatchSize)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine: max_retries must not be negative (got %d)", c.Engine.MaxRetries)
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: rate and burst must not be negative")
	}
	switch c.Sink.Kind {
	case "memory":
	case "neo4j":
		if c.Sink.Neo4j.URI == "" {
			return fmt.Errorf("sink: neo4j.uri is required")
		}
	default:
		return fmt.Errorf("sink: unknown kind %q", c.Sink.Kind)
	}
	switch c.Source.Kind {
	case "azure", "aws":
	case "fixture":
		if c.Source.Fixture == "" {
			return fmt.Errorf("source: fixture path is required")
		}
	default:
		return fmt.Errorf("source: unknown kind %q", c.Source.Kind)
	}
	if c.Filter.Policy != "" {
		if _, err := os.Stat(c.Filter.Policy); err != nil {
			return fmt.Errorf("filter: policy: %w", err)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
