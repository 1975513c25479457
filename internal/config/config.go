// Package config handles loading, validating, and writing the trailmark
// configuration from ~/.trailmark/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Engine behaviour (default channel mode, key material, history bound)
//   - Index backend (SQLite file or Redis)
//   - Ledger backend (local directory, S3 bucket, or memory) and its proof-of-work
//   - Commit notifications (Kafka)
//   - Logging, tracing, live feed and metrics toggles
//
// A handful of TRAILMARK_* environment variables override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level trailmark configuration.
// Loaded from ~/.trailmark/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Index   IndexConfig   `yaml:"index"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Feed    FeedConfig    `yaml:"feed"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3100.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EngineConfig controls how new channels are created and how far history
// walks may go.
//
// DefaultMode is the access mode of channels this agent creates: public,
// private or restricted (default). Restricted channels get a generated
// side key of KeyLength characters.
type EngineConfig struct {
	DefaultMode     string `yaml:"defaultMode"`
	SecurityLevel   int    `yaml:"securityLevel"`
	KeyLength       int    `yaml:"keyLength"`
	ReservedChannel string `yaml:"reservedChannel"`
	MaxHistoryDepth int    `yaml:"maxHistoryDepth"`
}

// IndexConfig selects the local index backend.
// Relative paths are resolved against the data directory.
type IndexConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig selects where entries are stored.
//
// Driver: "localfs" (default, Dir), "s3" (S3 section) or "memory"
// (entries vanish on exit; for trials only).
// MinWeightMagnitude is the proof-of-work difficulty in leading zero bits.
type LedgerConfig struct {
	Driver             string   `yaml:"driver"`
	Dir                string   `yaml:"dir"`
	MinWeightMagnitude int      `yaml:"minWeightMagnitude"`
	S3                 S3Config `yaml:"s3"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"accessKeyID,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// NotifyConfig controls where commit events are published.
type NotifyConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	WriteTimeoutMs int      `yaml:"writeTimeoutMs"`
}

// LoggingConfig controls the process logger. File, when set, receives a
// copy of everything written to stderr.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// TracingConfig controls OpenTelemetry spans. Output is "stdout" or a
// file path; spans are written as JSON lines.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
	Output      string  `yaml:"output"`
}

// FeedConfig controls the live commit feed at /feed/ws.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Resolve turns relative file paths into paths under dataDir.
func (c *Config) Resolve(dataDir string) {
	c.Index.Path = under(dataDir, c.Index.Path)
	c.Ledger.Dir = under(dataDir, c.Ledger.Dir)
	if c.Logging.File != "" {
		c.Logging.File = under(dataDir, c.Logging.File)
	}
	if c.Tracing.Output != "" && c.Tracing.Output != "stdout" {
		c.Tracing.Output = under(dataDir, c.Tracing.Output)
	}
}

func under(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `trailmark config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# trailmark configuration
#
# server:   host/port of the HTTP API (default 127.0.0.1:3100)
# engine:   defaultMode public|private|restricted, securityLevel, keyLength,
#           reservedChannel (never writable), maxHistoryDepth
# index:    driver sqlite|redis; path is relative to the data directory
# ledger:   driver localfs|s3|memory; minWeightMagnitude = proof-of-work bits
# notify:   kafka publishing of commit events
# logging:  level debug|info|warn|error, format text|json, optional file
# tracing:  OpenTelemetry spans to stdout or a file
# feed:     live commit feed at /feed/ws
# metrics:  Prometheus endpoint at /metrics
#
# Environment overrides: TRAILMARK_MODE, TRAILMARK_INDEX_PATH,
# TRAILMARK_LEDGER_DIR, TRAILMARK_LOG_LEVEL, TRAILMARK_SECURITY_LEVEL,
# TRAILMARK_MIN_WEIGHT_MAGNITUDE

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3100,
		},
		Engine: EngineConfig{
			DefaultMode:     "restricted",
			SecurityLevel:   2,
			KeyLength:       81,
			ReservedChannel: "_audit",
			MaxHistoryDepth: 10000,
		},
		Index: IndexConfig{
			Driver: "sqlite",
			Path:   "index.db",
			Redis:  RedisConfig{Addr: "127.0.0.1:6379", Prefix: "trailmark"},
		},
		Ledger: LedgerConfig{
			Driver:             "localfs",
			Dir:                "ledger",
			MinWeightMagnitude: 8,
			S3:                 S3Config{Region: "us-east-1", Prefix: "ledger/"},
		},
		Notify: NotifyConfig{
			Kafka: KafkaConfig{Topic: "trailmark.commits", WriteTimeoutMs: 10000},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "trailmark",
			SampleRatio: 1,
			Output:      "stdout",
		},
		Feed:    FeedConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// applyEnv overrides file values with TRAILMARK_* variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TRAILMARK_MODE"); v != "" {
		cfg.Engine.DefaultMode = v
	}
	if v := os.Getenv("TRAILMARK_INDEX_PATH"); v != "" {
		cfg.Index.Path = v
	}
	if v := os.Getenv("TRAILMARK_LEDGER_DIR"); v != "" {
		cfg.Ledger.Dir = v
	}
	if v := os.Getenv("TRAILMARK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRAILMARK_SECURITY_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRAILMARK_SECURITY_LEVEL: %w", err)
		}
		cfg.Engine.SecurityLevel = n
	}
	if v := os.Getenv("TRAILMARK_MIN_WEIGHT_MAGNITUDE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRAILMARK_MIN_WEIGHT_MAGNITUDE: %w", err)
		}
		cfg.Ledger.MinWeightMagnitude = n
	}
	return nil
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Engine.DefaultMode {
	case "public", "private", "restricted":
	default:
		return fmt.Errorf("engine.defaultMode %q must be public, private or restricted", cfg.Engine.DefaultMode)
	}
	if cfg.Engine.SecurityLevel < 1 || cfg.Engine.SecurityLevel > 3 {
		return fmt.Errorf("engine.securityLevel %d out of range (1-3)", cfg.Engine.SecurityLevel)
	}
	if cfg.Engine.KeyLength < 1 {
		return fmt.Errorf("engine.keyLength must be positive")
	}
	if cfg.Engine.ReservedChannel == "" {
		return fmt.Errorf("engine.reservedChannel must not be empty")
	}
	if cfg.Engine.MaxHistoryDepth < 1 {
		return fmt.Errorf("engine.maxHistoryDepth must be positive")
	}

	switch cfg.Index.Driver {
	case "sqlite":
		if cfg.Index.Path == "" {
			return fmt.Errorf("index.path is required for the sqlite driver")
		}
	case "redis":
		if cfg.Index.Redis.Addr == "" {
			return fmt.Errorf("index.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("index.driver %q must be sqlite or redis", cfg.Index.Driver)
	}

	switch cfg.Ledger.Driver {
	case "localfs":
		if cfg.Ledger.Dir == "" {
			return fmt.Errorf("ledger.dir is required for the localfs driver")
		}
	case "s3":
		if cfg.Ledger.S3.Bucket == "" || cfg.Ledger.S3.Region == "" {
			return fmt.Errorf("ledger.s3.bucket and ledger.s3.region are required for the s3 driver")
		}
	case "memory":
	default:
		return fmt.Errorf("ledger.driver %q must be localfs, s3 or memory", cfg.Ledger.Driver)
	}
	if cfg.Ledger.MinWeightMagnitude < 0 || cfg.Ledger.MinWeightMagnitude > 32 {
		return fmt.Errorf("ledger.minWeightMagnitude %d out of range (0-32)", cfg.Ledger.MinWeightMagnitude)
	}

	if k := cfg.Notify.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers is required when kafka is enabled")
		}
		if k.Topic == "" {
			return fmt.Errorf("notify.kafka.topic is required when kafka is enabled")
		}
	}
	if cfg.Notify.Kafka.WriteTimeoutMs < 0 {
		return fmt.Errorf("notify.kafka.writeTimeoutMs must be non-negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", cfg.Logging.Format)
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio %v out of range (0-1)", cfg.Tracing.SampleRatio)
	}

	return nil
}
