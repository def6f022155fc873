// Package config loads framesearch settings from defaults, an optional YAML file and
// FRAMESEARCH_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bdougie/framesearch/internal/embeddings"
	"github.com/bdougie/framesearch/internal/storage"
)

// EnvPrefix is prepended to every environment variable, e.g. FRAMESEARCH_POSTGRES_HOST.
const EnvPrefix = "FRAMESEARCH"

const masked = "******"

// Config is the full application configuration
type Config struct {
	Server    ServerConfig           `mapstructure:"server" yaml:"server"`
	Postgres  storage.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Index     storage.IndexConfig    `mapstructure:"index" yaml:"index"`
	Metadata  storage.MetadataConfig `mapstructure:"metadata" yaml:"metadata"`
	Embedding embeddings.Config      `mapstructure:"embedding" yaml:"embedding"`
	Data      DataConfig             `mapstructure:"data" yaml:"data"`
	Query     QueryConfig            `mapstructure:"query" yaml:"query"`
	Export    ExportConfig           `mapstructure:"export" yaml:"export"`
	Migrate   MigrateConfig          `mapstructure:"migrate" yaml:"migrate"`
	Log       LogConfig              `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DataConfig locates the keyframe dataset and its id map.
type DataConfig struct {
	KeyframesRoot string `mapstructure:"keyframes_root" yaml:"keyframes_root"`
	IDMapPath     string `mapstructure:"id_map_path" yaml:"id_map_path"`
	ExpectedCount int    `mapstructure:"expected_count" yaml:"expected_count"`
}

type QueryConfig struct {
	DefaultTopK   int           `mapstructure:"default_top_k" yaml:"default_top_k"`
	TextThreshold float64       `mapstructure:"text_threshold" yaml:"text_threshold"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ExportConfig controls the CSV audit files written after each query.
type ExportConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Limit   int    `mapstructure:"limit" yaml:"limit"`
}

type MigrateConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	Workers   int `mapstructure:"workers" yaml:"workers"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// SlogLevel parses Level, falling back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SetDefaults registers every key so environment overrides work for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "framesearch")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("index.table", "keyframe_embeddings")
	v.SetDefault("index.metric", "cosine")
	v.SetDefault("index.dimensions", 512)
	v.SetDefault("index.type", string(storage.IndexFlat))
	v.SetDefault("index.lists", 100)
	v.SetDefault("index.probes", 0)
	v.SetDefault("index.ef_search", 0)
	v.SetDefault("index.iterative_scan", true)

	v.SetDefault("metadata.driver", storage.DriverPostgres)
	v.SetDefault("metadata.sqlite_path", "data/keyframes.db")

	v.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "clip-vit-b-32")
	v.SetDefault("embedding.dimensions", 512)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.workers", 4)
	v.SetDefault("embedding.cache", true)
	v.SetDefault("embedding.requests_per_second", 0)

	v.SetDefault("data.keyframes_root", "data/keyframes")
	v.SetDefault("data.id_map_path", "data/id2index.json")
	v.SetDefault("data.expected_count", 0)

	v.SetDefault("query.default_top_k", 10)
	v.SetDefault("query.text_threshold", 0.5)
	v.SetDefault("query.timeout", 30*time.Second)

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.dir", "results")
	v.SetDefault("export.limit", 100)

	v.SetDefault("migrate.batch_size", 10000)
	v.SetDefault("migrate.workers", 4)

	v.SetDefault("log.level", "info")
}

// NewViper returns a viper instance with defaults and environment binding. configFile
// is read when non-empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	metric, err := storage.ParseMetric(c.Index.Metric)
	if err != nil {
		return fmt.Errorf("index.metric: %w", err)
	}
	if _, err := storage.ParseIndexType(c.Index.Type); err != nil {
		return fmt.Errorf("index.type: %w", err)
	}
	if c.Index.Dimensions < 0 {
		return fmt.Errorf("index.dimensions must not be negative")
	}
	if c.Embedding.Dimensions > 0 && c.Index.Dimensions > 0 && c.Embedding.Dimensions != c.Index.Dimensions {
		return fmt.Errorf("embedding.dimensions (%d) and index.dimensions (%d) differ",
			c.Embedding.Dimensions, c.Index.Dimensions)
	}
	switch c.Metadata.Driver {
	case storage.DriverPostgres:
	case storage.DriverSQLite:
		if c.Metadata.SQLitePath == "" {
			return fmt.Errorf("metadata.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("metadata.driver must be %q or %q, got %q",
			storage.DriverPostgres, storage.DriverSQLite, c.Metadata.Driver)
	}
	if c.Query.DefaultTopK <= 0 {
		return fmt.Errorf("query.default_top_k must be positive")
	}
	// l2 scores are negated distances, so they never exceed zero.
	if metric == storage.MetricL2 && c.Query.TextThreshold >= 0 {
		return fmt.Errorf("query.text_threshold must be negative with the l2 metric, got %v", c.Query.TextThreshold)
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}
	if c.Export.Enabled && c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required when export is enabled")
	}
	return nil
}

// Redacted returns a copy with secrets replaced.
func (c Config) Redacted() Config {
	if c.Postgres.Password != "" {
		c.Postgres.Password = masked
	}
	if c.Postgres.DSN != "" {
		c.Postgres.DSN = masked
	}
	if c.Embedding.APIKey != "" {
		c.Embedding.APIKey = masked
	}
	return c
}

// WriteYAML writes the redacted configuration to w.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
