// Package config handles configuration loading for the pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"threatpipe/internal/authz"
	"threatpipe/internal/ingest"
	"threatpipe/internal/kafka"
	"threatpipe/internal/logging"
	"threatpipe/internal/record"
	"threatpipe/internal/storage"
	"threatpipe/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Kafka    *kafka.Config        `yaml:"kafka"`
	Storage  StorageConfig        `yaml:"storage"`
	Archive  ArchiveConfig        `yaml:"archive"`
	Authz    AuthzConfig          `yaml:"authz"`
	Ingest   ingest.ServerConfig  `yaml:"ingest"`
	Builder  record.BuilderConfig `yaml:"builder"`
	Dispatch DispatchConfig       `yaml:"dispatch"`
	Pipeline PipelineConfig       `yaml:"pipeline"`
	Logging  logging.Config       `yaml:"logging"`
}

// StorageConfig holds event persistence settings.
type StorageConfig struct {
	ClickHouse storage.ClickHouseConfig  `yaml:"clickhouse"`
	Writer     storage.EventWriterConfig `yaml:"writer"`
}

// ArchiveConfig holds raw payload archival settings.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       *s3.Config        `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// AuthzConfig holds visibility resolution settings.
type AuthzConfig struct {
	// AccessMapPath points at the JSON access map exported by the
	// management portal.
	AccessMapPath string `yaml:"access_map_path"`

	// CacheEnabled fronts the access-map provider with Redis.
	CacheEnabled bool              `yaml:"cache_enabled"`
	Cache        authz.CacheConfig `yaml:"cache"`
}

// DispatchConfig holds event fan-out settings.
type DispatchConfig struct {
	// SourceAnonymization maps real source names to the anonymized
	// labels used in routing keys. Unmapped sources get a hashed
	// fallback label.
	SourceAnonymization map[string]string `yaml:"source_anonymization"`
}

// PipelineConfig holds consume loop settings.
type PipelineConfig struct {
	// Kind selects the record shape: "event" or "blacklist".
	Kind string `yaml:"kind"`

	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Kafka: kafka.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouse: storage.DefaultClickHouseConfig(),
			Writer:     storage.DefaultEventWriterConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			S3:       s3.DefaultConfig(),
			Archiver: s3.DefaultArchiverConfig(),
		},
		Authz: AuthzConfig{
			AccessMapPath: "configs/access_map.json",
			CacheEnabled:  false,
			Cache:         authz.DefaultCacheConfig(),
		},
		Ingest:  ingest.DefaultServerConfig(),
		Builder: record.DefaultBuilderConfig(),
		Pipeline: PipelineConfig{
			Kind:         "event",
			ShutdownWait: 30 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file or returns defaults. The path
// comes from THREATPIPE_CONFIG_PATH, falling back to
// configs/config.yaml; a missing file means defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("THREATPIPE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides for the
// settings that differ per deployment.
func (c *Config) applyEnvOverrides() {
	if brokers := os.Getenv("THREATPIPE_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}
	if level := os.Getenv("THREATPIPE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if addr := os.Getenv("THREATPIPE_REDIS_ADDR"); addr != "" {
		c.Authz.Cache.Addr = addr
		c.Authz.CacheEnabled = true
	}
	if pass := os.Getenv("THREATPIPE_REDIS_PASSWORD"); pass != "" {
		c.Authz.Cache.Password = pass
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" && c.Archive.S3 != nil {
		c.Archive.S3.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" && c.Archive.S3 != nil {
		c.Archive.S3.SecretAccessKey = secret
	}
}

// Validate checks the configuration tree.
func (c *Config) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if c.Archive.S3 == nil {
			return fmt.Errorf("config: archive enabled without s3 settings")
		}
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	switch c.Pipeline.Kind {
	case "event", "blacklist":
	default:
		return fmt.Errorf("config: invalid pipeline kind: %s", c.Pipeline.Kind)
	}
	if c.Pipeline.ShutdownWait <= 0 {
		return fmt.Errorf("config: shutdown wait must be positive")
	}
	return nil
}

// RecordKind maps the configured pipeline kind onto the record shape.
func (c *Config) RecordKind() record.Kind {
	if c.Pipeline.Kind == "blacklist" {
		return record.KindBlacklist
	}
	return record.KindEvent
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
