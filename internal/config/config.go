// Package config provides unified configuration for the Loom server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a table store implementation.
type Backend string

const (
	BackendSQLite  Backend = "sqlite"
	BackendLevelDB Backend = "leveldb"
)

// Config holds the unified configuration for the Loom server.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Backend selects the table store implementation: sqlite or leveldb
	Backend Backend `json:"backend" yaml:"backend"`

	// NamespacePrefix is prepended to every tenant's table namespace
	NamespacePrefix string `json:"namespace_prefix" yaml:"namespace_prefix"`

	// LogLevel is one of trace, debug, info, warning, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Backup configuration
	Backup BackupConfig `json:"backup" yaml:"backup"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// BackupConfig holds dump/restore storage configuration.
type BackupConfig struct {
	// Type selects the object storage backend: local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the base directory for local object storage
	Path string `json:"path" yaml:"path"`

	// S3 holds settings for S3 object storage
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-specific backup settings.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./data/loom",
		Backend:         BackendSQLite,
		NamespacePrefix: "loom",
		LogLevel:        "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Backup: BackupConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/loom"
	}
	if c.Backup.Path == "" {
		c.Backup.Path = filepath.Join(c.DataDir, "backups")
	}
}

// DatabasePath returns the path to the backend database.
func (c *Config) DatabasePath() string {
	switch c.Backend {
	case BackendLevelDB:
		return filepath.Join(c.DataDir, "tables.ldb")
	default:
		return filepath.Join(c.DataDir, "tables.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendLevelDB:
		// Valid backends
	default:
		return fmt.Errorf("invalid backend: %s (must be sqlite or leveldb)", c.Backend)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.NamespacePrefix == "" {
		return fmt.Errorf("namespace_prefix is required")
	}

	if c.Backup.Type != "local" && c.Backup.Type != "s3" {
		return fmt.Errorf("invalid backup type: %s (must be local or s3)", c.Backup.Type)
	}

	if c.Backup.Type == "s3" && c.Backup.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when backup type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LOOM_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOOM_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("LOOM_NAMESPACE_PREFIX"); v != "" {
		cfg.NamespacePrefix = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// HTTP configuration
	if v := os.Getenv("LOOM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOOM_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("LOOM_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}

	// Backup configuration
	if v := os.Getenv("LOOM_BACKUP_TYPE"); v != "" {
		cfg.Backup.Type = v
	}
	if v := os.Getenv("LOOM_BACKUP_PATH"); v != "" {
		cfg.Backup.Path = v
	}
	if v := os.Getenv("LOOM_BACKUP_S3_BUCKET"); v != "" {
		cfg.Backup.S3.Bucket = v
	}
	if v := os.Getenv("LOOM_BACKUP_S3_REGION"); v != "" {
		cfg.Backup.S3.Region = v
	}
	if v := os.Getenv("LOOM_BACKUP_S3_ENDPOINT"); v != "" {
		cfg.Backup.S3.Endpoint = v
	}
	if v := os.Getenv("LOOM_BACKUP_S3_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.S3.UsePathStyle = b
		}
	}
}

// Load builds the effective configuration: defaults, then an optional
// file, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
