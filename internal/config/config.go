package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"downpour/internal/progress"
)

// Config defines configuration for the downpour CLI.
type Config struct {
	DataDir     string        `yaml:"data_dir"`
	BlockSize   int64         `yaml:"block_size"`
	Bucket      string        `yaml:"bucket"`
	Progress    bool          `yaml:"progress"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior for individual HTTP requests.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		DataDir:     defaultDataDir(),
		BlockSize:   64 * 1024 * 1024, // 64MB
		IdleTimeout: 60 * time.Second,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

func defaultDataDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".downpour"
	}
	return filepath.Join(base, "downpour")
}

// yamlConfig is used for YAML unmarshaling with string sizes and
// durations.
type yamlConfig struct {
	DataDir     string          `yaml:"data_dir"`
	BlockSize   string          `yaml:"block_size"`
	Bucket      string          `yaml:"bucket"`
	Progress    bool            `yaml:"progress"`
	IdleTimeout string          `yaml:"idle_timeout"`
	Retry       yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.DataDir != "" {
		cfg.DataDir = yc.DataDir
	}
	if yc.BlockSize != "" {
		size, err := progress.ParseBytes(yc.BlockSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse block_size: %w", err)
		}
		cfg.BlockSize = size
	}
	if yc.Bucket != "" {
		cfg.Bucket = yc.Bucket
	}
	cfg.Progress = yc.Progress
	if yc.IdleTimeout != "" {
		d, err := time.ParseDuration(yc.IdleTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DOWNPOUR_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DOWNPOUR_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DOWNPOUR_BLOCK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse DOWNPOUR_BLOCK_SIZE: %w", err)
		}
		c.BlockSize = size
	}
	if v := os.Getenv("DOWNPOUR_BUCKET"); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv("DOWNPOUR_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("DOWNPOUR_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DOWNPOUR_IDLE_TIMEOUT: %w", err)
		}
		c.IdleTimeout = d
	}
	if v := os.Getenv("DOWNPOUR_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DOWNPOUR_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("DOWNPOUR_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DOWNPOUR_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("DOWNPOUR_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DOWNPOUR_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.BlockSize <= 0 {
		return errors.New("config: block_size must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("config: idle_timeout must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.DataDir != "" {
		c.DataDir = override.DataDir
	}
	if override.BlockSize != 0 {
		c.BlockSize = override.BlockSize
	}
	if override.Bucket != "" {
		c.Bucket = override.Bucket
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.IdleTimeout != 0 {
		c.IdleTimeout = override.IdleTimeout
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
