package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the harvest engine.
type Config struct {
	// Connection settings for the remote API
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// Session persistence settings
	Session SessionConfig `yaml:"session" json:"session"`

	// Resume snapshot settings
	Resume ResumeConfig `yaml:"resume" json:"resume"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ConnectionConfig holds settings for the request layer.
type ConnectionConfig struct {
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// RequestTimeout bounds a single outbound call. There is no cross-call
	// cancellation; an interrupted harvest freezes and exits on its own.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// MaxConnectionAttempts is the per-call retry ceiling for transient
	// failures.
	MaxConnectionAttempts int `yaml:"max_connection_attempts" json:"max_connection_attempts"`
}

// SessionConfig holds session persistence settings.
type SessionConfig struct {
	Username string `yaml:"username" json:"username"`
	// File is where the exported session blob lives. Empty selects the
	// default location under the user data directory.
	File string `yaml:"file" json:"file"`
}

// ResumeConfig holds resume snapshot settings.
type ResumeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Directory for frozen snapshots. Empty selects the default data
	// directory.
	Directory string `yaml:"directory" json:"directory"`
	// CheckBestBefore rejects expired snapshots instead of thawing them.
	CheckBestBefore bool `yaml:"check_best_before" json:"check_best_before"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			UserAgent:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36",
			RequestTimeout:        300 * time.Second,
			MaxConnectionAttempts: 3,
		},
		Session: SessionConfig{},
		Resume: ResumeConfig{
			Enabled:         true,
			CheckBestBefore: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() {
	if ua := os.Getenv("INSTAHARVEST_USER_AGENT"); ua != "" {
		c.Connection.UserAgent = ua
	}
	if timeout := os.Getenv("INSTAHARVEST_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			c.Connection.RequestTimeout = d
		}
	}
	if attempts := os.Getenv("INSTAHARVEST_MAX_CONNECTION_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil && n > 0 {
			c.Connection.MaxConnectionAttempts = n
		}
	}
	if username := os.Getenv("INSTAHARVEST_USERNAME"); username != "" {
		c.Session.Username = username
	}
	if file := os.Getenv("INSTAHARVEST_SESSION_FILE"); file != "" {
		c.Session.File = file
	}
	if dir := os.Getenv("INSTAHARVEST_RESUME_DIR"); dir != "" {
		c.Resume.Directory = dir
	}
	if enabled := os.Getenv("INSTAHARVEST_RESUME_ENABLED"); enabled != "" {
		c.Resume.Enabled = strings.ToLower(enabled) == "true"
	}
	if level := os.Getenv("INSTAHARVEST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // no config file, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for a config file in standard locations.
func (c *Config) findConfigFile() string {
	locations := []string{
		".instaharvest.yaml",
		".instaharvest.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "instaharvest", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".instaharvest.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Connection.UserAgent == "" {
		errs = append(errs, errors.New("user agent is required"))
	}
	if c.Connection.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Connection.MaxConnectionAttempts <= 0 {
		errs = append(errs, errors.New("max connection attempts must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Load loads configuration from all sources.
// Precedence order: environment variables > .env file > config file > defaults.
func Load(configPath string) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".instaharvest.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	config.LoadFromEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
