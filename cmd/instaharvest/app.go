package main

import (
	"fmt"
	"os"
	"path/filepath"

	"instaharvest/pkg/config"
	"instaharvest/pkg/logger"
)

// setup loads the configuration and initializes the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logger.Initialize(logger.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// sessionFilePath resolves where the exported session blob for a user
// lives.
func sessionFilePath(cfg *config.Config, username string) (string, error) {
	if cfg.Session.File != "" {
		return cfg.Session.File, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	dir := filepath.Join(configDir, "instaharvest")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("session_%s.json", username)), nil
}

// fatal prints an error and exits.
func fatal(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
