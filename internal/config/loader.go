package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.foreman/config.json
// Project: .foreman/config.json under projectDir.
func LoadDefault(projectDir string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".foreman", "config.json")
	projectPath := filepath.Join(projectDir, ".foreman", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile overlays non-zero fields from a JSON config file onto the
// base config. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Database.Filename != "" {
		base.Database.Filename = loaded.Database.Filename
	}
	if loaded.Quality.MaxRetries != 0 {
		base.Quality.MaxRetries = loaded.Quality.MaxRetries
	}
	if loaded.Dispatch.Concurrency != 0 {
		base.Dispatch.Concurrency = loaded.Dispatch.Concurrency
	}
	if loaded.Dispatch.RetryInitialMS != 0 {
		base.Dispatch.RetryInitialMS = loaded.Dispatch.RetryInitialMS
	}
	if loaded.Dispatch.RetryMaxMS != 0 {
		base.Dispatch.RetryMaxMS = loaded.Dispatch.RetryMaxMS
	}
	if loaded.Dispatch.RetryElapsedMS != 0 {
		base.Dispatch.RetryElapsedMS = loaded.Dispatch.RetryElapsedMS
	}
	if loaded.Dashboard.Enabled {
		base.Dashboard.Enabled = true
	}
	if loaded.Dashboard.Listen != "" {
		base.Dashboard.Listen = loaded.Dashboard.Listen
	}
	for role, prio := range loaded.Priorities {
		base.Priorities[role] = prio
	}

	return nil
}
