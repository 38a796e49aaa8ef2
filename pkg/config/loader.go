package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load nova.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into struct
//  4. Merge over the built-in defaults (YAML overrides defaults)
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"role", cfg.Role,
		"scope_id", cfg.ScopeID,
		"transport_uri", cfg.Transport.URI)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	path := filepath.Join(configDir, "nova.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError("nova.yaml", fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError("nova.yaml", err)
	}

	data = ExpandEnv(data)

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, NewLoadError("nova.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configPath = configDir

	return cfg, nil
}
