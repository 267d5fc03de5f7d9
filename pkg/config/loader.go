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

// yamlFile is the shape hubd.yaml parses into before it is merged onto
// defaultConfig. mergo merges it field by field with WithOverride: every
// non-zero field replaces the default, and every zero-valued field keeps
// the built-in default. Being pointer-free, the struct cannot tell "field
// absent" from "field explicitly zero", so an explicit zero also keeps the
// default.
type yamlFile struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Backplane  BackplaneConfig  `yaml:"backplane"`
	Security   SecurityConfig   `yaml:"security"`
	Connection ConnectionConfig `yaml:"connection"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// Load reads hubd.yaml from configDir, expands environment variable
// references, merges the result onto the built-in defaults, validates the
// outcome, and returns a ready-to-use Config.
func Load(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	path := filepath.Join(configDir, "hubd.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var parsed yamlFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := defaultConfig()
	cfg.configDir = configDir
	if err := mergo.Merge(cfg, &Config{
		Server:     parsed.Server,
		Database:   parsed.Database,
		Backplane:  parsed.Backplane,
		Security:   parsed.Security,
		Connection: parsed.Connection,
		Retention:  parsed.Retention,
	}, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge %s onto defaults: %w", path, err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded", "addr", cfg.Server.Addr, "backplane_mode", cfg.Backplane.Mode)
	return cfg, nil
}
