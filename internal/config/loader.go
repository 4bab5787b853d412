// Package config provides configuration loading and management.
//
// Values are resolved in this order, later sources winning: built-in
// defaults, the YAML config file, DLINJECT_* environment variables and
// finally command-line flags (applied by the caller).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/dlinject/internal/constants"
	"github.com/coral-mesh/dlinject/internal/safe"
)

// Loader locates and reads the config file.
type Loader struct {
	path     string
	explicit bool
	android  bool
}

// NewLoader creates a loader. The file is resolved in this order:
//  1. path, when non-empty (usually --config).
//  2. The DLINJECT_CONFIG environment variable.
//  3. ~/.dlinject/config.yaml, if it exists.
//
// A file named by 1 or 2 must exist; the home directory file is optional.
func NewLoader(path string, android bool) *Loader {
	if path != "" {
		return &Loader{path: path, explicit: true, android: android}
	}
	if env := os.Getenv(constants.EnvConfig); env != "" {
		return &Loader{path: env, explicit: true, android: android}
	}

	l := &Loader{android: android}
	if home, err := os.UserHomeDir(); err == nil {
		l.path = filepath.Join(home, constants.DefaultDir, constants.ConfigFile)
	}
	return l
}

// Path returns the config file path, empty when there is none.
func (l *Loader) Path() string {
	return l.path
}

// Load returns defaults overlaid with the config file and the environment.
// The result is not validated: flags may still change it.
func (l *Loader) Load() (*Config, error) {
	cfg := Default(l.android)

	if l.path != "" {
		data, err := safe.ReadFile(l.path, &safe.Options{AllowSymlinks: true})
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
			}
		case os.IsNotExist(err) && !l.explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	if l.path == "" {
		return fmt.Errorf("no config path")
	}

	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(l.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
