// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/etwtrace/internal/safe"
)

// EnvConfigPath names a configuration file that replaces the default path.
const EnvConfigPath = "ETWTRACE_CONFIG"

// Loader handles loading and saving the configuration file.
type Loader struct {
	path string
}

// NewLoader creates a new config loader.
// The file is resolved in this order:
//  1. ETWTRACE_CONFIG environment variable.
//  2. ~/.etwtrace/config.yaml.
//  3. A path under the temp directory when there is no home directory.
//
// A missing file is not an error; Load returns defaults with env overrides.
func NewLoader() *Loader {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return &Loader{path: path}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = filepath.Join(os.TempDir(), "etwtrace-fallback")
	}
	return &Loader{path: filepath.Join(homeDir, DefaultDir, ConfigFile)}
}

// NewFileLoader creates a loader for an explicit file.
func NewFileLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration. Values in the file overlay the defaults and
// environment variables overlay both.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	data, err := safe.ReadFile(l.path, nil)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
		}
	}

	if err := MergeFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return config, nil
}

// Save writes the configuration file.
func (l *Loader) Save(config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := safe.WriteFile(l.path, data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
