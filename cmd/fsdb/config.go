// Loads the optional fsdb.yaml configuration file.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFile = "fsdb.yaml"

// config is the optional fsdb.yaml found in the data directory. Command line
// flags override it.
type config struct {
	Codec    string    `yaml:"codec"`
	LogLevel string    `yaml:"log_level"`
	Git      gitConfig `yaml:"git"`
}

type gitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
}

func defaultConfig() *config {
	return &config{Codec: "json", LogLevel: "info"}
}

// loadConfig reads dataDir/fsdb.yaml. A missing file yields the defaults.
func loadConfig(dataDir string) (*config, error) {
	cfg := defaultConfig()
	p := filepath.Join(dataDir, configFile)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is built from the data directory
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
