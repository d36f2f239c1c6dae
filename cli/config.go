// Package cli implements the petalproc command line interface: deploying
// programs, starting and driving instances, working jobs, and running the
// background sweeper.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalproc.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the declarative CLI configuration shape.
type Config struct {
	// StorePath is the SQLite database path. Defaults to
	// ~/.petalproc/petalproc.db.
	StorePath string `yaml:"store_path,omitempty"`
	// SweepInterval is how often the sweeper runs all Running instances.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	// SweepSchedule is a five-field UTC cron expression. When set it
	// overrides SweepInterval as the sweeper cadence.
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`
	// OTLPEndpoint enables trace export when set (host:port, no scheme).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	// ServiceName overrides the service name on exported traces.
	ServiceName string `yaml:"service_name,omitempty"`
}

// DefaultConfig returns the config used when no file is found.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Second,
		ServiceName:   "petalproc",
	}
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: explicit path, then ./petalproc.yaml, then
// ~/.petalproc/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalproc", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig discovers and loads the config file, falling back to defaults
// when none exists.
func LoadConfig(explicitPath string) (Config, error) {
	cfg := DefaultConfig()

	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if !found {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "petalproc"
	}
	return cfg, nil
}

// resolveStorePath picks the database path from flag, config, or the default
// under the user's home directory, creating parent directories as needed.
func resolveStorePath(flagPath string, cfg Config) (string, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = cfg.StorePath
	}
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		path = filepath.Join(homeDir, ".petalproc", "petalproc.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating store directory: %w", err)
	}
	return path, nil
}
