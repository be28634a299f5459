// Package config loads the ledger daemon's YAML configuration file: where
// page directories live on disk, how pages talk to the cloud backend, and
// ambient logging/metrics settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ledger/pkg/log"
)

// Config is the top-level daemon configuration.
type Config struct {
	// StorageRoot is the versioned root directory under which page
	// directories are created: <StorageRoot>/<version>/<ledger>/<page>/.
	StorageRoot string `yaml:"storageRoot"`

	// SerializationVersion names the on-disk schema directory; bumping it
	// starts every page fresh rather than attempting format migration.
	SerializationVersion string `yaml:"serializationVersion"`

	Logging LoggingConfig `yaml:"logging"`
	Sync    SyncConfig    `yaml:"sync"`
	Merge   MergeConfig   `yaml:"merge"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SyncConfig controls the per-page sync engine.
type SyncConfig struct {
	// Enabled turns on cloud sync for newly bound pages.
	Enabled bool `yaml:"enabled"`
	// UploadConcurrency bounds how many pending piece uploads run at once.
	UploadConcurrency int `yaml:"uploadConcurrency"`
	// StartupGrace bounds how long page binding waits for the initial
	// sync backlog download before serving from local state.
	StartupGrace time.Duration `yaml:"startupGrace"`
	// InitialBackoff and MaxBackoff seed the per-engine exponential
	// backoff used for retryable network errors.
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// MergeConfig controls the default merge strategy new pages start with.
type MergeConfig struct {
	// Strategy is one of "last-one-wins", "auto", or "custom".
	Strategy string `yaml:"strategy"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		StorageRoot:          "/var/lib/ledger",
		SerializationVersion: "v1",
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Sync: SyncConfig{
			Enabled:           true,
			UploadConcurrency: 4,
			StartupGrace:      5 * time.Second,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        1 * time.Minute,
		},
		Merge: MergeConfig{
			Strategy: "last-one-wins",
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// InitLogging applies the config's logging section to the global logger.
func (c Config) InitLogging() {
	log.Init(log.Config{
		Level:      log.Level(c.Logging.Level),
		JSONOutput: c.Logging.JSON,
	})
}
