// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the COWFS CLI.
//
// Configuration is loaded from a single YAML file specified by:
//   - the COWFS_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery; with neither set,
// built-in defaults apply. This keeps configuration deterministic and
// auditable with no hidden overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "COWFS_CONFIG"

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "1h30m", or from a bare integer taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for both forms.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full COWFS configuration.
type Config struct {
	// Init configures backend initialization.
	Init InitConfig `yaml:"init"`

	// Mount configures the FUSE mount.
	Mount MountConfig `yaml:"mount"`

	// GC configures garbage collection defaults.
	GC GCConfig `yaml:"gc"`

	// Logging configures the CLI logger.
	Logging LoggingConfig `yaml:"logging"`
}

// InitConfig configures backend initialization.
type InitConfig struct {
	// DigestAlgo is the algorithm for new backends: "sha256"
	// (default) or "blake3". Ignored when opening an existing
	// backend.
	DigestAlgo string `yaml:"digest_algo"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// AutoSnapshotInterval enables periodic snapshots while mounted.
	// Zero disables them.
	AutoSnapshotInterval Duration `yaml:"auto_snapshot_interval"`

	// AttrTimeout is the kernel attribute cache timeout.
	AttrTimeout Duration `yaml:"attr_timeout"`
}

// GCConfig configures garbage collection defaults.
type GCConfig struct {
	// SafetyWindow is the minimum object age before reclamation,
	// guarding the blob-written-but-not-yet-committed interval.
	SafetyWindow Duration `yaml:"safety_window"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Init:    InitConfig{DigestAlgo: "sha256"},
		Mount:   MountConfig{AttrTimeout: Duration(time.Second)},
		GC:      GCConfig{SafetyWindow: Duration(60 * time.Second)},
		Logging: LoggingConfig{Level: "warn"},
	}
}

// Load reads the configuration. flagPath (from --config) wins over
// COWFS_CONFIG; with neither set, defaults are returned. A named file
// that is missing or malformed is an error, never silently ignored.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Init.DigestAlgo {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("init.digest_algo must be sha256 or blake3, got %q", c.Init.DigestAlgo)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.GC.SafetyWindow < 0 {
		return fmt.Errorf("gc.safety_window must not be negative")
	}
	return nil
}
