// Package config loads the optional tools file for the special remote.
//
// The file only chooses which external tools run and where diagnostics are
// kept. Bucket layout settings (directory and address_length) belong to the
// remote's own configuration and are never read from here.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is returned when the config file cannot be used.
var ErrInvalid = errors.New("invalid config file")

// Config is the content of the tools file.
type Config struct {
	Tools       ToolsConfig       `toml:"tools"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
}

// ToolsConfig selects the external binaries.
type ToolsConfig struct {
	// Tar compacts archives on remove. Must support --delete.
	Tar string `toml:"tar"`

	// Ratarmount mounts archives read-only.
	Ratarmount string `toml:"ratarmount"`

	// Fusermount releases mounts. Empty picks fusermount or fusermount3
	// from PATH.
	Fusermount string `toml:"fusermount"`

	// MountArgs are extra flags passed to the mount tool.
	MountArgs []string `toml:"mount_args"`
}

// DiagnosticsConfig controls where failed tool output is kept.
type DiagnosticsConfig struct {
	// Path of the diagnostics database. Empty disables persistence.
	Path string `toml:"path"`

	// Retention drops records older than this on startup. Zero keeps all.
	Retention Duration `toml:"retention"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Tools: ToolsConfig{
			Tar:        "tar",
			Ratarmount: "ratarmount",
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults. Unknown keys are rejected so typos do not go unnoticed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: %s: unknown keys: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate checks that the archive and mount tools are named.
func (c *Config) Validate() error {
	switch {
	case c.Tools.Tar == "":
		return errors.New("tools.tar must not be empty")
	case c.Tools.Ratarmount == "":
		return errors.New("tools.ratarmount must not be empty")
	case c.Diagnostics.Retention.Duration < 0:
		return errors.New("diagnostics.retention must not be negative")
	}
	return nil
}
