// Package config handles codever.toml host configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/codever/versioning"
)

// FileName is the name of the configuration file.
const FileName = "codever.toml"

// Config represents a codever.toml file.
type Config struct {
	Tiering     Tiering      `toml:"tiering"`
	Versioning  Versioning   `toml:"versioning"`
	ReJIT       ReJIT        `toml:"rejit"`
	Log         Log          `toml:"log"`
	Server      Server       `toml:"server"`
	Diagnostics Diagnostics  `toml:"diagnostics"`
	Modules     []ModuleSpec `toml:"modules"`

	// Dir is the directory containing the codever.toml file (set at load time).
	Dir string `toml:"-"`
}

// Tiering configures tiered compilation.
type Tiering struct {
	Enabled            bool   `toml:"enabled"`
	CallCountThreshold uint64 `toml:"call-count-threshold"`
	Workers            int    `toml:"workers"`
	QueueSize          int    `toml:"queue-size"`
	DefaultTier        string `toml:"default-tier"`
}

// Versioning configures the code version manager.
type Versioning struct {
	MaxVersionsPerMethod int  `toml:"max-versions-per-method"`
	DebugLocks           bool `toml:"debug-locks"`
}

// ReJIT configures the rejit manager.
type ReJIT struct {
	Enabled bool `toml:"enabled"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Server configures the instrumentation surface.
type Server struct {
	Address string `toml:"address"`
}

// Diagnostics configures snapshot and journal output.
type Diagnostics struct {
	Snapshot string `toml:"snapshot"`
	Journal  string `toml:"journal"`
}

// ModuleSpec describes a module of the simulated host.
type ModuleSpec struct {
	Name    string       `toml:"name"`
	Methods []MethodSpec `toml:"methods"`
}

// MethodSpec describes one method of a simulated module.
type MethodSpec struct {
	Token          uint32   `toml:"token"`
	Name           string   `toml:"name"`
	IL             string   `toml:"il"`
	Instantiations []string `toml:"instantiations"`
	NotVersionable bool     `toml:"not-versionable"`
}

// Default returns the configuration used when no codever.toml exists.
func Default() *Config {
	return &Config{
		Tiering: Tiering{
			Enabled:            true,
			CallCountThreshold: 30,
			Workers:            1,
			QueueSize:          100,
			DefaultTier:        versioning.TierOptimized.String(),
		},
		ReJIT:  ReJIT{Enabled: true},
		Server: Server{Address: "127.0.0.1:7455"},
	}
}

// Load parses a codever.toml file from the given directory. Settings the
// file leaves out keep their Default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a codever.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks values that toml cannot.
func (c *Config) Validate() error {
	if _, err := versioning.ParseOptimizationTier(c.Tiering.DefaultTier); err != nil {
		return fmt.Errorf("tiering.default-tier: %w", err)
	}
	if c.Tiering.Workers < 0 || c.Tiering.QueueSize < 0 {
		return fmt.Errorf("tiering: workers and queue-size must not be negative")
	}
	if c.Versioning.MaxVersionsPerMethod < 0 {
		return fmt.Errorf("versioning.max-versions-per-method must not be negative")
	}
	seen := make(map[string]bool)
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("modules: module without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("modules: %s defined twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// DefaultTier returns the parsed tiering.default-tier.
func (c *Config) DefaultTier() versioning.OptimizationTier {
	tier, err := versioning.ParseOptimizationTier(c.Tiering.DefaultTier)
	if err != nil {
		return versioning.TierOptimized
	}
	return tier
}

// Path resolves p against the directory of the configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
