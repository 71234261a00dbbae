// Package config provides YAML-file-backed configuration for the remailer
// node: identity and behavior toggles (general.*), inbound/outbound spool
// tuning (pool.*), the persistent store location (database.*), and
// logging sink/format (logging.*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the remailer node.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Pool     PoolConfig     `yaml:"pool"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GeneralConfig holds identity and behavior toggles.
type GeneralConfig struct {
	Name        string        `yaml:"name"`
	Address     string        `yaml:"address"`
	SMTP        bool          `yaml:"smtp"`
	HopSpy      bool          `yaml:"hopspy"`
	KeyLen      int           `yaml:"keylen"`
	PIDDir      string        `yaml:"piddir"`
	PIDFile     string        `yaml:"pidfile"`
	HTTPTimeout time.Duration `yaml:"httptimeout"`
	SMTPTimeout time.Duration `yaml:"smtptimeout"`
	SMTPRelay   string        `yaml:"smtprelay"`
}

// PoolConfig holds inbound/outbound spool behavior.
type PoolConfig struct {
	InDir      string `yaml:"indir"`
	OutDir     string `yaml:"outdir"`
	Interval   string `yaml:"interval"` // e.g. "2h"
	Rate       int    `yaml:"rate"`     // 1-100
	Size       int    `yaml:"size"`
	InDummy    int    `yaml:"indummy"`  // 0-100 percent
	OutDummy   int    `yaml:"outdummy"` // 0-100 percent
	DummyChain string `yaml:"dummychain"`
}

// DatabaseConfig holds the persistent store location.
type DatabaseConfig struct {
	Path      string `yaml:"path"`
	Directory string `yaml:"directory"`
}

// LoggingConfig holds logging sink and formatting settings.
type LoggingConfig struct {
	Dir     string `yaml:"dir"`
	File    string `yaml:"file"`
	Level   string `yaml:"level"` // debug, info, warn, error
	Format  string `yaml:"format"`
	DateFmt string `yaml:"datefmt"`
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			SMTP:        true,
			HopSpy:      false,
			KeyLen:      2048,
			PIDDir:      "~/.mixnode",
			PIDFile:     "mixnode.pid",
			HTTPTimeout: 30 * time.Second,
			SMTPTimeout: 30 * time.Second,
			SMTPRelay:   "localhost:25",
		},
		Pool: PoolConfig{
			InDir:      "~/.mixnode/pool.in",
			OutDir:     "~/.mixnode/pool.out",
			Interval:   "2h",
			Rate:       65,
			Size:       10,
			InDummy:    10,
			OutDummy:   3,
			DummyChain: "*,*,*",
		},
		Database: DatabaseConfig{
			Path:      "mixnode.db",
			Directory: "~/.mixnode",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			DateFmt: time.RFC3339,
		},
	}
}

// IntervalDuration parses Pool.Interval, defaulting to 2h on a parse error.
func (c *Config) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.Pool.Interval)
	if err != nil {
		return 2 * time.Hour
	}
	return d
}

// Validate checks the fields the CLI requires to be present before the
// event loop starts. Configuration-validity errors terminate with a
// non-zero exit before the loop starts.
func (c *Config) Validate() error {
	if c.General.Name == "" {
		return fmt.Errorf("config: general.name is required")
	}
	if c.General.Address == "" {
		return fmt.Errorf("config: general.address is required")
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given directory.
func ConfigPath(dir string) string {
	return filepath.Join(ExpandPath(dir), ConfigFileName)
}

// Load loads configuration from a YAML file in dir, creating one with
// default values if it does not yet exist.
func Load(dir string) (*Config, error) {
	expandedDir := ExpandPath(dir)
	path := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# remailer node configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
