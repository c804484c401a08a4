// Package config loads the server configuration. A single file in
// TOML, YAML, or JSON selects the data directory, listen address,
// object-store credentials, and the knobs of the background loops.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no buildomat config file found")

// Config is the parsed server configuration.
type Config struct {
	// Bind is the HTTP listen address. Default: 127.0.0.1:9979.
	Bind string `yaml:"bind" toml:"bind" json:"bind"`

	// DataDir holds the database, staged chunks, committed files, and
	// the local archive cache (required).
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	// BaseURL is the externally visible URL prefix, used in responses
	// that hand back absolute locations.
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url"`

	Admin   Admin   `yaml:"admin" toml:"admin" json:"admin"`
	Storage Storage `yaml:"storage" toml:"storage" json:"storage"`
	Job     JobCfg  `yaml:"job" toml:"job" json:"job"`
	Archive Archive `yaml:"archive" toml:"archive" json:"archive"`
}

// Admin configures the global administrative bearer token.
type Admin struct {
	// Token authenticates requests to admin paths in addition to
	// users holding admin privileges.
	Token string `yaml:"token" toml:"token" json:"token"`

	// Hold starts the server with assignment suspended.
	Hold bool `yaml:"hold" toml:"hold" json:"hold"`
}

// Storage configures the blob backend.
type Storage struct {
	// Prefix isolates this install inside a shared bucket (required).
	Prefix string `yaml:"prefix" toml:"prefix" json:"prefix"`

	Region          string `yaml:"region" toml:"region" json:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// JobCfg bounds submissions.
type JobCfg struct {
	// MaxInputBytes caps each uploaded input. 0 means unlimited.
	MaxInputBytes int64 `yaml:"max_input_bytes" toml:"max_input_bytes" json:"max_input_bytes"`
}

// Archive configures cold-storage migration.
type Archive struct {
	// Grace is how long after completion a job stays fully live.
	// Default: 24h.
	Grace Duration `yaml:"grace" toml:"grace" json:"grace"`
}

// Duration wraps time.Duration for parsing from all three formats.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load parses the config at path, choosing the parser by extension.
// An empty path searches the working directory for
// buildomat.{toml,yaml,yml,json}.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, name := range []string{
			"buildomat.toml", "buildomat.yaml", "buildomat.yml", "buildomat.json",
		} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
		if path == "" {
			return nil, ErrNoConfig
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = parseYAML(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = parseTOML(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Storage.Prefix == "" {
		return errors.New("storage.prefix is required")
	}
	if strings.Contains(c.Storage.Prefix, "/") {
		return errors.New("storage.prefix must not contain '/'")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:9979"
	}
	if c.Archive.Grace == 0 {
		c.Archive.Grace = Duration(24 * time.Hour)
	}
}
