// Package config loads fieldsync settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/conflict"
)

// Environment variables that override file settings.
const (
	EnvDatabase  = "FIELDSYNC_DB"
	EnvRemoteURL = "FIELDSYNC_REMOTE_URL"
	EnvSchemas   = "FIELDSYNC_SCHEMAS"
)

// Config is the complete configuration. Durations are written as Go
// duration strings ("30s", "5m").
type Config struct {
	// Database is the path of the SQLite queue file.
	Database string `yaml:"database"`

	Remote       Remote       `yaml:"remote"`
	Connectivity Connectivity `yaml:"connectivity"`
	Sync         Sync         `yaml:"sync"`
	Backoff      Backoff      `yaml:"backoff"`
	Conflict     Conflict     `yaml:"conflict"`

	// Schemas is a directory of .cue files with payload definitions. Empty
	// disables validation.
	Schemas string `yaml:"schemas"`
}

// Remote configures the authoritative store client.
type Remote struct {
	BaseURL           string        `yaml:"base_url"`
	HealthPath        string        `yaml:"health_path"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	IdempotencyHeader string        `yaml:"idempotency_header"`
}

// HealthURL joins the base URL and the health path.
func (r Remote) HealthURL() string {
	return strings.TrimRight(r.BaseURL, "/") + "/" + strings.TrimLeft(r.HealthPath, "/")
}

// Connectivity configures the reachability probe.
type Connectivity struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Confirmations int           `yaml:"confirmations"`
}

// Sync configures the drain engine.
type Sync struct {
	Interval          time.Duration `yaml:"interval"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	MaxPassDuration   time.Duration `yaml:"max_pass_duration"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxRebases        int           `yaml:"max_rebases"`
	ResolvedRetention time.Duration `yaml:"resolved_retention"`
	Pull              bool          `yaml:"pull"`
	PullLimit         int           `yaml:"pull_limit"`
}

// Backoff configures the retry delay after transient failures.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// Conflict selects the conflict policy.
type Conflict struct {
	Policy string `yaml:"policy"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "fieldsync.db",
		Remote: Remote{
			BaseURL:           "http://localhost:3000/api",
			HealthPath:        "/health",
			RequestTimeout:    30 * time.Second,
			IdempotencyHeader: "X-Idempotency-Key",
		},
		Connectivity: Connectivity{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  3 * time.Second,
			Confirmations: 2,
		},
		Sync: Sync{
			Interval:          60 * time.Second,
			SettleDelay:       2 * time.Second,
			MaxPassDuration:   60 * time.Second,
			MaxConcurrency:    4,
			MaxAttempts:       5,
			MaxRebases:        3,
			ResolvedRetention: 30 * 24 * time.Hour,
			Pull:              true,
			PullLimit:         100,
		},
		Backoff: Backoff{
			Initial:    time.Second,
			Max:        5 * time.Minute,
			Multiplier: 2,
		},
		Conflict: Conflict{Policy: string(conflict.PolicyMerge)},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from the environment. lookup has the
// signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Database = v
	}
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.BaseURL = v
	}
	if v, ok := lookup(EnvSchemas); ok {
		c.Schemas = v
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url: %q is not an absolute URL", c.Remote.BaseURL))
	}
	if c.Remote.IdempotencyHeader == "" {
		errs = append(errs, errors.New("remote.idempotency_header: must not be empty"))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"remote.request_timeout", c.Remote.RequestTimeout},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
		{"sync.max_pass_duration", c.Sync.MaxPassDuration},
		{"backoff.initial", c.Backoff.Initial},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", p.name, p.d))
		}
	}
	if c.Sync.Interval < 0 {
		errs = append(errs, fmt.Errorf("sync.interval: must not be negative, got %s", c.Sync.Interval))
	}
	if c.Sync.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("sync.settle_delay: must not be negative, got %s", c.Sync.SettleDelay))
	}
	if c.Sync.ResolvedRetention < 0 {
		errs = append(errs, fmt.Errorf("sync.resolved_retention: must not be negative, got %s", c.Sync.ResolvedRetention))
	}
	if c.Connectivity.Confirmations < 1 {
		errs = append(errs, fmt.Errorf("connectivity.confirmations: must be at least 1, got %d", c.Connectivity.Confirmations))
	}
	if c.Sync.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.max_concurrency: must be at least 1, got %d", c.Sync.MaxConcurrency))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts: must be at least 1, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.MaxRebases < 0 {
		errs = append(errs, fmt.Errorf("sync.max_rebases: must not be negative, got %d", c.Sync.MaxRebases))
	}
	if c.Sync.PullLimit < 1 {
		errs = append(errs, fmt.Errorf("sync.pull_limit: must be at least 1, got %d", c.Sync.PullLimit))
	}
	if c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, fmt.Errorf("backoff.max: %s is below backoff.initial %s", c.Backoff.Max, c.Backoff.Initial))
	}
	if c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff.multiplier: must be at least 1, got %g", c.Backoff.Multiplier))
	}
	if _, err := conflict.ParsePolicy(c.Conflict.Policy); err != nil {
		errs = append(errs, fmt.Errorf("conflict.policy: %w", err))
	}
	return errors.Join(errs...)
}
