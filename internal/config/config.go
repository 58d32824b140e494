// Package config loads the paramstrip configuration file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/paramstrip/internal/brand"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulesync"
)

// CurrentSchemaVersion is the latest config schema version.
const CurrentSchemaVersion = "1.0"

// Engine backends.
const (
	BackendState  = "state"
	BackendMemory = "memory"
)

// DefaultReconcileInterval is how often serve checks the engine for drift.
const DefaultReconcileInterval = 15 * time.Minute

// Config is the top-level configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	StateDir      string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// DefaultRules overrides the built-in seed with a JSON or YAML file.
	DefaultRules string `hcl:"default_rules,optional" json:"default_rules,omitempty"`

	Engine  *EngineConfig  `hcl:"engine,block" json:"engine,omitempty"`
	Sync    *SyncConfig    `hcl:"sync,block" json:"sync,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
}

// EngineConfig selects the host rule engine.
type EngineConfig struct {
	Backend  string `hcl:"backend,optional" json:"backend,omitempty"`
	MaxRules int    `hcl:"max_rules,optional" json:"max_rules,omitempty"`
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	EditReassignsID *bool  `hcl:"edit_reassigns_id,optional" json:"edit_reassigns_id,omitempty"`
	TogglePolicy    string `hcl:"toggle_policy,optional" json:"toggle_policy,omitempty"`
	// ConflictRetries is how many times a write that lost a version race is
	// retried. 0 uses the default.
	ConflictRetries int `hcl:"conflict_retries,optional" json:"conflict_retries,omitempty"`
	// ReconcileInterval is how often serve repairs engine drift, as a Go
	// duration. "0" disables the task.
	ReconcileInterval string `hcl:"reconcile_interval,optional" json:"reconcile_interval,omitempty"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Listen    string  `hcl:"listen,optional" json:"listen,omitempty"`
	RateLimit float64 `hcl:"rate_limit,optional" json:"rate_limit,omitempty"` // mutations per second per client
	RateBurst int     `hcl:"rate_burst,optional" json:"rate_burst,omitempty"`
}

type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.Backend == "" {
		c.Engine.Backend = BackendState
	}
	if c.Engine.MaxRules == 0 {
		c.Engine.MaxRules = rules.DefaultMaxRules
	}
	if c.Sync == nil {
		c.Sync = &SyncConfig{}
	}
	if c.Sync.EditReassignsID == nil {
		reassign := true
		c.Sync.EditReassignsID = &reassign
	}
	if c.Sync.TogglePolicy == "" {
		c.Sync.TogglePolicy = string(rulesync.ToggleStrict)
	}
	if c.Sync.ReconcileInterval == "" {
		c.Sync.ReconcileInterval = DefaultReconcileInterval.String()
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = brand.DefaultListen
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 20
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine.Backend {
	case BackendState, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("engine.backend: unknown backend %q", c.Engine.Backend))
	}
	if c.Engine.MaxRules < 1 {
		errs = append(errs, fmt.Errorf("engine.max_rules: must be at least 1, got %d", c.Engine.MaxRules))
	}
	if _, err := rulesync.ParseTogglePolicy(c.Sync.TogglePolicy); err != nil {
		errs = append(errs, fmt.Errorf("sync.toggle_policy: %w", err))
	}
	if c.Sync.ConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("sync.conflict_retries: must not be negative"))
	}
	if d, err := time.ParseDuration(c.Sync.ReconcileInterval); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("sync.reconcile_interval: invalid duration %q", c.Sync.ReconcileInterval))
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("api: rate_limit and rate_burst must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// StatePath is the SQLite database under StateDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, brand.StateFileName)
}

// SyncOptions builds synchronizer options from the sync block.
func (c *Config) SyncOptions() (rulesync.Options, error) {
	opts := rulesync.DefaultOptions()
	policy, err := rulesync.ParseTogglePolicy(c.Sync.TogglePolicy)
	if err != nil {
		return opts, err
	}
	opts.TogglePolicy = policy
	if c.Sync.EditReassignsID != nil {
		opts.EditReassignsID = *c.Sync.EditReassignsID
	}
	if c.Sync.ConflictRetries > 0 {
		opts.Retry.MaxAttempts = c.Sync.ConflictRetries + 1
	}
	return opts, nil
}

// ReconcileEvery is the parsed reconcile interval. Zero means disabled.
func (c *Config) ReconcileEvery() time.Duration {
	d, err := time.ParseDuration(c.Sync.ReconcileInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// LoggerConfig builds the logger config from the logging block.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = level
	}
	cfg.JSON = c.Logging.JSON
	return cfg
}

// Seed returns the default rules to install: the configured file, or the
// built-in set.
func (c *Config) Seed() ([]rules.Builder, error) {
	if strings.TrimSpace(c.DefaultRules) == "" {
		return rules.DefaultSeed()
	}
	return rules.LoadSeedFile(c.DefaultRules)
}
