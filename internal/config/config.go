// Package config provides configuration management for Kinship.
// Settings are read from an optional YAML file and from environment
// variables with the KINSHIP_ prefix, over sensible defaults for every
// option. Environment variables win over the file.
//
// Nested keys map to variables by upper-casing and replacing dots with
// underscores: resolution.batch_concurrency is KINSHIP_RESOLUTION_BATCH_CONCURRENCY.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrypster/kinship/internal/engine"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KINSHIP"

// Config holds all configuration settings for the Kinship application.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Linker     LinkerConfig     `mapstructure:"linker" yaml:"linker"`
	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector"`
	Resolution ResolutionConfig `mapstructure:"resolution" yaml:"resolution"`
	Sweep      SweepConfig      `mapstructure:"sweep" yaml:"sweep"`
	Backup     BackupConfig     `mapstructure:"backup" yaml:"backup"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine   string `mapstructure:"engine" yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DSN      string `mapstructure:"dsn" yaml:"dsn"`             // Connection string; required for postgres
	DataPath string `mapstructure:"data_path" yaml:"data_path"` // Directory of the SQLite file when DSN is empty (default: ./data)
}

// SQLiteDSN returns the configured DSN, or the database file under DataPath.
func (s StorageConfig) SQLiteDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return filepath.Join(s.DataPath, "kinship.db")
}

// LinkerConfig tunes entity linking.
type LinkerConfig struct {
	FuzzyThreshold   float64 `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`       // Minimum similarity to accept a fuzzy link (default: 0.8)
	MaxCandidates    int     `mapstructure:"max_candidates" yaml:"max_candidates"`         // Candidates returned per link (default: 5)
	MaxCandidateScan int     `mapstructure:"max_candidate_scan" yaml:"max_candidate_scan"` // Entities scored per link (default: 500)
}

// DetectorConfig tunes conflict detection.
type DetectorConfig struct {
	DynamicAttributes []string `mapstructure:"dynamic_attributes" yaml:"dynamic_attributes"` // Attributes expected to change over time
	StrengthDelta     float64  `mapstructure:"strength_delta" yaml:"strength_delta"`         // Strength difference that makes a relationship conflict (default: 0.3)
	MaxMentionScan    int      `mapstructure:"max_mention_scan" yaml:"max_mention_scan"`     // Mentions read per detection (default: 200)
}

// ResolutionConfig tunes conflict resolution.
type ResolutionConfig struct {
	BatchConcurrency int           `mapstructure:"batch_concurrency" yaml:"batch_concurrency"` // Conflicts resolved in parallel (default: 4)
	TxTimeout        time.Duration `mapstructure:"tx_timeout" yaml:"tx_timeout"`               // Bound on each write transaction (default: 30s)
	RulesFile        string        `mapstructure:"rules_file" yaml:"rules_file"`               // YAML rule file applied at startup, optional
}

// SweepConfig tunes the background conflict sweeper.
type SweepConfig struct {
	Limit         int     `mapstructure:"limit" yaml:"limit"`                     // Most-mentioned entities examined per sweep (default: 100)
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"` // Detections started per second (default: 20)
	Burst         int     `mapstructure:"burst" yaml:"burst"`                     // Detection burst size (default: 5)
	Interval      string  `mapstructure:"interval" yaml:"interval"`               // Pause between sweeps in watch mode (default: 10m)
}

// BackupConfig controls SQLite snapshots.
type BackupConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`         // Snapshot directory (default: <data_path>/backups)
	Verify  bool   `mapstructure:"verify" yaml:"verify"`   // Integrity-check each snapshot (default: true)
	Hourly  int    `mapstructure:"hourly" yaml:"hourly"`   // Snapshots kept from the last day (default: 24)
	Daily   int    `mapstructure:"daily" yaml:"daily"`     // Snapshots kept from the last week (default: 7)
	Weekly  int    `mapstructure:"weekly" yaml:"weekly"`   // Snapshots kept from the last 30 days (default: 4)
	Monthly int    `mapstructure:"monthly" yaml:"monthly"` // Snapshots kept from the last year (default: 12)
}

// LogConfig selects the logger configuration.
type LogConfig struct {
	Env string `mapstructure:"env" yaml:"env"` // development, production or test (default: production)
}

// setDefaults registers every key so that environment variables are picked
// up by Unmarshal even when no file mentions the key.
func setDefaults(v *viper.Viper) {
	d := engine.DefaultConfig()

	v.SetDefault("storage.engine", "sqlite")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.data_path", "./data")

	v.SetDefault("linker.fuzzy_threshold", d.FuzzyThreshold)
	v.SetDefault("linker.max_candidates", d.MaxCandidates)
	v.SetDefault("linker.max_candidate_scan", d.MaxCandidateScan)

	v.SetDefault("detector.dynamic_attributes", d.DynamicAttributes)
	v.SetDefault("detector.strength_delta", d.StrengthDelta)
	v.SetDefault("detector.max_mention_scan", d.MaxMentionScan)

	v.SetDefault("resolution.batch_concurrency", d.BatchConcurrency)
	v.SetDefault("resolution.tx_timeout", "30s")
	v.SetDefault("resolution.rules_file", "")

	v.SetDefault("sweep.limit", d.SweepLimit)
	v.SetDefault("sweep.rate_per_second", d.SweepRatePerSecond)
	v.SetDefault("sweep.burst", d.SweepBurst)
	v.SetDefault("sweep.interval", "10m")

	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.verify", true)
	v.SetDefault("backup.hourly", 24)
	v.SetDefault("backup.daily", 7)
	v.SetDefault("backup.weekly", 4)
	v.SetDefault("backup.monthly", 12)

	v.SetDefault("log.env", "production")
}

// Load reads configuration from defaults, the optional YAML file at path and
// KINSHIP_* environment variables, then validates it. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.engine %q must be sqlite or postgres", c.Storage.Engine))
	}

	if c.Linker.FuzzyThreshold < 0 || c.Linker.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("linker.fuzzy_threshold %v must be within [0, 1]", c.Linker.FuzzyThreshold))
	}
	if c.Detector.StrengthDelta < 0 || c.Detector.StrengthDelta > 1 {
		errs = append(errs, fmt.Errorf("detector.strength_delta %v must be within [0, 1]", c.Detector.StrengthDelta))
	}
	for key, n := range map[string]int{
		"linker.max_candidates":        c.Linker.MaxCandidates,
		"linker.max_candidate_scan":    c.Linker.MaxCandidateScan,
		"detector.max_mention_scan":    c.Detector.MaxMentionScan,
		"resolution.batch_concurrency": c.Resolution.BatchConcurrency,
		"sweep.limit":                  c.Sweep.Limit,
		"sweep.burst":                  c.Sweep.Burst,
		"backup.hourly":                c.Backup.Hourly,
		"backup.daily":                 c.Backup.Daily,
		"backup.weekly":                c.Backup.Weekly,
		"backup.monthly":               c.Backup.Monthly,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, n))
		}
	}
	if c.Sweep.RatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("sweep.rate_per_second must be positive, got %v", c.Sweep.RatePerSecond))
	}
	if c.Resolution.TxTimeout < 0 {
		errs = append(errs, fmt.Errorf("resolution.tx_timeout must not be negative, got %v", c.Resolution.TxTimeout))
	}
	if _, err := c.SweepInterval(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Env {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("log.env %q must be development, production or test", c.Log.Env))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// SweepInterval parses Sweep.Interval.
func (c *Config) SweepInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sweep.Interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("sweep.interval %q must be a positive duration", c.Sweep.Interval)
	}
	return d, nil
}

// BackupDir returns the snapshot directory, defaulting to a backups
// directory next to the database file at dbPath.
func (c *Config) BackupDir(dbPath string) string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(filepath.Dir(dbPath), "backups")
}

// EngineConfig converts the tuning sections into the engine's configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		FuzzyThreshold:     c.Linker.FuzzyThreshold,
		MaxCandidates:      c.Linker.MaxCandidates,
		MaxCandidateScan:   c.Linker.MaxCandidateScan,
		DynamicAttributes:  c.Detector.DynamicAttributes,
		StrengthDelta:      c.Detector.StrengthDelta,
		MaxMentionScan:     c.Detector.MaxMentionScan,
		BatchConcurrency:   c.Resolution.BatchConcurrency,
		SweepLimit:         c.Sweep.Limit,
		SweepRatePerSecond: c.Sweep.RatePerSecond,
		SweepBurst:         c.Sweep.Burst,
	}
}
