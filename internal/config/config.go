// Package config loads hashall's layered configuration: environment
// variables, an optional YAML file, and command-line flag overrides, via
// github.com/spf13/viper.
//
// Env vars override file-configured values, with a sensible default derived
// from the user's config directory when no file is given.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of runtime tunables.
type Config struct {
	v *viper.Viper

	configPath string
}

const envPrefix = "HASHALL"

// Default tunable values, used when neither the environment nor a config
// file sets them.
const (
	DefaultWorkers           = 0 // 0 means runtime.NumCPU()
	DefaultBatchSize         = 500
	DefaultQuickHashSample   = 1 << 20 // 1 MiB
	DefaultFastVerifySamples = 3
	DefaultSnapshotPrefix    = "hashall-snapshot-"
)

// New loads configuration from configPath (if non-empty and present),
// layered under environment variables of the form HASHALL_<KEY> and
// hard-coded defaults, in ascending priority: defaults < file < env.
func New(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("catalog_path", defaultCatalogPath())
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("quick_hash_sample_size", DefaultQuickHashSample)
	v.SetDefault("fast_verify_samples", DefaultFastVerifySamples)
	v.SetDefault("snapshot_prefix", DefaultSnapshotPrefix)
	v.SetDefault("seeding_roots", []string{})
	v.SetDefault("min_plan_file_size", int64(0))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	return &Config{v: v, configPath: configPath}, nil
}

func defaultCatalogPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "hashall", "catalog.db")
}

// CatalogPath is the path to the SQLite catalog file (HASHALL_CATALOG_PATH).
func (c *Config) CatalogPath() string { return c.v.GetString("catalog_path") }

// Workers is the configured worker count, or runtime.NumCPU() when unset
// (HASHALL_WORKERS).
func (c *Config) Workers() int {
	if w := c.v.GetInt("workers"); w > 0 {
		return w
	}
	return runtime.NumCPU()
}

// BatchSize is the scanner's catalog commit batch size (HASHALL_BATCH_SIZE).
func (c *Config) BatchSize() int { return c.v.GetInt("batch_size") }

// QuickHashSampleSize is the quick-hash sample size in bytes
// (HASHALL_QUICK_HASH_SAMPLE_SIZE).
func (c *Config) QuickHashSampleSize() int64 { return c.v.GetInt64("quick_hash_sample_size") }

// FastVerifySamples is the number of 1 MiB samples the fast verify mode
// compares (HASHALL_FAST_VERIFY_SAMPLES).
func (c *Config) FastVerifySamples() int { return c.v.GetInt("fast_verify_samples") }

// SnapshotPrefix prefixes generated catalog snapshot filenames
// (HASHALL_SNAPSHOT_PREFIX).
func (c *Config) SnapshotPrefix() string { return c.v.GetString("snapshot_prefix") }

// SeedingRoots is the configured set of mount-relative roots considered
// "seeding domain" for demotion's external-consumer check
// (HASHALL_SEEDING_ROOTS, whitespace-separated when set via environment).
func (c *Config) SeedingRoots() []string { return c.v.GetStringSlice("seeding_roots") }

// MinPlanFileSize is the minimum file size considered during plan building
// (HASHALL_MIN_PLAN_FILE_SIZE).
func (c *Config) MinPlanFileSize() int64 { return c.v.GetInt64("min_plan_file_size") }

// Viper returns the underlying viper instance for callers (cobra command
// wiring) that need to bind flags directly via Viper().BindPFlag.
func (c *Config) Viper() *viper.Viper { return c.v }
