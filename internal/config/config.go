// Package config loads skein's settings.
//
// Values come from three layers, later layers winning: built-in defaults,
// a YAML file, then SKEIN_* variables from the process environment or a
// .env file. The merged result is checked against an embedded CUE schema.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/retry"
	"github.com/roach88/skein/internal/store"
)

// Config is the full configuration tree.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Bus         BusConfig         `yaml:"bus"`
	Retry       retry.Policy      `yaml:"retry"`
	MentionTree MentionTreeConfig `yaml:"mention_tree"`
	Viewer      ViewerConfig      `yaml:"viewer"`
}

type CacheConfig struct {
	Posts CapacityConfig `yaml:"posts"`
	Users CapacityConfig `yaml:"users"`
}

// CapacityConfig bounds one entity cache.
type CapacityConfig struct {
	MaxCount       int     `yaml:"max_count"`
	SurviveDensity float64 `yaml:"survive_density"`
}

// Capacity converts c for the cache package.
func (c CapacityConfig) Capacity() cache.Capacity {
	return cache.Capacity{MaxCount: c.MaxCount, SurviveDensity: c.SurviveDensity}
}

type StoreConfig struct {
	// Dir holds the database file. Empty means the working directory.
	Dir        string `yaml:"dir"`
	Mode       string `yaml:"mode"`
	MaxRecords int    `yaml:"max_records"`
}

// Options converts s for store.Open. Mode must already be valid.
func (s StoreConfig) Options() store.Options {
	mode, err := store.ParseMode(s.Mode)
	if err != nil {
		mode = store.Volatile
	}
	return store.Options{Mode: mode, MaxRecords: s.MaxRecords}
}

// Path returns the database file path inside Dir.
func (s StoreConfig) Path() string {
	return filepath.Join(s.Dir, "skein.db")
}

type BusConfig struct {
	Buffer         int           `yaml:"buffer"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type MentionTreeConfig struct {
	IndexTTL time.Duration `yaml:"index_ttl"`
}

type ViewerConfig struct {
	Accounts []ViewerAccount `yaml:"accounts"`
}

// ViewerAccount is one local account.
type ViewerAccount struct {
	ID         uint64 `yaml:"id"`
	ScreenName string `yaml:"screen_name"`
}

// Viewers converts the configured accounts for the account registry.
func (v ViewerConfig) Viewers() []account.Viewer {
	out := make([]account.Viewer, 0, len(v.Accounts))
	for _, a := range v.Accounts {
		out = append(out, account.Viewer{ID: a.ID, ScreenName: a.ScreenName})
	}
	return out
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Posts: CapacityConfig{MaxCount: 10000, SurviveDensity: 0.5},
			Users: CapacityConfig{MaxCount: 1000, SurviveDensity: 0.5},
		},
		Store: StoreConfig{
			Mode:       store.Volatile.String(),
			MaxRecords: 100000,
		},
		Bus: BusConfig{
			Buffer:         256,
			HandlerTimeout: 5 * time.Second,
		},
		Retry: retry.DefaultPolicy,
		MentionTree: MentionTreeConfig{
			IndexTTL: 10 * time.Second,
		},
	}
}

// LoadOptions says where Load looks.
type LoadOptions struct {
	// File is a YAML config file. Empty skips the file layer.
	File string
	// EnvFile is a dotenv file. A missing file is ignored.
	EnvFile string
	// Lookup reads the process environment. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds and validates a Config.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		if err := cfg.readFile(opts.File); err != nil {
			return nil, err
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		default:
			lookup = layered(lookup, dotenv)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		// An empty file decodes to io.EOF and leaves the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// layered prefers the real environment over dotenv values, the way
// godotenv.Load never overrides variables that are already set.
func layered(env func(string) (string, bool), dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}
