// Package config loads broker configuration files.
//
// A configuration names the metadata store and asset registry backends, the
// root map used to relocate external files, handler aliases and the datum
// cache. Relative paths in a file are resolved against the directory that
// holds the file, never against the process working directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/databroker/internal/cache"
)

// SupportedVersions lists the component versions this build understands.
var SupportedVersions = []int{1}

// Config is a resolved broker configuration.
type Config struct {
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	MetadataStore MDSConfig         `yaml:"metadatastore" json:"metadatastore"`
	Assets        AssetsConfig      `yaml:"assets" json:"assets"`
	RootMap       map[string]string `yaml:"root_map,omitempty" json:"root_map,omitempty"`
	Handlers      map[string]string `yaml:"handlers,omitempty" json:"handlers,omitempty"`
	Cache         CacheConfig       `yaml:"cache" json:"cache"`

	// Path is the absolute path of the file the config was loaded from,
	// empty when parsed from bytes.
	Path string `yaml:"-" json:"path,omitempty"`
}

// MDSConfig selects the metadata store backend.
type MDSConfig struct {
	Backend string      `yaml:"backend" json:"backend"`
	Version int         `yaml:"version" json:"version"`
	Config  MDSSettings `yaml:"config" json:"config"`
}

// MDSSettings are the backend specific metadata store settings.
type MDSSettings struct {
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty"`
	Timezone  string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	URL       string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Location returns the configured timezone, time.Local when unset.
func (m MDSConfig) Location() (*time.Location, error) {
	if m.Config.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(m.Config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("metadatastore timezone %q: %w", m.Config.Timezone, err)
	}
	return loc, nil
}

// AssetsConfig selects the asset registry backend.
type AssetsConfig struct {
	Backend string         `yaml:"backend" json:"backend"`
	Version int            `yaml:"version" json:"version"`
	Config  AssetsSettings `yaml:"config" json:"config"`
}

// AssetsSettings are the asset registry settings. An empty DBPath keeps the
// registry in memory.
type AssetsSettings struct {
	DBPath string `yaml:"dbpath,omitempty" json:"dbpath,omitempty"`
}

// CacheConfig configures the datum cache.
type CacheConfig struct {
	Backend string            `yaml:"backend" json:"backend"`
	MaxSize int               `yaml:"max_size" json:"max_size"`
	TTL     time.Duration     `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Redis   cache.RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// Options converts the cache section to cache.Options.
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		Backend: c.Backend,
		MaxSize: c.MaxSize,
		TTL:     c.TTL,
		Redis:   c.Redis,
	}
}

// Load reads, validates and resolves the config file at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(abs))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	// #nosec G304 -- configuration file paths are provided by the operator
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	cfg.Path = abs
	return cfg, nil
}

// Parse decodes a config from data and resolves relative paths against
// baseDir (the working directory when empty).
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg, err := decodeStrict(data)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := checkVersions(cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.MetadataStore.Location(); err != nil {
		return nil, err
	}

	if baseDir == "" {
		if baseDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	if baseDir, err = filepath.Abs(baseDir); err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := resolvePaths(cfg, baseDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MetadataStore.Backend == "" {
		cfg.MetadataStore.Backend = "memory"
	}
	if cfg.MetadataStore.Version == 0 {
		cfg.MetadataStore.Version = 1
	}
	if cfg.Assets.Backend == "" {
		cfg.Assets.Backend = "sqlite"
	}
	if cfg.Assets.Version == 0 {
		cfg.Assets.Version = 1
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = cache.BackendMemory
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = cache.DefaultMaxSize
	}
	if cfg.RootMap == nil {
		cfg.RootMap = map[string]string{}
	}
	if cfg.Handlers == nil {
		cfg.Handlers = map[string]string{}
	}
}

func checkVersions(cfg *Config) error {
	if err := CheckVersion("metadatastore", cfg.MetadataStore.Version); err != nil {
		return err
	}
	return CheckVersion("assets", cfg.Assets.Version)
}

// CheckVersion returns a *VersionError when version is not supported.
func CheckVersion(component string, version int) error {
	for _, v := range SupportedVersions {
		if v == version {
			return nil
		}
	}
	return &VersionError{Component: component, Requested: version, Supported: SupportedVersions}
}

// resolvePaths makes every path in cfg absolute relative to baseDir. Root
// map keys are never rewritten.
func resolvePaths(cfg *Config, baseDir string) error {
	resolved := make(map[string]string, len(cfg.RootMap))
	for from, to := range cfg.RootMap {
		if to == "" {
			return fmt.Errorf("root_map[%q]: empty path", from)
		}
		resolved[from] = resolve(baseDir, to)
	}
	cfg.RootMap = resolved

	if dir := cfg.MetadataStore.Config.Directory; dir != "" {
		cfg.MetadataStore.Config.Directory = resolve(baseDir, dir)
	}
	if db := cfg.Assets.Config.DBPath; db != "" && db != ":memory:" {
		cfg.Assets.Config.DBPath = resolve(baseDir, db)
	}
	return nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
