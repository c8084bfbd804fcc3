// Package config loads the batch configuration from config/config.toml and
// normalizes it the same way regardless of where a value came from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rust4c/c2rust-agent-sub001/internal/discovery"
	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

const (
	DefaultConcurrency  = 1
	DefaultMaxAttempts  = retry.DefaultMaxAttempts
	DefaultRetryBackoff = retry.DefaultBackoff
	DefaultHistoryPath  = ".c2rust-agent/history.db"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// SearchPaths are tried in order when no explicit config path is given.
var SearchPaths = []string{
	"config/config.toml",
	"../config/config.toml",
	"../../config/config.toml",
}

var (
	DefaultTransform = []string{"c2rust", "transpile", "--output-dir", "{output}", "{sources}"}
	DefaultVerify    = []string{"cargo", "check", "--quiet"}
)

// Duration decodes TOML strings such as "1500ms" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	MaxRetryAttempts int      `toml:"max_retry_attempts"`
	ConcurrentLimit  int      `toml:"concurrent_limit"`
	RetryBackoff     Duration `toml:"retry_backoff"`
	BackoffStrategy  string   `toml:"backoff_strategy"`
	MaxBackoff       Duration `toml:"max_backoff"`
	// AttemptTimeout bounds one pipeline attempt; zero disables it.
	AttemptTimeout Duration `toml:"attempt_timeout"`

	Discovery DiscoveryConfig `toml:"discovery"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Log       LogConfig       `toml:"log"`
	History   HistoryConfig   `toml:"history"`
	Metrics   MetricsConfig   `toml:"metrics"`

	// Source is the file the config was read from, empty for defaults.
	Source string `toml:"-"`
}

type DiscoveryConfig struct {
	Extensions []string `toml:"extensions"`
	Categories []string `toml:"categories"`
}

type PipelineConfig struct {
	Transform    []string `toml:"transform"`
	Verify       []string `toml:"verify"`
	Repair       []string `toml:"repair"`
	RepairRounds int      `toml:"repair_rounds"`
	OutputDir    string   `toml:"output_dir"`
	LogDir       string   `toml:"log_dir"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type HistoryConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

func Default() Config {
	return Normalize(Config{RetryBackoff: Duration{DefaultRetryBackoff}})
}

// Normalize fills defaults for unset or out-of-range values.
func Normalize(raw Config) Config {
	norm := raw
	switch {
	case norm.MaxRetryAttempts < 0:
		norm.MaxRetryAttempts = 1
	case norm.MaxRetryAttempts == 0:
		norm.MaxRetryAttempts = DefaultMaxAttempts
	}
	if norm.ConcurrentLimit <= 0 {
		norm.ConcurrentLimit = DefaultConcurrency
	}
	if norm.RetryBackoff.Duration < 0 {
		norm.RetryBackoff.Duration = 0
	}
	norm.BackoffStrategy = retry.NormalizeStrategy(norm.BackoffStrategy)
	if norm.MaxBackoff.Duration < 0 {
		norm.MaxBackoff.Duration = 0
	}
	if norm.AttemptTimeout.Duration < 0 {
		norm.AttemptTimeout.Duration = 0
	}

	if len(norm.Discovery.Extensions) == 0 {
		norm.Discovery.Extensions = append([]string(nil), discovery.DefaultExtensions...)
	}
	if norm.Discovery.Categories == nil {
		norm.Discovery.Categories = append([]string(nil), discovery.DefaultCategories...)
	}

	if len(norm.Pipeline.Transform) == 0 {
		norm.Pipeline.Transform = append([]string(nil), DefaultTransform...)
	}
	if len(norm.Pipeline.Verify) == 0 {
		norm.Pipeline.Verify = append([]string(nil), DefaultVerify...)
	}
	if norm.Pipeline.RepairRounds < 0 || len(norm.Pipeline.Repair) == 0 {
		norm.Pipeline.RepairRounds = 0
	}
	if strings.TrimSpace(norm.Pipeline.OutputDir) == "" {
		norm.Pipeline.OutputDir = discovery.DefaultOutputDirName
	}

	norm.Log.Level = normalizeChoice(norm.Log.Level, DefaultLogLevel, "debug", "info", "warn", "error")
	norm.Log.Format = normalizeChoice(norm.Log.Format, DefaultLogFormat, "text", "json")

	if strings.TrimSpace(norm.History.Path) == "" {
		norm.History.Path = DefaultHistoryPath
	}
	norm.Metrics.Addr = strings.TrimSpace(norm.Metrics.Addr)
	return norm
}

func normalizeChoice(raw, fallback string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}

// Load reads path, or the first existing SearchPaths entry when path is
// empty. A missing default file yields Default(); a missing explicit file is
// an error.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		for _, candidate := range SearchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s not found", path)
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes TOML data; source is recorded for messages only.
func Parse(source string, data []byte) (Config, error) {
	var raw Config
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", source, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("parse config %s: unknown keys: %s", source, strings.Join(keys, ", "))
	}
	// An explicit non-positive attempt limit means a single attempt; only an
	// absent key takes the default.
	if md.IsDefined("max_retry_attempts") && raw.MaxRetryAttempts <= 0 {
		raw.MaxRetryAttempts = 1
	}
	if !md.IsDefined("retry_backoff") {
		raw.RetryBackoff.Duration = DefaultRetryBackoff
	}
	raw.Source = filepath.Clean(source)
	return Normalize(raw), nil
}

// RetryPolicy builds the policy used by every job runner of a batch.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxRetryAttempts,
		Backoff:     c.RetryBackoff.Duration,
		Strategy:    c.BackoffStrategy,
		MaxBackoff:  c.MaxBackoff.Duration,
	}
}

func (c Config) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		Extensions: c.Discovery.Extensions,
		Categories: c.Discovery.Categories,
		SkipDirs:   []string{c.Pipeline.OutputDir},
	}
}

func FirstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
