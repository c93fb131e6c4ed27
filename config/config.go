// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/reglet-dev/reglet-graph/capability/gatekeeper"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// D returns the duration as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Components ComponentsConfig `yaml:"components"`
	Grants     GrantsConfig     `yaml:"grants"`
	Host       HostConfig       `yaml:"host"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Cache      CacheConfig      `yaml:"cache"`
	Engine     EngineConfig     `yaml:"engine"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ComponentsConfig locates component binaries.
type ComponentsConfig struct {
	// Root of the filesystem repository.
	Root string `yaml:"root"`
	// Pull lists OCI references fetched into Root before a run.
	Pull []string `yaml:"pull,omitempty"`
	// PlainHTTP talks to OCI registries without TLS.
	PlainHTTP bool `yaml:"plain_http,omitempty"`
}

// GrantsConfig controls capability approval.
type GrantsConfig struct {
	Path          string `yaml:"path"`
	SecurityLevel string `yaml:"security_level"`
	// Interactive prompts on a terminal for unapproved capabilities.
	Interactive bool `yaml:"interactive"`
}

// HostConfig tunes the wazero host.
type HostConfig struct {
	CompilationCacheDir string   `yaml:"compilation_cache_dir,omitempty"`
	Timeout             Duration `yaml:"timeout"`
	HTTPTimeout         Duration `yaml:"http_timeout"`
	MaxHTTPBody         int64    `yaml:"max_http_body"`
	MaxMemoryPages      uint32   `yaml:"max_memory_pages"`
	LogBuffer           int      `yaml:"log_buffer"`
}

// CacheConfig bounds the instance cache.
type CacheConfig struct {
	MaxInstances int `yaml:"max_instances"`
}

// EngineConfig tunes graph execution.
type EngineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// SupervisorConfig tunes continuous nodes.
type SupervisorConfig struct {
	TickInterval     Duration `yaml:"tick_interval"`
	GracePeriod      Duration `yaml:"grace_period"`
	AbortPeriod      Duration `yaml:"abort_period"`
	MinRerunInterval Duration `yaml:"min_rerun_interval"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Components: ComponentsConfig{
			Root: "components",
		},
		Grants: GrantsConfig{
			Path:          defaultGrantsPath(),
			SecurityLevel: string(gatekeeper.SecurityStandard),
		},
		Host: HostConfig{
			Timeout:        Duration(30 * time.Second),
			HTTPTimeout:    Duration(30 * time.Second),
			MaxHTTPBody:    10 << 20,
			MaxMemoryPages: 4096,
			LogBuffer:      256,
		},
		Cache:  CacheConfig{MaxInstances: 64},
		Engine: EngineConfig{MaxConcurrency: 4},
		Supervisor: SupervisorConfig{
			TickInterval:     Duration(100 * time.Millisecond),
			GracePeriod:      Duration(2 * time.Second),
			AbortPeriod:      Duration(time.Second),
			MinRerunInterval: Duration(250 * time.Millisecond),
		},
	}
}

func defaultGrantsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "grants.yaml"
	}
	return filepath.Join(home, ".reglet", "grants.yaml")
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	if c.Components.Root == "" {
		errs = append(errs, errors.New("components.root is required"))
	}
	if _, err := gatekeeper.ParseSecurityLevel(c.Grants.SecurityLevel); err != nil {
		errs = append(errs, fmt.Errorf("grants.security_level: %w", err))
	}
	if c.Host.Timeout <= 0 {
		errs = append(errs, errors.New("host.timeout must be positive"))
	}
	if c.Host.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("host.http_timeout must be positive"))
	}
	if c.Host.MaxHTTPBody <= 0 {
		errs = append(errs, errors.New("host.max_http_body must be positive"))
	}
	if c.Host.MaxMemoryPages == 0 || c.Host.MaxMemoryPages > 65536 {
		errs = append(errs, errors.New("host.max_memory_pages must be 1-65536"))
	}
	if c.Cache.MaxInstances < 1 {
		errs = append(errs, errors.New("cache.max_instances must be at least 1"))
	}
	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, errors.New("engine.max_concurrency must be at least 1"))
	}
	if c.Supervisor.TickInterval <= 0 || c.Supervisor.GracePeriod <= 0 || c.Supervisor.AbortPeriod <= 0 {
		errs = append(errs, errors.New("supervisor tick_interval, grace_period and abort_period must be positive"))
	}
	if c.Supervisor.MinRerunInterval < 0 {
		errs = append(errs, errors.New("supervisor.min_rerun_interval must not be negative"))
	}
	return errors.Join(errs...)
}
