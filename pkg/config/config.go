// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbeema/ldhook/pkg/build"
)

// Config is the top-level configuration for ldhook.
type Config struct {
	LogLevel string       `yaml:"log_level" env:"LDHOOK_LOG_LEVEL"`
	Build    BuildConfig  `yaml:"build"`
	Inject   InjectConfig `yaml:"inject"`
	Events   EventsConfig `yaml:"events"`
	Export   ExportConfig `yaml:"export"`
	Status   StatusConfig `yaml:"status"`
}

// BuildConfig configures the scratch project and toolchain.
type BuildConfig struct {
	ScratchDir string   `yaml:"scratch_dir" env:"LDHOOK_SCRATCH_DIR"`
	Name       string   `yaml:"name"`
	Compiler   string   `yaml:"compiler" env:"LDHOOK_COMPILER"`
	CFlags     []string `yaml:"cflags"`
	Libs       []string `yaml:"libs"`
	Keep       int      `yaml:"keep"` // snapshots kept by `ldhook clean`
}

// InjectConfig configures preload injection.
type InjectConfig struct {
	PreloadVar string `yaml:"preload_var" env:"LDHOOK_PRELOAD_VAR"` // empty = platform default
}

// EventsConfig configures the event socket and control file.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" env:"LDHOOK_EVENTS_ENABLED"`
	Control bool `yaml:"control"` // also create a control file for `ldhook trace`
}

// ExportConfig configures where hook events go besides the ldhook log.
type ExportConfig struct {
	ServiceName   string        `yaml:"service_name"` // empty = command base name
	Stdout        StdoutConfig  `yaml:"stdout"`
	OTLP          OTLPConfig    `yaml:"otlp"`
	Redact        RedactConfig  `yaml:"redact"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StdoutConfig prints events as they are exported.
type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "json" or "text"
}

// OTLPConfig sends events as OTLP log records.
type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

// RedactConfig scrubs secrets from event bodies before export.
type RedactConfig struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []RedactRule `yaml:"rules"`
}

// RedactRule is an extra pattern on top of the built-in ones.
type RedactRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// StatusConfig serves /health, /ready and /metrics while `ldhook run` is up.
type StatusConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// Enabled reports whether any exporter is configured.
func (c ExportConfig) Enabled() bool {
	return c.Stdout.Enabled || c.OTLP.Enabled
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when set, otherwise the first default location
// that exists, otherwise the defaults with environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	candidates := []string{"ldhook.yaml", ".ldhook.yaml"}
	if home, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, "ldhook", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	def := build.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Build: BuildConfig{
			ScratchDir: def.ScratchDir,
			Name:       def.Name,
			Compiler:   def.Compiler,
			CFlags:     def.CFlags,
			Libs:       def.Libs,
			Keep:       4,
		},
		Export: ExportConfig{
			Stdout: StdoutConfig{Format: "json"},
			OTLP: OTLPConfig{
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			BatchSize:     256,
			FlushInterval: 2 * time.Second,
		},
	}
}

// BuildOptions converts to the orchestrator configuration.
func (c *Config) BuildOptions() build.Config {
	return build.Config{
		ScratchDir: c.Build.ScratchDir,
		Name:       c.Build.Name,
		Compiler:   c.Build.Compiler,
		CFlags:     c.Build.CFlags,
		Libs:       c.Build.Libs,
	}
}

// ApplyEnvOverrides reads LDHOOK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"LDHOOK_LOG_LEVEL":   func(v string) { c.LogLevel = v },
		"LDHOOK_SCRATCH_DIR": func(v string) { c.Build.ScratchDir = v },
		"LDHOOK_COMPILER":    func(v string) { c.Build.Compiler = v },
		"LDHOOK_PRELOAD_VAR": func(v string) { c.Inject.PreloadVar = v },
		"LDHOOK_CFLAGS":      func(v string) { c.Build.CFlags = strings.Fields(v) },
		"LDHOOK_STATUS_ADDR": func(v string) { c.Status.Addr = v },
		"LDHOOK_OTLP_ENDPOINT": func(v string) {
			c.Export.OTLP.Endpoint = v
			c.Export.OTLP.Enabled = true
		},
		"LDHOOK_OTLP_PROTOCOL": func(v string) { c.Export.OTLP.Protocol = v },
	}

	boolOverrides := map[string]*bool{
		"LDHOOK_EVENTS_ENABLED": &c.Events.Enabled,
		"LDHOOK_EVENTS_CONTROL": &c.Events.Control,
		"LDHOOK_OTLP_INSECURE":  &c.Export.OTLP.Insecure,
		"LDHOOK_EXPORT_STDOUT":  &c.Export.Stdout.Enabled,
		"LDHOOK_REDACT":         &c.Export.Redact.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Build.ScratchDir == "" {
		return fmt.Errorf("build.scratch_dir is required")
	}
	if !filepath.IsAbs(c.Build.ScratchDir) {
		return fmt.Errorf("build.scratch_dir must be absolute: %s", c.Build.ScratchDir)
	}
	if c.Build.Compiler == "" {
		return fmt.Errorf("build.compiler is required")
	}
	if strings.ContainsAny(c.Build.Name, "/ ") {
		return fmt.Errorf("build.name must not contain '/' or spaces")
	}
	if c.Build.Keep < 0 {
		return fmt.Errorf("build.keep must not be negative")
	}
	if strings.Contains(c.Inject.PreloadVar, "=") {
		return fmt.Errorf("inject.preload_var must be a variable name")
	}

	exp := c.Export
	if exp.OTLP.Enabled {
		if exp.OTLP.Endpoint == "" {
			return fmt.Errorf("export.otlp.endpoint is required when otlp is enabled")
		}
		if exp.OTLP.Protocol != "grpc" && exp.OTLP.Protocol != "http" {
			return fmt.Errorf("export.otlp.protocol must be grpc or http")
		}
	}
	switch exp.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("export.otlp.compression must be gzip or none")
	}
	if exp.Stdout.Enabled && exp.Stdout.Format != "json" && exp.Stdout.Format != "text" {
		return fmt.Errorf("export.stdout.format must be json or text")
	}
	if exp.BatchSize <= 0 {
		return fmt.Errorf("export.batch_size must be positive")
	}
	if exp.FlushInterval <= 0 {
		return fmt.Errorf("export.flush_interval must be positive")
	}
	for i, r := range exp.Redact.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("export.redact.rules[%d]: pattern is required", i)
		}
	}

	return nil
}
