// Package config loads the lazyvisor TOML configuration with viper.
//
// Durations accept Go duration strings ("30s") or plain numbers, which are
// read as seconds. Every key can be overridden from the environment with the
// LAZYVISOR_ prefix, dots replaced by underscores (LAZYVISOR_LOG_LEVEL).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/lazyvisor/internal/env"
	"github.com/loykin/lazyvisor/internal/logger"
	"github.com/loykin/lazyvisor/internal/process"
	ltls "github.com/loykin/lazyvisor/internal/tls"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "LAZYVISOR"

// Defaults for the global settings.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultGracePeriod       = 10 * time.Second
	DefaultReapInterval      = 30 * time.Second
	DefaultReadinessDelay    = 500 * time.Millisecond
	DefaultInterruptWait     = 2 * time.Second
	DefaultKillWait          = 2 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultListen            = "127.0.0.1:7071"
	DefaultBasePath          = "/api"
	DefaultMetricsListen     = ":9109"
)

// Config is the decoded configuration file.
type Config struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	ReadinessDelay    time.Duration `mapstructure:"readiness_delay"`
	InterruptWait     time.Duration `mapstructure:"interrupt_wait"`
	KillWait          time.Duration `mapstructure:"kill_wait"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	MetricsFile string   `mapstructure:"metrics_file"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	UseOSEnv    bool     `mapstructure:"use_os_env"`

	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`

	// Definitions holds the valid [[servers]] entries, sorted by name.
	Definitions []process.Definition `mapstructure:"-"`
	// Problems lists entries and values that were skipped or defaulted.
	Problems []*ConfigError `mapstructure:"-"`

	globalEnv []string
}

// ServerConfig is the daemon HTTP API. An empty Listen disables it.
type ServerConfig struct {
	Listen   string      `mapstructure:"listen" validate:"omitempty,hostname_port"`
	BasePath string      `mapstructure:"base_path" validate:"omitempty,startswith=/"`
	TLS      ltls.Config `mapstructure:"tls"`
}

// MetricsConfig is the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// HistoryConfig lists lifecycle event sink DSNs.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks" validate:"dive,required"`
}

// ServerEntry is one [[servers]] table.
type ServerEntry struct {
	Name              string            `mapstructure:"name" validate:"required,servername"`
	Command           string            `mapstructure:"command" validate:"required"`
	Args              []string          `mapstructure:"args"`
	WorkDir           string            `mapstructure:"work_dir"`
	Env               []string          `mapstructure:"env"`
	InactivityTimeout time.Duration     `mapstructure:"inactivity_timeout" validate:"gte=0"`
	GracePeriod       time.Duration     `mapstructure:"grace_period" validate:"gte=0"`
	Log               logger.FileConfig `mapstructure:"log"`
}

// ConfigError describes a value that could not be used. Server entries with
// a ConfigError are not managed; global values fall back to their default.
type ConfigError struct {
	Server string // empty for global settings
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Server != "" && e.Field != "":
		return fmt.Sprintf("config: server %q: %s: %v", e.Server, e.Field, e.Err)
	case e.Server != "":
		return fmt.Sprintf("config: server %q: %v", e.Server, e.Err)
	default:
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

var durationDefaults = map[string]time.Duration{
	"inactivity_timeout": DefaultInactivityTimeout,
	"grace_period":       DefaultGracePeriod,
	"reap_interval":      DefaultReapInterval,
	"readiness_delay":    DefaultReadinessDelay,
	"interrupt_wait":     DefaultInterruptWait,
	"kill_wait":          DefaultKillWait,
	"shutdown_timeout":   DefaultShutdownTimeout,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		InactivityTimeout: DefaultInactivityTimeout,
		GracePeriod:       DefaultGracePeriod,
		ReapInterval:      DefaultReapInterval,
		ReadinessDelay:    DefaultReadinessDelay,
		InterruptWait:     DefaultInterruptWait,
		KillWait:          DefaultKillWait,
		ShutdownTimeout:   DefaultShutdownTimeout,
		UseOSEnv:          true,
		Log:               logger.Config{Level: "info", Format: logger.FormatText},
		Server:            ServerConfig{Listen: DefaultListen, BasePath: DefaultBasePath},
		Metrics:           MetricsConfig{Listen: DefaultMetricsListen},
	}
	return c
}

func setDefaults(v *viper.Viper) {
	for k, d := range durationDefaults {
		v.SetDefault(k, d.String())
	}
	v.SetDefault("metrics_file", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
}

// Load reads the TOML file at path. A missing or unparseable file is an
// error; invalid values inside it are reported through Config.Problems and
// logged as warnings.
func Load(path string, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		return nil, errors.New("config: no file given")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(v, log)
}

func decode(v *viper.Viper, log *slog.Logger) (*Config, error) {
	var problems []*ConfigError
	warn := func(ce *ConfigError) {
		problems = append(problems, ce)
		log.Warn("configuration problem", "error", ce.Error())
	}

	// bad durations fall back before the whole document is decoded
	for key, def := range durationDefaults {
		d, err := ParseDuration(v.Get(key))
		if err == nil && d <= 0 {
			err = errors.New("must be positive")
		}
		if err != nil {
			warn(&ConfigError{Field: key, Err: fmt.Errorf("%w, using default %s", err, def)})
			v.Set(key, def.String())
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	validate := newValidator()
	def := Default()
	if err := validate.Struct(cfg.Log); err != nil {
		warn(&ConfigError{Field: "log", Err: err})
		cfg.Log.Level, cfg.Log.Format = def.Log.Level, def.Log.Format
	}
	if err := validate.Struct(cfg.Server); err != nil {
		warn(&ConfigError{Field: "server", Err: err})
		cfg.Server.Listen, cfg.Server.BasePath = def.Server.Listen, def.Server.BasePath
	}
	if err := validate.Struct(cfg.Server.TLS); err != nil {
		warn(&ConfigError{Field: "server.tls", Err: err})
		cfg.Server.TLS = ltls.Config{}
	}
	if err := validate.Struct(cfg.Metrics); err != nil {
		warn(&ConfigError{Field: "metrics", Err: err})
		cfg.Metrics.Listen = def.Metrics.Listen
	}
	if err := validate.Struct(cfg.History); err != nil {
		warn(&ConfigError{Field: "history", Err: err})
		cfg.History.Sinks = nonEmpty(cfg.History.Sinks)
	}
	cfg.Server.BasePath = strings.TrimRight(cfg.Server.BasePath, "/")

	cfg.globalEnv = loadGlobalEnv(cfg, warn)
	cfg.Definitions = decodeServers(v.Get("servers"), cfg, validate, warn)
	cfg.Problems = problems
	return cfg, nil
}

func loadGlobalEnv(cfg *Config, warn func(*ConfigError)) []string {
	var out []string
	for _, p := range cfg.EnvFiles {
		pairs, err := env.LoadFile(p)
		if err != nil {
			warn(&ConfigError{Field: "env_files", Err: err})
			continue
		}
		out = append(out, pairs...)
	}
	// the inline list wins over files
	return append(out, cfg.Env...)
}

func decodeServers(raw any, cfg *Config, validate *validator.Validate, warn func(*ConfigError)) []process.Definition {
	items, ok := raw.([]any)
	if raw != nil && !ok {
		if maps, isMaps := raw.([]map[string]any); isMaps {
			for _, m := range maps {
				items = append(items, m)
			}
		} else {
			warn(&ConfigError{Field: "servers", Err: errors.New("must be an array of tables")})
			return nil
		}
	}

	seen := make(map[string]bool, len(items))
	out := make([]process.Definition, 0, len(items))
	for i, item := range items {
		var e ServerEntry
		if err := decodeEntry(item, &e); err != nil {
			warn(&ConfigError{Server: entryLabel(item, i), Err: err})
			continue
		}
		if err := validate.Struct(e); err != nil {
			warn(&ConfigError{Server: labelOr(e.Name, i), Err: err})
			continue
		}
		if seen[e.Name] {
			warn(&ConfigError{Server: e.Name, Err: errors.New("duplicate name, entry skipped")})
			continue
		}
		seen[e.Name] = true
		out = append(out, cfg.definition(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func decodeEntry(item any, e *ServerEntry) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHooks(),
		Result:           e,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(item)
}

func (c *Config) definition(e ServerEntry) process.Definition {
	log := e.Log
	if !log.Enabled() && c.Log.File.Dir != "" {
		log.Dir = c.Log.File.Dir
	}
	if log.MaxSizeMB == 0 {
		log.MaxSizeMB = c.Log.File.MaxSizeMB
	}
	if log.MaxBackups == 0 {
		log.MaxBackups = c.Log.File.MaxBackups
	}
	if log.MaxAgeDays == 0 {
		log.MaxAgeDays = c.Log.File.MaxAgeDays
	}
	log.Compress = log.Compress || c.Log.File.Compress
	log.Path = ""
	return process.Definition{
		Name:              e.Name,
		Executable:        e.Command,
		Args:              append([]string(nil), e.Args...),
		WorkDir:           e.WorkDir,
		Env:               append([]string(nil), e.Env...),
		Log:               log,
		InactivityTimeout: e.InactivityTimeout,
		GracePeriod:       e.GracePeriod,
	}
}

// Environment returns the environment layers shared by every server.
func (c *Config) Environment() *env.Env {
	return env.New(c.UseOSEnv, c.globalEnv)
}

// Definition returns the definition for name.
func (c *Config) Definition(name string) (process.Definition, bool) {
	for _, d := range c.Definitions {
		if d.Name == name {
			return d, true
		}
	}
	return process.Definition{}, false
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("servername", func(fl validator.FieldLevel) bool {
		return process.ValidName(fl.Field().String())
	})
	return v
}

func entryLabel(item any, i int) string {
	if m, ok := item.(map[string]any); ok {
		if n, ok := m["name"].(string); ok && n != "" {
			return n
		}
	}
	return fmt.Sprintf("#%d", i)
}

func labelOr(name string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("#%d", i)
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
