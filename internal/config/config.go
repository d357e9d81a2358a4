// Package config provides configuration types, defaults, loading, and
// persistence for stepchat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/stepchat/internal/flags"
	"github.com/zjrosen/stepchat/internal/handoff"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/messages"
	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// EnvPrefix prefixes environment overrides, e.g. STEPCHAT_SETTINGS_AUTH_TOKEN.
const EnvPrefix = "STEPCHAT"

// LocalConfigPath is checked before the user config directory.
const LocalConfigPath = ".stepchat/config.yaml"

// Config is the root configuration.
type Config struct {
	// Settings are the transport credentials.
	Settings workflow.Settings `mapstructure:"settings"`

	// Module selects the agent catalog entry to load.
	Module string `mapstructure:"module"`

	// AgentsFile is the YAML agent catalog.
	// Default: .stepchat/agents.yaml
	AgentsFile string `mapstructure:"agents_file"`

	Timings TimingsConfig  `mapstructure:"timings"`
	Tracing tracing.Config `mapstructure:"tracing"`

	// Flags are feature flags keyed by flags.Known names.
	Flags map[string]bool `mapstructure:"flags"`

	// Debug enables file logging at debug level.
	Debug bool `mapstructure:"debug"`
	// LogPath is the debug log file. Default: debug.log
	LogPath string `mapstructure:"log_path"`
	// LogLevel is one of debug, info, warn, error. Default: info
	LogLevel string `mapstructure:"log_level"`
}

// TimingsConfig holds every delay and bound of the routing core.
type TimingsConfig struct {
	// NavigationDebounce delays step navigation after a handoff.
	NavigationDebounce time.Duration `mapstructure:"navigation_debounce"`
	// TypingExitDelay ends typing after a reply without activity.
	TypingExitDelay time.Duration `mapstructure:"typing_exit_delay"`
	// RefreshGrace ends typing after a successful history refresh.
	RefreshGrace time.Duration `mapstructure:"refresh_grace"`
	// RefreshTimeout ends typing when the agent was not connected.
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	// SeenLimit bounds the historical seen-set; SeenTrim survives overflow.
	SeenLimit int `mapstructure:"seen_limit"`
	SeenTrim  int `mapstructure:"seen_trim"`
	// DuplicateWindow is the live de-duplication window for messages without IDs.
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

// Handoff returns the handoff manager timings.
func (t TimingsConfig) Handoff() handoff.Timings {
	return handoff.Timings{
		NavigationDebounce: t.NavigationDebounce,
		TypingExitDelay:    t.TypingExitDelay,
		RefreshGrace:       t.RefreshGrace,
		RefreshTimeout:     t.RefreshTimeout,
	}
}

// Messages returns the message store limits.
func (t TimingsConfig) Messages() messages.Config {
	return messages.Config{
		SeenLimit:       t.SeenLimit,
		SeenTrim:        t.SeenTrim,
		DuplicateWindow: t.DuplicateWindow,
	}
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		AgentsFile: filepath.Join(".stepchat", "agents.yaml"),
		Timings: TimingsConfig{
			NavigationDebounce: handoff.DefaultNavigationDebounce,
			TypingExitDelay:    handoff.DefaultTypingExitDelay,
			RefreshGrace:       handoff.DefaultRefreshGrace,
			RefreshTimeout:     handoff.DefaultRefreshTimeout,
			SeenLimit:          1000,
			SeenTrim:           500,
			DuplicateWindow:    time.Second,
		},
		Tracing:  tracing.DefaultConfig(),
		LogPath:  "debug.log",
		LogLevel: "info",
	}
}

// DefaultTracesFilePath returns ~/.config/stepchat/traces/traces.jsonl, or
// an empty string if the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "stepchat", "traces", "traces.jsonl")
}

// Validate checks the whole configuration. Missing credentials are not an
// error here: the CLI can run offline scenarios without them.
func (c Config) Validate() error {
	if err := ValidateTimings(c.Timings); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if unknown := flags.Unknown(c.Flags); len(unknown) > 0 {
		return fmt.Errorf("flags: unknown flag %q (known: %s)", unknown[0], strings.Join(flags.Known(), ", "))
	}
	return nil
}

// ValidateTimings rejects non-positive delays and inconsistent bounds.
func ValidateTimings(t TimingsConfig) error {
	for name, d := range map[string]time.Duration{
		"navigation_debounce": t.NavigationDebounce,
		"typing_exit_delay":   t.TypingExitDelay,
		"refresh_grace":       t.RefreshGrace,
		"refresh_timeout":     t.RefreshTimeout,
		"duplicate_window":    t.DuplicateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("timings.%s must be positive, got %v", name, d)
		}
	}
	if t.SeenLimit <= 0 {
		return fmt.Errorf("timings.seen_limit must be positive, got %d", t.SeenLimit)
	}
	if t.SeenTrim <= 0 || t.SeenTrim > t.SeenLimit {
		return fmt.Errorf("timings.seen_trim must be between 1 and seen_limit (%d), got %d", t.SeenLimit, t.SeenTrim)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}
	if tc.Exporter != "" && !slices.Contains(tracing.Exporters(), tc.Exporter) {
		return fmt.Errorf("tracing.exporter must be one of %s, got %q",
			strings.Join(tracing.Exporters(), ", "), tc.Exporter)
	}
	if tc.Enabled {
		if tc.Exporter == tracing.ExporterFile && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == tracing.ExporterOTLP && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// SetDefaults registers every default on v so env overrides and partial
// files resolve against them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("settings.endpoint_url", "")
	v.SetDefault("settings.auth_token", "")
	v.SetDefault("settings.tenant_id", "")
	v.SetDefault("settings.participant_id", "")
	v.SetDefault("settings.display_name", "")
	v.SetDefault("module", d.Module)
	v.SetDefault("agents_file", d.AgentsFile)
	v.SetDefault("timings.navigation_debounce", d.Timings.NavigationDebounce)
	v.SetDefault("timings.typing_exit_delay", d.Timings.TypingExitDelay)
	v.SetDefault("timings.refresh_grace", d.Timings.RefreshGrace)
	v.SetDefault("timings.refresh_timeout", d.Timings.RefreshTimeout)
	v.SetDefault("timings.seen_limit", d.Timings.SeenLimit)
	v.SetDefault("timings.seen_trim", d.Timings.SeenTrim)
	v.SetDefault("timings.duplicate_window", d.Timings.DuplicateWindow)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_path", d.LogPath)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads the configuration into v. explicit, when set, is the only file
// considered. Otherwise .stepchat/config.yaml and then
// ~/.config/stepchat/config.yaml are tried, and a default file is written
// to .stepchat/config.yaml when neither exists. Returns the file used.
func Load(v *viper.Viper, explicit string) (Config, string, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else if _, err := os.Stat(LocalConfigPath); err == nil {
		v.SetConfigFile(LocalConfigPath)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "stepchat"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("reading config: %w", err)
		}
		// No config file anywhere: create the local default and continue
		// with defaults if that fails.
		if writeErr := WriteDefaultConfig(LocalConfigPath); writeErr == nil {
			v.SetConfigFile(LocalConfigPath)
			_ = v.ReadInConfig()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = DefaultTracesFilePath()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", fmt.Errorf("invalid config: %w", err)
	}
	log.Debug(log.CatConfig, "config loaded", "path", v.ConfigFileUsed(), "module", cfg.Module)
	return cfg, v.ConfigFileUsed(), nil
}

// LoadFile reads one config file with a fresh viper instance. Used when
// the watcher reports a change.
func LoadFile(path string) (Config, error) {
	cfg, _, err := Load(viper.New(), path)
	return cfg, err
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# stepchat configuration

# Transport credentials. All four are required to connect.
settings:
  endpoint_url: ""
  auth_token: ""        # or STEPCHAT_SETTINGS_AUTH_TOKEN
  tenant_id: ""
  participant_id: ""
  # display_name: ""    # cosmetic, never forces a reconnect

# Agent catalog module to load
module: ""

# Agent catalog file (modules -> agents)
agents_file: .stepchat/agents.yaml

# Routing core delays and bounds
timings:
  navigation_debounce: 800ms
  typing_exit_delay: 1s
  refresh_grace: 1500ms
  refresh_timeout: 2s
  seen_limit: 1000
  seen_trim: 500
  duplicate_window: 1s

# Distributed tracing
tracing:
  enabled: false
  exporter: file        # none, file, stdout, otlp, memory
  # file_path: ~/.config/stepchat/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Feature flags
# flags:
#   manual-navigation: true   # handoffs refresh history but never navigate
#   strict-routing: true      # drop messages whose routing key backs no step

# Debug logging
debug: false
log_path: debug.log
log_level: info
`
}

// WriteDefaultConfig creates a config file with default settings.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
