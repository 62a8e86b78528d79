package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envKeys are the scalar settings ONEBOT_* variables may override, e.g.
// ONEBOT_IMPL_SELF_ID. Endpoint lists only come from the file.
var envKeys = []string{
	"data_dir",
	"logging.level", "logging.file", "logging.pretty", "logging.redaction",
	"metrics.enabled", "metrics.addr",
	"tracing.enabled", "tracing.service_name", "tracing.sample_ratio",
	"app.call_timeout", "app.duplicate_policy", "app.dedup_ttl", "app.concurrency",
	"impl.platform", "impl.self_id", "impl.impl_name", "impl.version",
	"impl.heartbeat_interval", "impl.event_buffer",
}

// Loader reads and writes one configuration file.
type Loader struct {
	configPath string
}

// NewLoader creates a loader for configPath. An empty path means
// ~/.onebot/onebot.yaml.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads the file (JSON, YAML or TOML by extension) over the defaults
// and applies ONEBOT_* overrides. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	path := l.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper(path)
	switch _, err := os.Stat(path); {
	case err == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Validated before env binding: env values are untyped strings.
		if err := ValidateSchema(v.AllSettings()); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	v.SetEnvPrefix("ONEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg in the format implied by the file extension. The file
// holds access tokens, so it is only readable by the owner.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if path == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(path)
	if cfg.DataDir != "" {
		v.Set("data_dir", cfg.DataDir)
	}
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("app", cfg.App)
	v.Set("impl", cfg.Impl)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".onebot", "onebot.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
