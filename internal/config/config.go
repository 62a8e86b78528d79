package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the main onebot configuration
type Config struct {
	// DataDir holds the pid file and audit log. Empty means ~/.onebot.
	DataDir string `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging" yaml:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics" yaml:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing" yaml:"tracing"`

	// Application role
	App AppConfig `json:"app" mapstructure:"app" yaml:"app"`

	// Implementation role
	Impl ImplConfig `json:"impl" mapstructure:"impl" yaml:"impl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" yaml:"level"`
	File      string `json:"file" mapstructure:"file" yaml:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" yaml:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" yaml:"max_age"`    // days
	Compress  bool   `json:"compress" mapstructure:"compress" yaml:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction" yaml:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty" yaml:"pretty"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr" yaml:"addr"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" yaml:"sample_ratio"` // 0 keeps every span
}

// AppConfig configures the application role.
type AppConfig struct {
	CallTimeout     int    `json:"call_timeout" mapstructure:"call_timeout" yaml:"call_timeout"` // seconds
	DuplicatePolicy string `json:"duplicate_policy" mapstructure:"duplicate_policy" yaml:"duplicate_policy"`
	DedupTTL        int    `json:"dedup_ttl" mapstructure:"dedup_ttl" yaml:"dedup_ttl"` // seconds, 0 disables
	Concurrency     int    `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`

	WSClients      []WSClientConfig      `json:"ws_clients" mapstructure:"ws_clients" yaml:"ws_clients"`
	WSServers      []ServerConfig        `json:"ws_servers" mapstructure:"ws_servers" yaml:"ws_servers"`
	HTTPClients    []HTTPClientConfig    `json:"http_clients" mapstructure:"http_clients" yaml:"http_clients"`
	WebhookServers []WebhookServerConfig `json:"webhook_servers" mapstructure:"webhook_servers" yaml:"webhook_servers"`
}

// ImplConfig configures the implementation role.
type ImplConfig struct {
	Platform          string `json:"platform" mapstructure:"platform" yaml:"platform"`
	SelfID            string `json:"self_id" mapstructure:"self_id" yaml:"self_id"`
	ImplName          string `json:"impl_name" mapstructure:"impl_name" yaml:"impl_name"`
	Version           string `json:"version" mapstructure:"version" yaml:"version"`
	HeartbeatInterval int    `json:"heartbeat_interval" mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"` // ms, 0 disables
	EventBuffer       int    `json:"event_buffer" mapstructure:"event_buffer" yaml:"event_buffer"`

	WSServers   []ServerConfig        `json:"ws_servers" mapstructure:"ws_servers" yaml:"ws_servers"`
	WSClients   []WSClientConfig      `json:"ws_clients" mapstructure:"ws_clients" yaml:"ws_clients"`
	HTTPServers []ServerConfig        `json:"http_servers" mapstructure:"http_servers" yaml:"http_servers"`
	Webhooks    []WebhookClientConfig `json:"webhooks" mapstructure:"webhooks" yaml:"webhooks"`
}

// ServerConfig is a listening endpoint
type ServerConfig struct {
	Host        string `json:"host" mapstructure:"host" yaml:"host"`
	Port        int    `json:"port" mapstructure:"port" yaml:"port"`
	Path        string `json:"path" mapstructure:"path" yaml:"path"`
	AccessToken string `json:"access_token" mapstructure:"access_token" yaml:"access_token"`
	RateLimit   int    `json:"rate_limit" mapstructure:"rate_limit" yaml:"rate_limit"` // requests per minute per host, 0 disables
}

// WSClientConfig is an outbound WebSocket endpoint
type WSClientConfig struct {
	URL               string `json:"url" mapstructure:"url" yaml:"url"`
	AccessToken       string `json:"access_token" mapstructure:"access_token" yaml:"access_token"`
	ReconnectInterval int    `json:"reconnect_interval" mapstructure:"reconnect_interval" yaml:"reconnect_interval"` // seconds
	HandshakeTimeout  int    `json:"handshake_timeout" mapstructure:"handshake_timeout" yaml:"handshake_timeout"`    // seconds
}

// HTTPClientConfig is an implementation reached over HTTP POST
type HTTPClientConfig struct {
	URL          string `json:"url" mapstructure:"url" yaml:"url"`
	AccessToken  string `json:"access_token" mapstructure:"access_token" yaml:"access_token"`
	Platform     string `json:"platform" mapstructure:"platform" yaml:"platform"`
	SelfID       string `json:"self_id" mapstructure:"self_id" yaml:"self_id"`
	Timeout      int    `json:"timeout" mapstructure:"timeout" yaml:"timeout"`                   // seconds
	PollInterval int    `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"` // ms, 0 disables
	PollLimit    int    `json:"poll_limit" mapstructure:"poll_limit" yaml:"poll_limit"`
}

// WebhookServerConfig receives pushed events
type WebhookServerConfig struct {
	Host        string `json:"host" mapstructure:"host" yaml:"host"`
	Port        int    `json:"port" mapstructure:"port" yaml:"port"`
	Path        string `json:"path" mapstructure:"path" yaml:"path"`
	AccessToken string `json:"access_token" mapstructure:"access_token" yaml:"access_token"`
	Secret      string `json:"secret" mapstructure:"secret" yaml:"secret"`
	ActionURL   string `json:"action_url" mapstructure:"action_url" yaml:"action_url"`
	RateLimit   int    `json:"rate_limit" mapstructure:"rate_limit" yaml:"rate_limit"`
}

// WebhookClientConfig pushes events to an application
type WebhookClientConfig struct {
	URL         string `json:"url" mapstructure:"url" yaml:"url"`
	AccessToken string `json:"access_token" mapstructure:"access_token" yaml:"access_token"`
	Secret      string `json:"secret" mapstructure:"secret" yaml:"secret"`
	Timeout     int    `json:"timeout" mapstructure:"timeout" yaml:"timeout"` // seconds
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "onebot",
			SampleRatio: 1,
		},
		App: AppConfig{
			CallTimeout:     30,
			DuplicatePolicy: "replace",
			DedupTTL:        300,
			Concurrency:     1,
		},
		Impl: ImplConfig{
			ImplName:          "onebot",
			Version:           "0.1.0",
			HeartbeatInterval: 5000,
			EventBuffer:       256,
		},
	}
}

// DataPath resolves the data directory
func (c *Config) DataPath() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "onebot")
	}
	return filepath.Join(home, ".onebot")
}

// String returns a JSON representation of the config
// Secrets lists every configured access token and webhook secret, for log
// redaction.
func (c *Config) Secrets() []string {
	var out []string
	add := func(values ...string) {
		for _, v := range values {
			if v != "" {
				out = append(out, v)
			}
		}
	}
	for _, s := range c.App.WSClients {
		add(s.AccessToken)
	}
	for _, s := range c.App.WSServers {
		add(s.AccessToken)
	}
	for _, s := range c.App.HTTPClients {
		add(s.AccessToken)
	}
	for _, s := range c.App.WebhookServers {
		add(s.AccessToken, s.Secret)
	}
	for _, s := range c.Impl.WSServers {
		add(s.AccessToken)
	}
	for _, s := range c.Impl.WSClients {
		add(s.AccessToken)
	}
	for _, s := range c.Impl.HTTPServers {
		add(s.AccessToken)
	}
	for _, s := range c.Impl.Webhooks {
		add(s.AccessToken, s.Secret)
	}
	return out
}

func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// ValidateApp checks that the application role has something to talk to
func (c *Config) ValidateApp() error {
	app := c.App
	if len(app.WSClients)+len(app.WSServers)+len(app.HTTPClients)+len(app.WebhookServers) == 0 {
		return fmt.Errorf("app: at least one transport must be configured")
	}
	for i, hc := range app.HTTPClients {
		if hc.Platform == "" || hc.SelfID == "" {
			return fmt.Errorf("app.http_clients[%d]: platform and self_id are required", i)
		}
	}
	return nil
}

// ValidateImpl checks the implementation role identity and transports
func (c *Config) ValidateImpl() error {
	impl := c.Impl
	if impl.Platform == "" {
		return fmt.Errorf("impl: platform is required")
	}
	if impl.SelfID == "" {
		return fmt.Errorf("impl: self_id is required")
	}
	if len(impl.WSServers)+len(impl.WSClients)+len(impl.HTTPServers)+len(impl.Webhooks) == 0 {
		return fmt.Errorf("impl: at least one transport must be configured")
	}
	return nil
}
