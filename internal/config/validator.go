package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateDuplicatePolicy validates the duplicate BotKey policy
func (v *Validator) ValidateDuplicatePolicy(policy string) error {
	if policy == "" {
		return nil // Use default
	}

	validPolicies := []string{"replace", "reject"}
	for _, valid := range validPolicies {
		if policy == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid duplicate policy: %s (must be one of: %s)", policy, strings.Join(validPolicies, ", "))
}

// ValidateURL checks that raw is an absolute URL with one of schemes
func (v *Validator) ValidateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid url %q: scheme must be one of: %s", raw, strings.Join(schemes, ", "))
}

// ValidatePort validates a listening port. 0 picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size must be >= 0"))
	}

	// Validate app
	if err := v.ValidateDuplicatePolicy(cfg.App.DuplicatePolicy); err != nil {
		errors = append(errors, err)
	}
	if cfg.App.CallTimeout < 0 {
		errors = append(errors, fmt.Errorf("app.call_timeout must be >= 0"))
	}
	if cfg.App.DedupTTL < 0 {
		errors = append(errors, fmt.Errorf("app.dedup_ttl must be >= 0"))
	}
	for i, c := range cfg.App.WSClients {
		if err := v.ValidateURL(c.URL, "ws", "wss"); err != nil {
			errors = append(errors, fmt.Errorf("app.ws_clients[%d]: %w", i, err))
		}
	}
	for i, s := range cfg.App.WSServers {
		if err := v.ValidatePort(s.Port); err != nil {
			errors = append(errors, fmt.Errorf("app.ws_servers[%d]: %w", i, err))
		}
	}
	for i, c := range cfg.App.HTTPClients {
		if err := v.ValidateURL(c.URL, "http", "https"); err != nil {
			errors = append(errors, fmt.Errorf("app.http_clients[%d]: %w", i, err))
		}
	}
	for i, s := range cfg.App.WebhookServers {
		if err := v.ValidatePort(s.Port); err != nil {
			errors = append(errors, fmt.Errorf("app.webhook_servers[%d]: %w", i, err))
		}
		if s.ActionURL != "" {
			if err := v.ValidateURL(s.ActionURL, "http", "https"); err != nil {
				errors = append(errors, fmt.Errorf("app.webhook_servers[%d].action_url: %w", i, err))
			}
		}
	}

	// Validate impl
	if cfg.Impl.HeartbeatInterval < 0 {
		errors = append(errors, fmt.Errorf("impl.heartbeat_interval must be >= 0"))
	}
	for i, c := range cfg.Impl.WSClients {
		if err := v.ValidateURL(c.URL, "ws", "wss"); err != nil {
			errors = append(errors, fmt.Errorf("impl.ws_clients[%d]: %w", i, err))
		}
	}
	for i, s := range append(append([]ServerConfig{}, cfg.Impl.WSServers...), cfg.Impl.HTTPServers...) {
		if err := v.ValidatePort(s.Port); err != nil {
			errors = append(errors, fmt.Errorf("impl server %d: %w", i, err))
		}
	}
	for i, w := range cfg.Impl.Webhooks {
		if err := v.ValidateURL(w.URL, "http", "https"); err != nil {
			errors = append(errors, fmt.Errorf("impl.webhooks[%d]: %w", i, err))
		}
	}

	return errors
}
