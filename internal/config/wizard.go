package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the role and its first transport, then logging.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== OneBot Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	role, err := w.ask("Role (app/impl) [app]: ")
	if err != nil {
		return nil, err
	}

	switch role {
	case "", "app":
		if err := w.runApp(cfg, validator); err != nil {
			return nil, err
		}
	case "impl":
		if err := w.runImpl(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	fmt.Fprintln(w.out)

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) runApp(cfg *Config, validator *Validator) error {
	for {
		url, err := w.ask("Implementation WebSocket URL (empty to listen for reverse connections): ")
		if err != nil {
			return err
		}

		if url == "" {
			port, err := w.askPort("Reverse WebSocket port [8080]: ", 8080)
			if err != nil {
				return err
			}
			token, err := w.ask("Access token (press Enter to skip): ")
			if err != nil {
				return err
			}
			cfg.App.WSServers = append(cfg.App.WSServers, ServerConfig{
				Host:        "0.0.0.0",
				Port:        port,
				Path:        "/onebot/v12",
				AccessToken: token,
			})
			break
		}

		if err := validator.ValidateURL(url, "ws", "wss"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		token, err := w.ask("Access token (press Enter to skip): ")
		if err != nil {
			return err
		}
		cfg.App.WSClients = append(cfg.App.WSClients, WSClientConfig{
			URL:               url,
			AccessToken:       token,
			ReconnectInterval: 5,
			HandshakeTimeout:  10,
		})
		break
	}

	policy, err := w.ask("Duplicate connection policy (replace/reject) [replace]: ")
	if err != nil {
		return err
	}
	if policy != "" {
		if err := validator.ValidateDuplicatePolicy(policy); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (replace)\n", err)
		} else {
			cfg.App.DuplicatePolicy = policy
		}
	}
	return nil
}

func (w *Wizard) runImpl(cfg *Config) error {
	for cfg.Impl.Platform == "" {
		platform, err := w.ask("Platform name: ")
		if err != nil {
			return err
		}
		if platform == "" {
			fmt.Fprintln(w.out, "Error: platform is required")
		}
		cfg.Impl.Platform = platform
	}
	for cfg.Impl.SelfID == "" {
		selfID, err := w.ask("Bot self id: ")
		if err != nil {
			return err
		}
		if selfID == "" {
			fmt.Fprintln(w.out, "Error: self id is required")
		}
		cfg.Impl.SelfID = selfID
	}

	port, err := w.askPort("WebSocket port [6700]: ", 6700)
	if err != nil {
		return err
	}
	token, err := w.ask("Access token (press Enter to skip): ")
	if err != nil {
		return err
	}
	cfg.Impl.WSServers = append(cfg.Impl.WSServers, ServerConfig{
		Host:        "0.0.0.0",
		Port:        port,
		Path:        "/",
		AccessToken: token,
	})
	return nil
}

func (w *Wizard) askPort(prompt string, def int) (int, error) {
	for {
		answer, err := w.ask(prompt)
		if err != nil {
			return 0, err
		}
		if answer == "" {
			return def, nil
		}
		port, err := strconv.Atoi(answer)
		if err == nil && port > 0 && port <= 65535 {
			return port, nil
		}
		fmt.Fprintf(w.out, "Error: invalid port %q\n", answer)
	}
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	return w.readLine()
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
