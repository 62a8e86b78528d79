package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/onebot/internal/config"
	"github.com/harun/onebot/internal/observability"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const masked = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as YAML with secrets masked",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Run the interactive configuration wizard",
	Long: `Run an interactive configuration wizard that asks for the role,
its first transport and the log level, then writes the config file.`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(maskSecrets(cfg)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	observability.RecordConfigAudit(context.Background(), "config_created", "cli", map[string]interface{}{
		"path": path,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Start it with: onebot run app  (or: onebot run impl)")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return masked
}

// maskSecrets returns a copy of cfg with tokens and secrets replaced
func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg

	out.App.WSClients = append([]config.WSClientConfig(nil), cfg.App.WSClients...)
	for i := range out.App.WSClients {
		out.App.WSClients[i].AccessToken = mask(out.App.WSClients[i].AccessToken)
	}
	out.App.WSServers = maskServers(cfg.App.WSServers)
	out.App.HTTPClients = append([]config.HTTPClientConfig(nil), cfg.App.HTTPClients...)
	for i := range out.App.HTTPClients {
		out.App.HTTPClients[i].AccessToken = mask(out.App.HTTPClients[i].AccessToken)
	}
	out.App.WebhookServers = append([]config.WebhookServerConfig(nil), cfg.App.WebhookServers...)
	for i := range out.App.WebhookServers {
		out.App.WebhookServers[i].AccessToken = mask(out.App.WebhookServers[i].AccessToken)
		out.App.WebhookServers[i].Secret = mask(out.App.WebhookServers[i].Secret)
	}

	out.Impl.WSServers = maskServers(cfg.Impl.WSServers)
	out.Impl.HTTPServers = maskServers(cfg.Impl.HTTPServers)
	out.Impl.WSClients = append([]config.WSClientConfig(nil), cfg.Impl.WSClients...)
	for i := range out.Impl.WSClients {
		out.Impl.WSClients[i].AccessToken = mask(out.Impl.WSClients[i].AccessToken)
	}
	out.Impl.Webhooks = append([]config.WebhookClientConfig(nil), cfg.Impl.Webhooks...)
	for i := range out.Impl.Webhooks {
		out.Impl.Webhooks[i].AccessToken = mask(out.Impl.Webhooks[i].AccessToken)
		out.Impl.Webhooks[i].Secret = mask(out.Impl.Webhooks[i].Secret)
	}
	return &out
}

func maskServers(servers []config.ServerConfig) []config.ServerConfig {
	out := append([]config.ServerConfig(nil), servers...)
	for i := range out {
		out[i].AccessToken = mask(out[i].AccessToken)
	}
	return out
}
