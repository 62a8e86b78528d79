package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/onebot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appConfigYAML = `app:
  ws_clients:
    - url: ws://127.0.0.1:6700
      access_token: super-secret-token
  webhook_servers:
    - port: 8080
      secret: hmac-secret
`

func TestConfigShowMasksSecrets(t *testing.T) {
	path, _ := writeConfig(t, appConfigYAML)

	out, err := execute(t, "", "config", "show", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "ws://127.0.0.1:6700")
	assert.Contains(t, out, masked)
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "hmac-secret")
}

func TestMaskSecretsLeavesOriginal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Impl.Webhooks = []config.WebhookClientConfig{{URL: "http://x", Secret: "s"}}
	cfg.Impl.WSServers = []config.ServerConfig{{Port: 6700}}

	out := maskSecrets(cfg)
	assert.Equal(t, masked, out.Impl.Webhooks[0].Secret)
	assert.Equal(t, "", out.Impl.WSServers[0].AccessToken)
	assert.Equal(t, "s", cfg.Impl.Webhooks[0].Secret)
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t, appConfigYAML)
	out, err := execute(t, "", "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	bad, _ := writeConfig(t, "app:\n  duplicate_policy: newest\n")
	_, err = execute(t, "", "config", "validate", "--config", bad)
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.yaml")

	out, err := execute(t, "impl\nqq\n10001\n6700\n\n\n", "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to")

	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qq", cfg.Impl.Platform)
	assert.Equal(t, "10001", cfg.Impl.SelfID)
	require.Len(t, cfg.Impl.WSServers, 1)
	assert.Equal(t, 6700, cfg.Impl.WSServers[0].Port)

	_, err = execute(t, "impl\n", "config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
