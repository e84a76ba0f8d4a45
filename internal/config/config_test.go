package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reviewrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "xoxb-1"
channel = "C1"

[github]
token = "ghp-1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Slack.MaxScanned)
	assert.Equal(t, 100, cfg.Slack.LookupCacheSize)
	assert.Equal(t, 500, cfg.Engine.StoreSize)
	assert.Equal(t, 0, cfg.Engine.DebounceMS)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFileValues(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "xoxb-1"
channel = "C1"
max_scanned = 200

[github]
token = "ghp-1"
webhook_secret = "hush"

[engine]
debounce_ms = 250
keywords = ["urgent", "blocker"]

[identity]
alice = "U0ALICE"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Slack.MaxScanned)
	assert.Equal(t, 250, cfg.Engine.DebounceMS)
	assert.Equal(t, []string{"urgent", "blocker"}, cfg.Engine.Keywords)
	assert.Equal(t, "U0ALICE", cfg.Identity["alice"])
	assert.Equal(t, "hush", cfg.GitHub.WebhookSecret)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "from-file"
channel = "C1"

[github]
token = "ghp-1"
`)
	t.Setenv("REVIEWRELAY_SLACK_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Slack.Token)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "xoxb-1"
channel = "C1"

[github]
token = "ghp-1"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))

	cfg.Slack.Channel = ""
	assert.Error(t, Validate(cfg))

	cfg, _ = LoadConfig(path)
	cfg.Engine.DebounceMS = -1
	assert.Error(t, Validate(cfg))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviewrelay.toml")
	require.NoError(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))

	// Refuses to clobber an existing file.
	assert.Error(t, InitConfig(path))
}
