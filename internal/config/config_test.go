package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[panel]
hub_url = "ws://hub.internal/hub"
username = "ana"
email = "ana@corp.example"

[timing]
reconnect_delays = ["0s", "1s"]
max_reconnect_attempts = 4
typing_idle = "1500ms"

[features]
dedup_messages = true

[hub]
addr = ":9999"

[[hub.users]]
username = "ana"
email = "ana@corp.example"
display_name = "Ana"
calendar = "2"

[[hub.users]]
username = "bob"
email = "bob@corp.example"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.Timing.ReconnectDelays)
	assert.Equal(t, 60*time.Second, cfg.Timing.PresenceInterval)
	assert.Equal(t, 2*time.Second, cfg.Timing.TypingIdle)
	assert.Equal(t, 3*time.Second, cfg.Timing.RemoteTypingTimeout)
	assert.Equal(t, 0, cfg.Timing.MaxReconnectAttempts)
	assert.False(t, cfg.Features.ResyncOnlineOnReconnect)
	assert.False(t, cfg.Features.DedupMessages)
	assert.Equal(t, 50, cfg.Features.HistoryLimit)
	assert.Equal(t, "PresencePanel", cfg.Panel.Source)

	assert.EqualError(t, cfg.Validate(), "panel.email is required")
}

func TestFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("PRESENCE_PANEL_DISPLAY_NAME", "Ana Perez")
	t.Setenv("PRESENCE_FEATURES_HISTORY_LIMIT", "10")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateHub())

	assert.Equal(t, "ws://hub.internal/hub", cfg.Panel.HubURL)
	assert.Equal(t, "Ana Perez", cfg.Panel.DisplayName)
	assert.Equal(t, []time.Duration{0, time.Second}, cfg.Timing.ReconnectDelays)
	assert.Equal(t, 4, cfg.Timing.MaxReconnectAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timing.TypingIdle)
	assert.True(t, cfg.Features.DedupMessages)
	assert.Equal(t, 10, cfg.Features.HistoryLimit)

	require.Len(t, cfg.Hub.Users, 2)
	assert.Equal(t, "2", cfg.Hub.Users[0].Calendar)
	assert.Equal(t, ":9999", cfg.Hub.Addr)
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateHubRejectsDuplicates(t *testing.T) {
	cfg := &Config{Hub: Hub{Addr: ":1", Users: []HubUser{{Username: "Bob"}, {Username: "bob"}}}}
	assert.ErrorContains(t, cfg.ValidateHub(), "duplicate")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "panel.hub_url", envKey("PRESENCE_PANEL_HUB_URL"))
	assert.Equal(t, "timing.max_reconnect_attempts", envKey("PRESENCE_TIMING_MAX_RECONNECT_ATTEMPTS"))
}
