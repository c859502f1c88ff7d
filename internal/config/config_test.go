package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_AUTH", "token-123456")
	t.Setenv("CHAT_MODEL", "m1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://noname.chat/socket.io/", cfg.ServerURL)
	assert.Equal(t, "http://127.0.0.1:8001/api/chat", cfg.GatewayURL)
	assert.Equal(t, 20, cfg.MaxDialogs)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1, cfg.MaxRestoreAttempts)
	assert.Equal(t, 15*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, 30*time.Second, cfg.SearchTimeout)
	assert.Equal(t, Range{Min: 10 * time.Second, Max: 30 * time.Second}, cfg.ReconnectDelay)
	assert.Equal(t, Range{Min: 2 * time.Second, Max: 6 * time.Second}, cfg.TypingDelay)
	assert.Equal(t, "Привет", cfg.SystemGreeting)
	assert.Equal(t, "http", cfg.GatewayMode)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRequiresCredentials(t *testing.T) {
	setCoreEnvEmpty(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_AUTH")

	t.Setenv("CHAT_AUTH", "token")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_MODEL")
}

func TestLoadRejectsPlaceholders(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_AUTH", "{-Variable.chatAuth-}")
	t.Setenv("CHAT_MODEL", "m1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_AUTH", "token")
	t.Setenv("CHAT_MODEL", "m1")
	t.Setenv("TYPING_DELAY", "1s,3s")
	t.Setenv("RECONNECT_DELAY", "500ms-750ms")
	t.Setenv("MAX_DIALOGS", "3")
	t.Setenv("GATEWAY_MODE", "MOCK")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Range{Min: time.Second, Max: 3 * time.Second}, cfg.TypingDelay)
	assert.Equal(t, Range{Min: 500 * time.Millisecond, Max: 750 * time.Millisecond}, cfg.ReconnectDelay)
	assert.Equal(t, 3, cfg.MaxDialogs)
	assert.Equal(t, "mock", cfg.GatewayMode)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"TYPING_DELAY":     "6s-2s",
		"MAX_DIALOGS":      "0",
		"SEARCH_TIMEOUT":   "soon",
		"GATEWAY_MODE":     "grpc",
		"LOG_FORMAT":       "xml",
		"SEARCH_LIMIT_MAX": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("CHAT_AUTH", "token")
			t.Setenv("CHAT_MODEL", "m1")
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err, "%s=%q", key, value)
		})
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "autochat.toml")
	body := strings.Join([]string{
		`chat_auth = "file-token"`,
		`chat_model = "file-model"`,
		`max_dialogs = 7`,
		`inactivity_timeout = "20s"`,
		`typing_delay = "1s-2s"`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("CHAT_MODEL", "env-model")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.ChatAuth)
	assert.Equal(t, "env-model", cfg.Model, "env overrides the file")
	assert.Equal(t, 7, cfg.MaxDialogs)
	assert.Equal(t, 20*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, Range{Min: time.Second, Max: 2 * time.Second}, cfg.TypingDelay)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadFileMissing(t *testing.T) {
	setCoreEnvEmpty(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("5s")
	require.NoError(t, err)
	assert.Equal(t, Range{Min: 5 * time.Second, Max: 5 * time.Second}, r)
	assert.Equal(t, "5s-5s", r.String())
	for _, bad := range []string{"", "x-y", "3s-1s"} {
		_, err := ParseRange(bad)
		assert.Error(t, err, "ParseRange(%q)", bad)
	}
}

func TestSettingsMaskSecrets(t *testing.T) {
	cfg := Config{ChatAuth: "abcdefghij", DatabaseURL: "postgres://bot:hunter2@db:5432/autochat"}
	values := map[string]string{}
	for _, s := range cfg.Settings() {
		values[s.Key] = s.Value
	}
	assert.Equal(t, "ab******ij", values["CHAT_AUTH"])
	assert.Equal(t, "postgres://bot:******@db:5432/autochat", values["DATABASE_URL"])
	assert.Equal(t, "******", MaskSecret("abc"))
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		FileEnv,
		"CHAT_AUTH",
		"CHAT_MODEL",
		"CHAT_SERVER_URL",
		"CHAT_FALLBACK_SERVER_URL",
		"GATEWAY_MODE",
		"GATEWAY_URL",
		"GATEWAY_FALLBACK_URL",
		"GATEWAY_TIMEOUT",
		"MAX_DIALOGS",
		"INACTIVITY_TIMEOUT",
		"SEARCH_TIMEOUT",
		"TYPING_DELAY",
		"RESPONSE_DELAY",
		"RECONNECT_DELAY",
		"REINIT_DELAY",
		"SEARCH_RETRY_DELAY",
		"CONCLUSION_DELAY",
		"GRACE_DELAY",
		"MAX_RECONNECT_ATTEMPTS",
		"MAX_RESTORE_ATTEMPTS",
		"SEARCH_LIMIT_MAX",
		"SYSTEM_GREETING",
		"APP_BIND_ADDR",
		"APP_METRICS_NAMESPACE",
		"APP_SHUTDOWN_TIMEOUT",
		"DATABASE_URL",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
