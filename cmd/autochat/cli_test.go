package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AUTOCHAT_CONFIG_FILE", "CHAT_AUTH", "CHAT_MODEL", "CHAT_SERVER_URL",
		"CHAT_FALLBACK_SERVER_URL", "GATEWAY_MODE", "GATEWAY_URL",
		"GATEWAY_FALLBACK_URL", "DATABASE_URL", "APP_BIND_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestConfigCommandMasksToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAT_AUTH", "secret-token-value")
	t.Setenv("CHAT_MODEL", "m1")

	stdout, _, err := executeCLI(t, "config")
	require.NoError(t, err)
	assert.Contains(t, stdout, "se******ue")
	assert.NotContains(t, stdout, "secret-token-value")
	assert.Contains(t, stdout, "CHAT_MODEL")
	assert.Contains(t, stdout, "wss://noname.chat/socket.io/")
}

func TestConfigCommandReadsFileFlag(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "autochat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat_auth: file-token-1\nchat_model: file-model\n"), 0o600))

	stdout, _, err := executeCLI(t, "config", "--config", path, "--gateway", "mock")
	require.NoError(t, err)
	assert.Contains(t, stdout, "file-model")
	assert.Regexp(t, `GATEWAY_MODE\s+mock`, stdout)
}

func TestConfigCommandRejectsUnknownGateway(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAT_AUTH", "token")
	t.Setenv("CHAT_MODEL", "m1")

	_, _, err := executeCLI(t, "config", "--gateway", "carrier-pigeon")
	require.Error(t, err)
}

func TestRunRequiresCredentials(t *testing.T) {
	clearEnv(t)
	_, stderr, err := executeCLI(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_AUTH")
	assert.Empty(t, stderr, "errors are reported once, by main")
}
