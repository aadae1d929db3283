package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	projectConfig := `{
		// comments are allowed
		"model": "anthropic/claude-sonnet-4-20250514",
		"maxIterations": 4,
		"provider": {
			"anthropic": {
				"apiKey": "sk-ant-test123"
			}
		},
		"persona": {
			"helper": {
				"prompt": "You are helpful.",
				"tools": ["clock"]
			}
		},
		"session": {
			"idleTTLSeconds": 120
		},
		"server": {
			"port": 9090
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "chatrelay.jsonc"), []byte(projectConfig), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", cfg.Model)
	assert.Equal(t, 4, cfg.MaxIterations)
	assert.Equal(t, "sk-ant-test123", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "You are helpful.", cfg.Persona["helper"].Prompt)
	assert.Equal(t, []string{"clock"}, cfg.Persona["helper"].Tools)
	assert.Equal(t, 120, cfg.Session.IdleTTLSeconds)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHATRELAY_MODEL", "")
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_CONFIG_CONTENT", "")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Model)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 4747, cfg.Server.Port)
}

func TestEnvInterpolation(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("TEST_RELAY_KEY", "from-env")

	projectConfig := `{
		"provider": {
			"openai": {
				"apiKey": "{env:TEST_RELAY_KEY}"
			}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "chatrelay.json"), []byte(projectConfig), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Provider["openai"].APIKey)
}

func TestInlineConfigContentWins(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "chatrelay.json"),
		[]byte(`{"model": "anthropic/file-model"}`), 0644))
	t.Setenv("CHATRELAY_CONFIG_CONTENT", `{"model": "openai/inline-model"}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "openai/inline-model", cfg.Model)
}

func TestEnvModelOverrideWinsOverInline(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHATRELAY_CONFIG_CONTENT", `{"model": "openai/inline-model"}`)
	t.Setenv("CHATRELAY_MODEL", "anthropic/env-model")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/env-model", cfg.Model)
}
