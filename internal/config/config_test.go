package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	addr, err := cfg.Server.Addr()
	require.NoError(t, err)
	assert.Equal(t, ":8000", addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Development)

	assert.Equal(t, BackendFake, cfg.Engine.Backend)
	assert.Equal(t, 5, cfg.Engine.Parallel)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Engine.LlamaCppURL)
	assert.Equal(t, 60*time.Second, cfg.Engine.LlamaCppTimeout)

	assert.Equal(t, 200, cfg.Generation.MaxTokens)
	assert.InDelta(t, 0.7, cfg.Generation.Temperature, 1e-9)
	assert.Nil(t, cfg.Generation.Stop)

	assert.Equal(t, "assistant", cfg.Session.PromptPreset)
	assert.Zero(t, cfg.Session.MaxSessions)
	assert.Zero(t, cfg.Session.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Session.JanitorInterval)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                 "127.0.0.1:9000",
		"LOG_LEVEL":            "debug",
		"LOG_DEV":              "true",
		"ENGINE_BACKEND":       "openai",
		"ENGINE_PARALLEL":      "3",
		"OPENAI_MODEL":         "qwen2.5-7b",
		"OPENAI_BASE_URL":      "http://localhost:8080/v1/",
		"GEN_MAX_TOKENS":       "64",
		"GEN_TEMPERATURE":      "0.2",
		"GEN_STOP":             `\n,User:,a\,b`,
		"SESSION_MAX":          "10",
		"SESSION_IDLE_TIMEOUT": "15m",
		"RATE_LIMIT_ENABLED":   "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	addr, err := cfg.Server.Addr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, BackendOpenAI, cfg.Engine.Backend)
	assert.Equal(t, 3, cfg.Engine.Parallel)
	assert.Equal(t, "qwen2.5-7b", cfg.OpenAI.Model)
	assert.Equal(t, 64, cfg.Generation.MaxTokens)
	assert.Equal(t, StopList{"\n", "User:", "a,b"}, cfg.Generation.Stop)
	assert.Equal(t, 10, cfg.Session.MaxSessions)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTimeout)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestServerAddr(t *testing.T) {
	tests := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{port: "8000", want: ":8000"},
		{port: ":9000", want: ":9000"},
		{port: "0.0.0.0:80", want: "0.0.0.0:80"},
		{port: "", want: ":8000"},
		{port: "80 80", wantErr: true},
	}
	for _, tt := range tests {
		addr, err := ServerConfig{Port: tt.port}.Addr()
		if tt.wantErr {
			assert.Error(t, err, tt.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, addr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown backend":      {"ENGINE_BACKEND": "gguf"},
		"ark without model":    {"ENGINE_BACKEND": "ark", "ARK_API_KEY": "key"},
		"openai without model": {"ENGINE_BACKEND": "openai"},
		"zero parallel":        {"ENGINE_PARALLEL": "0"},
		"bad int":              {"GEN_MAX_TOKENS": "many"},
		"negative temp":        {"GEN_TEMPERATURE": "-1"},
		"bad duration":         {"SESSION_IDLE_TIMEOUT": "soon"},
		"bad stop escape":      {"GEN_STOP": `\q`},
		"zero rate":            {"RATE_LIMIT_RPS": "0"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestArkEnabled(t *testing.T) {
	assert.False(t, ArkConfig{}.Enabled())
	assert.False(t, ArkConfig{APIKey: "k"}.Enabled())
	assert.True(t, ArkConfig{APIKey: "k", Model: "m"}.Enabled())
	assert.True(t, ArkConfig{AccessKey: "ak", SecretKey: "sk", Model: "m"}.Enabled())
}

func TestSessionTemplate(t *testing.T) {
	tmpl, err := SessionConfig{PromptPreset: "socrates"}.Template()
	require.NoError(t, err)
	assert.Equal(t, "socrates", tmpl.Name())

	tmpl, err = SessionConfig{PromptPreset: "assistant", SystemPrompt: "Be brief."}.Template()
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", tmpl.SystemPrompt())

	path := filepath.Join(t.TempDir(), "prompt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nsystem: From file.\n"), 0o600))
	tmpl, err = SessionConfig{PromptPreset: "socrates", PromptFile: path}.Template()
	require.NoError(t, err)
	assert.Equal(t, "file", tmpl.Name())
	assert.Equal(t, "From file.", tmpl.SystemPrompt())

	_, err = SessionConfig{PromptPreset: "unknown"}.Template()
	assert.Error(t, err)
}
