package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: ollama
ollama_model: mistral:7b
server:
  addr: ":9090"
  max_stream_duration: 45s
database:
  driver: sqlite3
  path: /tmp/chat.db
`), 0o644))

	t.Setenv("CHATBOT_ADDR", ":7070")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendOllama, cfg.Backend)
	require.Equal(t, "mistral:7b", cfg.ModelFor())
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, 45*time.Second, cfg.Server.MaxStreamDuration)
	require.Equal(t, "sk-test", cfg.OpenAIKey)
	require.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Backend = "gemini"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Database.Driver = DriverPostgres
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Cache.Kind = CacheRedis
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Client.Transport = "grpc"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Server.MaxStreamDuration = 0
	require.Error(t, bad.Validate())
}

func TestModelFor_Defaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "gpt-4o", cfg.ModelFor())
	cfg.Model = "gpt-4o-mini"
	require.Equal(t, "gpt-4o-mini", cfg.ModelFor())
}
