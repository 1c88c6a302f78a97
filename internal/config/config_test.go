package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicekb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/test.db
telephony:
  greeting: "Thanks for calling the clinic."
  numbers:
    "+15550001":
      user_id: u1
      kb_id: kb1
session:
  history_window: 4
  idle_timeout: 90s
  retry:
    attempts: 5
    delay: 250ms
llm:
  provider: extractive
retrieval:
  top_k: 2
  cache_ttl: 1m
chunking:
  size: 20
  overlap: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "Thanks for calling the clinic.", cfg.Telephony.Greeting)
	assert.Equal(t, 4, cfg.Session.HistoryWindow)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, uint(5), cfg.Session.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.Retry.Delay)
	assert.Equal(t, 2, cfg.Retrieval.TopK)
	assert.Equal(t, time.Minute, cfg.Retrieval.CacheTTL)
	assert.Equal(t, 20, cfg.ChunkOptions().Size)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)

	r, ok := cfg.Route("+15550001")
	require.True(t, ok)
	assert.Equal(t, "kb1", r.KnowledgeBaseID)
	_, ok = cfg.Route("+19999999")
	assert.False(t, ok)

	sc := cfg.SessionEngine()
	assert.Equal(t, 2, sc.TopK)
	assert.Equal(t, 500, sc.LLM.MaxTokens)
	assert.Equal(t, cfg.Telephony.Reprompt, sc.Reprompt)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VOICEKB_DB", "/tmp/env.db")
	t.Setenv("VOICEKB_LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("OPENAI_API_KEY", "o-key")
	t.Setenv("VOICEKB_EMBEDDING_PROVIDER", "openai")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(writeConfig(t, "db_path: /tmp/file.db\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "g-key", cfg.LLM.APIKey)
	assert.Equal(t, "o-key", cfg.Embedding.APIKey)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Lock.RedisURL)
	assert.NoError(t, cfg.RequireLLM())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"overlap not below size", "chunking:\n  size: 10\n  overlap: 10\n"},
		{"unknown unit", "session:\n  context_unit: words\n"},
		{"unknown llm", "llm:\n  provider: claude-local\n"},
		{"unknown embedder", "embedding:\n  provider: word2vec\n"},
		{"route without user", "telephony:\n  numbers:\n    \"+1555\":\n      kb_id: kb1\n"},
		{"bad yaml", "session: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRequireLLM(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := Default()
	cfg.LLM.APIKey = ""
	assert.Error(t, cfg.RequireLLM())

	cfg.LLM.Provider = "extractive"
	assert.NoError(t, cfg.RequireLLM())
}

func TestRoute_Default(t *testing.T) {
	cfg := Default()
	cfg.Telephony.Default = Route{UserID: "owner", KnowledgeBaseID: "kb-main"}
	r, ok := cfg.Route("+10000000")
	require.True(t, ok)
	assert.Equal(t, "owner", r.UserID)
}
