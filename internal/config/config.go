// Package config loads voicekb settings from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/voicekb/internal/chunker"
	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/llm"
	"github.com/rcliao/voicekb/internal/logging"
	"github.com/rcliao/voicekb/internal/prompt"
	"github.com/rcliao/voicekb/internal/retrieval"
	"github.com/rcliao/voicekb/internal/session"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "voicekb.yaml"

// Route maps a dialled number to the user and knowledge base that answer it.
type Route struct {
	UserID          string `yaml:"user_id"`
	KnowledgeBaseID string `yaml:"kb_id"`
}

type TelephonyConfig struct {
	Greeting string `yaml:"greeting"`
	Reprompt string `yaml:"reprompt"`
	Goodbye  string `yaml:"goodbye"`
	Language string `yaml:"language"`
	// Numbers is keyed by the called number in E.164 form.
	Numbers map[string]Route `yaml:"numbers"`
	Default Route            `yaml:"default"`
}

type RetryConfig struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type SessionConfig struct {
	HistoryWindow   int           `yaml:"history_window"`
	FallbackMessage string        `yaml:"fallback_message"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
	MaxContextUnits int           `yaml:"max_context_units"`
	ContextUnit     string        `yaml:"context_unit"` // runes | tokens
	Encoding        string        `yaml:"encoding"`
	Retry           RetryConfig   `yaml:"retry"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LockConfig struct {
	// RedisURL selects the cross-process turn lock. Empty keeps locks local.
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// Config is the root configuration.
type Config struct {
	DBPath    string           `yaml:"db_path"`
	Server    ServerConfig     `yaml:"server"`
	Logging   logging.Config   `yaml:"logging"`
	Telephony TelephonyConfig  `yaml:"telephony"`
	Session   SessionConfig    `yaml:"session"`
	Retrieval retrieval.Config `yaml:"retrieval"`
	Embedding embedding.Config `yaml:"embedding"`
	LLM       llm.Config       `yaml:"llm"`
	Chunking  ChunkingConfig   `yaml:"chunking"`
	Lock      LockConfig       `yaml:"lock"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	s := session.DefaultConfig()
	return &Config{
		DBPath:  filepath.Join(home, ".voicekb", "voicekb.db"),
		Server:  ServerConfig{Addr: ":8080", SweepInterval: time.Minute},
		Logging: logging.Config{Level: "info", Format: "json", Service: "voicekb"},
		Telephony: TelephonyConfig{
			Greeting: "Hello! How can I help you today?",
			Reprompt: s.Reprompt,
			Goodbye:  "Goodbye!",
			Language: "en-US",
		},
		Session: SessionConfig{
			HistoryWindow:   s.HistoryWindow,
			FallbackMessage: s.FallbackMessage,
			IdleTimeout:     s.IdleTimeout,
			SystemPrompt:    prompt.DefaultSystem,
			MaxContextUnits: 8000,
			ContextUnit:     "runes",
			Encoding:        "cl100k_base",
			Retry:           RetryConfig(s.Retry),
		},
		Retrieval: retrieval.DefaultConfig(),
		Embedding: embedding.Config{Provider: "hash"},
		LLM: llm.Config{
			Provider:    "openai",
			Model:       "gpt-4",
			Temperature: 0.7,
			MaxTokens:   500,
			Timeout:     30 * time.Second,
		},
		Chunking: ChunkingConfig{Size: chunker.DefaultSize, Overlap: chunker.DefaultOverlap},
		Lock:     LockConfig{TTL: 2 * time.Minute},
	}
}

// Load reads .env (if present), then the YAML file at path, then environment
// overrides. An empty path tries DefaultFile and falls back to defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Provider keys fill in only when the
// file left them empty.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("VOICEKB_DB", &cfg.DBPath)
	str("VOICEKB_ADDR", &cfg.Server.Addr)
	str("VOICEKB_LOG_LEVEL", &cfg.Logging.Level)
	str("VOICEKB_LOG_FORMAT", &cfg.Logging.Format)
	str("VOICEKB_LLM_PROVIDER", &cfg.LLM.Provider)
	str("VOICEKB_LLM_MODEL", &cfg.LLM.Model)
	str("VOICEKB_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	str("VOICEKB_EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("REDIS_URL", &cfg.Lock.RedisURL)
	if v := os.Getenv("VOICEKB_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}

	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "gemini":
			cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai", "":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Telephony.Greeting == "" {
		c.Telephony.Greeting = d.Telephony.Greeting
	}
	if c.Telephony.Reprompt == "" {
		c.Telephony.Reprompt = d.Telephony.Reprompt
	}
	if c.Telephony.Goodbye == "" {
		c.Telephony.Goodbye = d.Telephony.Goodbye
	}
	if c.Telephony.Language == "" {
		c.Telephony.Language = d.Telephony.Language
	}
	if c.Session.SystemPrompt == "" {
		c.Session.SystemPrompt = d.Session.SystemPrompt
	}
	if c.Session.ContextUnit == "" {
		c.Session.ContextUnit = d.Session.ContextUnit
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = d.Retrieval.TopK
	}
	if c.Chunking.Size <= 0 {
		c.Chunking.Size = d.Chunking.Size
	}
	if c.Chunking.Overlap <= 0 {
		c.Chunking.Overlap = d.Chunking.Overlap
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if err := c.ChunkOptions().Validate(); err != nil {
		return err
	}
	switch c.Session.ContextUnit {
	case "runes", "tokens":
	default:
		return fmt.Errorf("session.context_unit must be runes or tokens, got %q", c.Session.ContextUnit)
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "extractive":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "", "hash", "openai", "ollama":
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Session.MaxContextUnits < 0 {
		return errors.New("session.max_context_units must not be negative")
	}
	for number, r := range c.Telephony.Numbers {
		if r.UserID == "" {
			return fmt.Errorf("telephony.numbers[%s] needs a user_id", number)
		}
	}
	return nil
}

// RequireLLM reports whether the configured language model can be reached
// with the credentials at hand. Commands that never generate skip it.
func (c *Config) RequireLLM() error {
	if c.LLM.Provider != "extractive" && c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return errors.New("llm.api_key is required (or set OPENAI_API_KEY / GEMINI_API_KEY)")
	}
	return nil
}

// ChunkOptions returns the chunker settings.
func (c *Config) ChunkOptions() chunker.Options {
	return chunker.Options{Size: c.Chunking.Size, Overlap: c.Chunking.Overlap}
}

// SessionEngine returns the session engine settings.
func (c *Config) SessionEngine() session.Config {
	return session.Config{
		HistoryWindow:   c.Session.HistoryWindow,
		TopK:            c.Retrieval.TopK,
		System:          c.Session.SystemPrompt,
		FallbackMessage: c.Session.FallbackMessage,
		Reprompt:        c.Telephony.Reprompt,
		IdleTimeout:     c.Session.IdleTimeout,
		Retry:           session.RetryConfig(c.Session.Retry),
		LLM:             c.LLM.Options(),
	}
}

// Route returns the route for a called number, falling back to the default
// route. ok is false when neither names a user.
func (c *Config) Route(to string) (Route, bool) {
	if r, ok := c.Telephony.Numbers[to]; ok {
		return r, true
	}
	return c.Telephony.Default, c.Telephony.Default.UserID != ""
}
