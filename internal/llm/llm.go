// Package llm adapts language model providers to a single Generator
// interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/prompt"
)

// Options tune one generation.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces a reply for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, p *prompt.Prompt, opts Options) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider    string        `yaml:"provider"` // openai | gemini | extractive
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Options returns the per-call options carried by the config.
func (c Config) Options() Options {
	return Options{Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// New creates the generator named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	var g Generator
	switch cfg.Provider {
	case "openai", "":
		g = NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "gemini":
		gem, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		g = gem
	case "extractive":
		g = Extractive{}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.Timeout > 0 {
		g = WithTimeout(g, cfg.Timeout)
	}
	return g, nil
}

type timeoutGenerator struct {
	Generator
	timeout time.Duration
}

// WithTimeout bounds each Generate call. Hitting the deadline is a retryable
// ProviderUnavailable; cancellation of the caller's context passes through.
func WithTimeout(g Generator, d time.Duration) Generator {
	return &timeoutGenerator{Generator: g, timeout: d}
}

func (t *timeoutGenerator) Generate(ctx context.Context, p *prompt.Prompt, opts Options) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.Generator.Generate(callCtx, p, opts)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", apperr.Wrap(apperr.ProviderUnavailable, err, "generation timed out after %s", t.timeout)
	}
	return out, err
}

// Extractive answers from the best-ranked context snippet without calling a
// model. It needs no credentials and is deterministic.
type Extractive struct{}

const extractiveFallback = "I'm sorry, I don't have that information."

func (Extractive) Generate(_ context.Context, p *prompt.Prompt, _ Options) (string, error) {
	for _, m := range p.Messages {
		start := strings.Index(m.Content, `<context rank="1">`)
		if start < 0 {
			continue
		}
		rest := m.Content[start+len(`<context rank="1">`):]
		if end := strings.Index(rest, "</context>"); end >= 0 {
			return strings.TrimSpace(rest[:end]), nil
		}
	}
	return extractiveFallback, nil
}
