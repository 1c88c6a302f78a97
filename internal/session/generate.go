package session

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/llm"
	"github.com/rcliao/voicekb/internal/metrics"
	"github.com/rcliao/voicekb/internal/prompt"
)

const (
	defaultFallback = "I'm sorry, I'm having trouble answering right now. Please call back later."
	defaultReprompt = "Sorry, I didn't catch that. Could you say it again?"
)

// RetryConfig bounds generation retries.
type RetryConfig struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Config tunes the turn pipeline.
type Config struct {
	HistoryWindow   int           `yaml:"history_window"`
	TopK            int           `yaml:"top_k"`
	System          string        `yaml:"system_prompt"`
	FallbackMessage string        `yaml:"fallback_message"`
	Reprompt        string        `yaml:"reprompt"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
	LLM             llm.Options   `yaml:"-"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:   10,
		TopK:            3,
		System:          prompt.DefaultSystem,
		FallbackMessage: defaultFallback,
		Reprompt:        defaultReprompt,
		IdleTimeout:     10 * time.Minute,
		Retry:           RetryConfig{Attempts: 3, Delay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.System == "" {
		c.System = d.System
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = d.FallbackMessage
	}
	if c.Reprompt == "" {
		c.Reprompt = d.Reprompt
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = d.Retry.Attempts
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = d.Retry.Delay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
}

// generate calls the model, retrying retryable failures with exponential
// backoff. A provider-supplied Retry-After replaces the computed delay.
func (e *Engine) generate(ctx context.Context, p *prompt.Prompt, logger *zap.Logger) (string, error) {
	return retry.DoWithData(
		func() (string, error) {
			start := time.Now()
			out, err := e.deps.Generator.Generate(ctx, p, e.cfg.LLM)
			if err != nil {
				metrics.ObserveProvider("llm", "error", start)
				return "", err
			}
			metrics.ObserveProvider("llm", "ok", start)
			return out, nil
		},
		retry.Context(ctx),
		retry.Attempts(e.cfg.Retry.Attempts),
		retry.Delay(e.cfg.Retry.Delay),
		retry.MaxDelay(e.cfg.Retry.MaxDelay),
		retry.DelayType(func(n uint, err error, c *retry.Config) time.Duration {
			if d := apperr.RetryAfterOf(err); d > 0 {
				return d
			}
			return retry.BackOffDelay(n, err, c)
		}),
		retry.RetryIf(apperr.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("generation retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
