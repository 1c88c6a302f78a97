package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := New(KnowledgeBaseNotFound, "kb %q", "kb1")
	wrapped := fmt.Errorf("retrieve: %w", err)

	assert.ErrorIs(t, wrapped, ErrKnowledgeBaseNotFound)
	assert.NotErrorIs(t, wrapped, ErrDimensionMismatch)
	assert.Equal(t, KnowledgeBaseNotFound, KindOf(wrapped))
}

func TestRetryableDefaults(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{ProviderUnavailable, true},
		{RateLimited, true},
		{ConcurrentTurnConflict, false},
		{InvalidStateTransition, false},
		{DocumentProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(New(tt.kind, "x")))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(ProviderUnavailable, context.DeadlineExceeded, "openai")
	err.RetryAfter = 2 * time.Second

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 2*time.Second, RetryAfterOf(fmt.Errorf("turn: %w", err)))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestFromStatus(t *testing.T) {
	cause := errors.New("boom")

	rl := FromStatus("openai", 429, "3", cause)
	assert.Equal(t, RateLimited, rl.Kind)
	assert.True(t, rl.Retryable)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)

	down := FromStatus("openai", 503, "", cause)
	assert.Equal(t, ProviderUnavailable, down.Kind)
	assert.True(t, down.Retryable)

	network := FromStatus("ollama", 0, "", cause)
	assert.True(t, network.Retryable)

	bad := FromStatus("openai", 400, "", cause)
	assert.Equal(t, ProviderUnavailable, bad.Kind)
	assert.False(t, bad.Retryable)
	assert.ErrorIs(t, bad, cause)
}
