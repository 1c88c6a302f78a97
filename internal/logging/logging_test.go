package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console", Service: "voicekb"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestTraceLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	tr := NewTrace("u1", "CA1")
	assert.NotEmpty(t, tr.TraceID)

	tr.Logger(base).Info("turn")
	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "u1", ctx["user_id"])
	assert.Equal(t, "CA1", ctx["call_sid"])
	assert.Equal(t, tr.TraceID, ctx["trace_id"])

	assert.Len(t, Trace{CallSID: "CA2"}.Fields(), 1)
}

func TestTimed(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Timed(zap.New(core), "generate")()
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "generate", logs.All()[0].ContextMap()["op"])
}
