package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
}

func TestCounters(t *testing.T) {
	IncCache(true)
	IncCache(false)
	IncCache(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(queryCache.WithLabelValues("hit")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(queryCache.WithLabelValues("miss")), 2.0)

	before := testutil.ToFloat64(promptDropped.WithLabelValues("history"))
	AddPromptDropped("history", 3)
	AddPromptDropped("history", 0)
	assert.Equal(t, before+3, testutil.ToFloat64(promptDropped.WithLabelValues("history")))

	SetActiveCalls(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(activeCalls))

	IncTransition("AWAITING_INPUT", "PROCESSING")
	assert.Equal(t, 1.0, testutil.ToFloat64(callTransitions.WithLabelValues("AWAITING_INPUT", "PROCESSING")))
}

func TestObserveDoesNotPanic(t *testing.T) {
	start := time.Now()
	ObserveTurn("ok", start)
	ObserveProvider("openai", "error", start)
	ObserveRetrieval(0, 0)
	ObserveRetrieval(2, 0.8)
	IncIngested("ok")
	Register()
	Register()
}
