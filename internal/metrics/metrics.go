// Package metrics exposes Prometheus collectors for calls, turns, retrieval
// and provider calls.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	activeCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voicekb_active_calls",
		Help: "Calls currently in a non-terminal state",
	})

	callTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekb_call_transitions_total",
		Help: "Call state transitions by source and target state",
	}, []string{"from", "to"})

	turnLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicekb_turn_latency_ms",
		Help:    "End-to-end latency of a conversation turn in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 750, 1000, 1500, 2000, 3000, 5000, 10000},
	}, []string{"outcome"})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicekb_provider_latency_ms",
		Help:    "Latency of embedding and language model calls in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
	}, []string{"provider", "outcome"})

	retrievalResults = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicekb_retrieval_results",
		Help:    "Number of snippets returned per retrieval",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})

	retrievalTop1 = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicekb_retrieval_top1_score",
		Help:    "Score of the best snippet per retrieval",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	queryCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekb_query_embedding_cache_total",
		Help: "Query embedding cache lookups by result",
	}, []string{"result"})

	promptDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekb_prompt_dropped_total",
		Help: "Items dropped from prompts to fit the context budget",
	}, []string{"kind"})

	documentsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekb_documents_ingested_total",
		Help: "Document ingestions by outcome",
	}, []string{"outcome"})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Collectors exposes all collectors for registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		activeCalls, callTransitions, turnLatency, providerLatency,
		retrievalResults, retrievalTop1, queryCache, promptDropped, documentsIngested,
	}
}

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() { ensureRegistered() }

// SetActiveCalls records the size of the active call table.
func SetActiveCalls(n int) {
	activeCalls.Set(float64(n))
}

// IncTransition counts a call state transition.
func IncTransition(from, to string) {
	callTransitions.WithLabelValues(from, to).Inc()
}

// ObserveTurn records the latency of one turn.
func ObserveTurn(outcome string, start time.Time) {
	turnLatency.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))
}

// ObserveProvider records a collaborator call.
func ObserveProvider(provider, outcome string, start time.Time) {
	providerLatency.WithLabelValues(provider, outcome).Observe(float64(time.Since(start).Milliseconds()))
}

// ObserveRetrieval records result size and the top score, if any.
func ObserveRetrieval(results int, top1 float64) {
	retrievalResults.Observe(float64(results))
	if results > 0 {
		retrievalTop1.Observe(top1)
	}
}

// IncCache counts a query embedding cache lookup.
func IncCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	queryCache.WithLabelValues(result).Inc()
}

// AddPromptDropped counts history messages or snippets left out of a prompt.
func AddPromptDropped(kind string, n int) {
	if n > 0 {
		promptDropped.WithLabelValues(kind).Add(float64(n))
	}
}

// IncIngested counts a document ingestion.
func IncIngested(outcome string) {
	documentsIngested.WithLabelValues(outcome).Inc()
}
