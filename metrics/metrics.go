// Package metrics holds the Prometheus collectors for the bot and the handler
// that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts handled messages by outcome
	// (replied, suppressed, failed, command, ignored).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cai_messages_total",
			Help: "Total number of incoming messages by pipeline outcome",
		},
		[]string{"outcome"},
	)

	ReconcileStage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cai_reconcile_stage_total",
			Help: "Total number of reconciled completions by the recovery stage that succeeded",
		},
		[]string{"stage"},
	)

	RecapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cai_recap_total",
			Help: "Total number of recap attempts by result (ok, failed)",
		},
		[]string{"result"},
	)

	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cai_generation_seconds",
			Help:    "Duration of reply generation calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cai_shorts_total",
			Help: "Total number of mini-game events (draw, empty, cooldown, take, list)",
		},
		[]string{"event"},
	)
)

var registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesTotal,
		ReconcileStage,
		RecapTotal,
		GenerationDuration,
		ShortsTotal,
	)
	return reg
}

// Registry returns the registry all collectors are registered with.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
