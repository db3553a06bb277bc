// Package metrics holds the Prometheus instruments of the turn pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes recorded by the stream coordinator.
const (
	OutcomeCompleted  = "completed"
	OutcomeAborted    = "aborted"
	OutcomeFailed     = "failed"
	OutcomeSaveFailed = "save_failed"
)

var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Name:      "turns_total",
		Help:      "Chat turns by terminal outcome.",
	}, []string{"outcome"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatstream",
		Name:      "turn_duration_seconds",
		Help:      "Wall time from metadata frame to settlement.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"outcome"})

	FragmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatstream",
		Name:      "fragments_total",
		Help:      "Text-delta frames written to clients.",
	})

	OrphanCleanupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Name:      "orphan_cleanups_total",
		Help:      "Orphaned session cleanups by result.",
	}, []string{"result"})

	UpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Name:      "upstream_errors_total",
		Help:      "Completion engine errors by class.",
	}, []string{"class"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
