package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds the formguard collectors plus the standard Go runtime and
// process collectors. Everything served on /metrics registers here.
var registry = prometheus.NewRegistry()

var (
	// Analyses counts completed request analyses by final verdict and by
	// whether the secondary classifier produced that verdict.
	Analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formguard_analyses_total",
			Help: "Completed network request analyses",
		},
		[]string{"verdict", "used_ai"},
	)

	// AnalysisDuration observes end-to-end analysis latency, including any
	// secondary classifier round trip.
	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formguard_analysis_duration_seconds",
			Help:    "End-to-end analysis latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// AIFallbacks counts analyses that wanted a secondary opinion but kept
	// the heuristic verdict instead.
	AIFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formguard_ai_fallbacks_total",
			Help: "Secondary classifier attempts that fell back to the heuristic verdict",
		},
		[]string{"cause"}, // cause: unavailable, timeout, error, panic
	)

	// EventsDropped counts detection events discarded because the event
	// writer buffer was full.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formguard_events_dropped_total",
			Help: "Detection events dropped due to a full writer buffer",
		},
	)

	// HTTPRequests counts API requests by method, route pattern and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	registry.MustRegister(
		Analyses,
		AnalysisDuration,
		AIFallbacks,
		EventsDropped,
		HTTPRequests,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsHandler returns the HTTP handler backing the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
