package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	ThoughtsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thoughts_enqueued_total",
			Help: "Total number of thoughts enqueued for processing",
		},
	)
	ThoughtsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thoughts_processing",
			Help: "Number of thoughts currently processing",
		},
	)
	ThoughtsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thoughts_completed_total",
			Help: "Total number of thoughts completed, by cache outcome",
		},
		[]string{"cache"},
	)
	ThoughtsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thoughts_failed_total",
			Help: "Total number of thoughts failed, by error kind",
		},
		[]string{"kind"},
	)
	ThoughtsDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thoughts_dead_lettered_total",
			Help: "Total number of thought jobs routed to the dead letter topic",
		},
	)
	SubmitDeferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thoughts_submit_deferred_total",
			Help: "Submissions accepted while the producer was disabled",
		},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_agent_duration_seconds",
			Help:    "Per-agent pipeline stage duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "End to end pipeline duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semantic_cache_lookups_total",
			Help: "Semantic cache lookups by outcome (hit, miss, error)",
		},
		[]string{"outcome"},
	)

	SSEConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections",
			Help: "Number of open SSE streaming connections",
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Progress events published to the fan-out bus, by type",
		},
		[]string{"type"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(ThoughtsEnqueuedTotal)
	prometheus.MustRegister(ThoughtsProcessing)
	prometheus.MustRegister(ThoughtsCompletedTotal)
	prometheus.MustRegister(ThoughtsFailedTotal)
	prometheus.MustRegister(ThoughtsDeadLetteredTotal)
	prometheus.MustRegister(SubmitDeferredTotal)
	prometheus.MustRegister(AgentDuration)
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(SSEConnections)
	prometheus.MustRegister(EventsPublishedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueThought() {
	ThoughtsEnqueuedTotal.Inc()
}

func StartProcessingThought() {
	ThoughtsProcessing.Inc()
}

func CompleteThought(cacheHit bool) {
	ThoughtsProcessing.Dec()
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	ThoughtsCompletedTotal.WithLabelValues(outcome).Inc()
}

func FailThought(kind string) {
	ThoughtsProcessing.Dec()
	ThoughtsFailedTotal.WithLabelValues(kind).Inc()
}
