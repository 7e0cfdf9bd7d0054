// Package metrics exposes Prometheus counters and histograms for turns,
// scenario pool builds, the fallback tier and HTTP handlers.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Recorder holds all Prometheus metrics for the service.
type Recorder struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	TurnFailures      *prometheus.CounterVec
	TriageHits        *prometheus.CounterVec
	ScenarioMatches   *prometheus.CounterVec
	BookingOutcomes   *prometheus.CounterVec
	ReplayedTurns     *prometheus.CounterVec
	PoolBuilds        *prometheus.CounterVec
	PoolBuildDuration prometheus.Histogram
	FallbackReplies   *prometheus.CounterVec
	CallsEnded        *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with every metric registered on a fresh
// registry, together with the Go runtime and process collectors.
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "callpipe"
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns handled, by tenant and resulting action",
		}, []string{"tenant", "action"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to handle one turn including state load and save",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"tenant"}),
		TurnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Turn failures by kind, including NLU misses recorded in traces",
		}, []string{"tenant", "kind"}),
		TriageHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_hits_total",
			Help:      "Triage rule matches by action",
		}, []string{"tenant", "action"}),
		ScenarioMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_matches_total",
			Help:      "Scenario selections by scenario",
		}, []string{"tenant", "scenario"}),
		BookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_outcomes_total",
			Help:      "Booking step outcomes",
		}, []string{"tenant", "outcome"}),
		ReplayedTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_turns_total",
			Help:      "Redelivered turns answered from the turn ledger",
		}, []string{"tenant"}),
		PoolBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_pool_builds_total",
			Help:      "Scenario pool builds by result",
		}, []string{"tenant", "result"}),
		PoolBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_pool_build_duration_seconds",
			Help:      "Scenario pool build duration",
			Buckets:   prometheus.DefBuckets,
		}),
		FallbackReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_replies_total",
			Help:      "Fallback tier replies by result",
		}, []string{"result"}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls archived, by end reason",
		}, []string{"reason"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.TurnsTotal,
		r.TurnDuration,
		r.TurnFailures,
		r.TriageHits,
		r.ScenarioMatches,
		r.BookingOutcomes,
		r.ReplayedTurns,
		r.PoolBuilds,
		r.PoolBuildDuration,
		r.FallbackReplies,
		r.CallsEnded,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records one handled turn.
func (r *Recorder) ObserveTurn(tenantID string, resp models.TurnResponse, elapsed time.Duration, err error) {
	if err != nil {
		kind := models.FailureKind(err)
		if errors.Is(err, models.ErrEmptyTenant) || errors.Is(err, models.ErrEmptySession) {
			kind = "invalid-request"
		}
		r.TurnFailures.WithLabelValues(tenantID, kind).Inc()
		if resp.Action == "" {
			return
		}
	}
	tr := resp.Trace
	if tr.Replayed {
		r.ReplayedTurns.WithLabelValues(tenantID).Inc()
		return
	}
	r.TurnsTotal.WithLabelValues(tenantID, string(resp.Action)).Inc()
	r.TurnDuration.WithLabelValues(tenantID).Observe(elapsed.Seconds())
	if err == nil && tr.FailureKind != "" {
		r.TurnFailures.WithLabelValues(tenantID, tr.FailureKind).Inc()
	}
	if tr.TriageAction != "" {
		r.TriageHits.WithLabelValues(tenantID, tr.TriageAction).Inc()
	}
	if tr.ScenarioID != "" {
		r.ScenarioMatches.WithLabelValues(tenantID, tr.ScenarioID).Inc()
	}
	if tr.BookingOutcome != "" {
		r.BookingOutcomes.WithLabelValues(tenantID, tr.BookingOutcome).Inc()
	}
}

// ObservePoolBuild records a scenario pool build. Its signature matches
// scenario.BuildObserver.
func (r *Recorder) ObservePoolBuild(tenantID string, elapsed time.Duration, _ int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.PoolBuilds.WithLabelValues(tenantID, result).Inc()
	r.PoolBuildDuration.Observe(elapsed.Seconds())
}

// RecordFallback records a fallback tier reply; result is "generated" or "static".
func (r *Recorder) RecordFallback(result string) {
	r.FallbackReplies.WithLabelValues(result).Inc()
}

// RecordCallEnded records an archived call.
func (r *Recorder) RecordCallEnded(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	r.CallsEnded.WithLabelValues(reason).Inc()
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration under a fixed route label.
func (r *Recorder) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		r.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}
