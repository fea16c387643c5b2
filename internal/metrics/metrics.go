package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "energy_rental",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions.",
		},
		[]string{"from", "to"},
	)

	chainOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "chain",
			Name:      "resource_ops_total",
			Help:      "Delegate and undelegate calls by outcome.",
		},
		[]string{"direction", "success"},
	)

	paymentMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "payments",
			Name:      "matches_total",
			Help:      "Confirmed payments by source.",
		},
		[]string{"source"},
	)

	paymentMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "payments",
			Name:      "mismatches_total",
			Help:      "Incoming transfers outside the tolerance band.",
		},
	)

	// LiveTasks tracks the number of registered monitor and expiry tasks.
	LiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "energy_rental",
			Subsystem: "scheduler",
			Name:      "live_tasks",
			Help:      "Registered polling and expiry tasks.",
		},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_rental",
			Subsystem: "worker",
			Name:      "sweep_runs_total",
			Help:      "Reconciliation sweep runs.",
		},
		[]string{"job", "success"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "energy_rental",
			Subsystem: "worker",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		orderTransitions,
		chainOps,
		paymentMatches,
		paymentMismatches,
		LiveTasks,
		sweepRuns,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency labelled by the chi
// route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordTransition(from, to string) {
	orderTransitions.WithLabelValues(from, to).Inc()
}

func RecordChainOp(direction string, success bool) {
	chainOps.WithLabelValues(direction, strconv.FormatBool(success)).Inc()
}

func RecordPaymentMatch(source string) {
	paymentMatches.WithLabelValues(source).Inc()
}

func RecordPaymentMismatch() {
	paymentMismatches.Inc()
}

func RecordSweep(job string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweepRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
