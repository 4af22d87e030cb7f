package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrmember"

var (
	Registry = prometheus.NewRegistry()

	// ---- Membership protocol ----
	// Members and EngineState are labeled by the local member address so
	// several drivers in one process keep separate series.
	Members = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of members in the local view, self excluded.",
		},
		[]string{"member"},
	)

	EngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Protocol engine state (0 uninitialized, 1 initialized, 2 in group, 3 shut down).",
		},
		[]string{"member"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Protocol messages by kind and direction.",
		},
		[]string{"kind", "direction"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound payloads dropped because they could not be decoded.",
		},
	)

	SendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound messages the transport failed to send.",
		},
	)

	MemberEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_events_total",
			Help:      "Membership table changes (joined, removed).",
		},
		[]string{"event"},
	)

	HeartbeatRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_rounds_total",
			Help:      "Heartbeat broadcast rounds run by this member.",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one engine tick.",
			// 10µs .. ~80ms
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
	)

	// ---- Admin HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Members, EngineState, MessagesTotal, DecodeErrors, SendErrors, MemberEvents,
		HeartbeatRounds, TickDuration,
		RequestsTotal, RequestDuration, InFlight,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
//
//	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
