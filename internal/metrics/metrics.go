package metrics

import (
	"bufio"
	"fmt"
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
	// Registry holds the CSMS collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "csms",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csms",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "csms",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	ocppMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csms",
			Subsystem: "ocpp",
			Name:      "messages_total",
			Help:      "OCPP envelopes routed, by origin, direction and action.",
		},
		[]string{"origin", "direction", "action"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "csms",
			Subsystem: "ocpp",
			Name:      "handler_duration_seconds",
			Help:      "Duration of module handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"action", "outcome"},
	)

	callTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csms",
			Subsystem: "ocpp",
			Name:      "call_timeouts_total",
			Help:      "Backend calls that received no answer in time.",
		},
		[]string{"action"},
	)

	connectedStations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "csms",
			Subsystem: "router",
			Name:      "connected_stations",
			Help:      "Stations with a registered connection.",
		},
	)

	bootDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csms",
			Subsystem: "provisioning",
			Name:      "boot_decisions_total",
			Help:      "Boot notification decisions by registration status.",
		},
		[]string{"status"},
	)

	transactionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csms",
			Subsystem: "transactions",
			Name:      "events_total",
			Help:      "Transaction events applied, by event type.",
		},
		[]string{"event_type", "duplicate"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ocppMessages,
		handlerDuration,
		callTimeouts,
		connectedStations,
		bootDecisions,
		transactionEvents,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection. Paths are labelled
// with the matched chi route pattern to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordMessage(origin, direction, action string) {
	ocppMessages.WithLabelValues(origin, direction, action).Inc()
}

func RecordHandler(action string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	handlerDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

func RecordCallTimeout(action string) {
	callTimeouts.WithLabelValues(action).Inc()
}

func SetConnectedStations(n int) {
	connectedStations.Set(float64(n))
}

func RecordBootDecision(status string) {
	bootDecisions.WithLabelValues(status).Inc()
}

func RecordTransactionEvent(eventType string, duplicate bool) {
	transactionEvents.WithLabelValues(eventType, strconv.FormatBool(duplicate)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
