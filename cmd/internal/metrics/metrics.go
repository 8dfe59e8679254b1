// Package metrics owns the Prometheus registry and the service collectors.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fidelity"

// Metrics holds every collector. It implements the observer interfaces of
// scantoken, stamping, realtime and sweeper.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec

	tokensIssued *prometheus.CounterVec
	tokensPurged prometheus.Counter

	sweeps *prometheus.CounterVec

	feedConns   prometheus.Gauge
	feedPushes  prometheus.Counter
	feedDropped prometheus.Counter
}

// New builds a Metrics with its own registry, including Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome.",
		}, []string{"op", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of coordinator operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"op"}),

		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan_tokens",
			Name:      "issued_total",
			Help:      "Scan tokens handed out, split by reuse of a valid token.",
		}, []string{"reused"}),
		tokensPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan_tokens",
			Name:      "purged_total",
			Help:      "Consumed or expired scan tokens deleted.",
		}),

		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweeper runs by result.",
		}, []string{"success"}),

		feedConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cardfeed",
			Name:      "connections",
			Help:      "Open card feed WebSocket connections.",
		}),
		feedPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cardfeed",
			Name:      "pushes_total",
			Help:      "Ledger updates queued to subscribers.",
		}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cardfeed",
			Name:      "dropped_total",
			Help:      "Ledger updates dropped because a subscriber was slow.",
		}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.mutations,
		m.mutationDuration,
		m.tokensIssued,
		m.tokensPurged,
		m.sweeps,
		m.feedConns,
		m.feedPushes,
		m.feedDropped,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics. Routes are labeled by
// the ServeMux pattern, so path parameters do not blow up cardinality.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// MutationObserved implements stamping.Observer.
func (m *Metrics) MutationObserved(op, outcome string, elapsed time.Duration) {
	m.mutations.WithLabelValues(op, outcome).Inc()
	m.mutationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// TokenIssued implements scantoken.Observer.
func (m *Metrics) TokenIssued(reused bool) {
	m.tokensIssued.WithLabelValues(strconv.FormatBool(reused)).Inc()
}

// TokensPurged implements scantoken.Observer.
func (m *Metrics) TokensPurged(n int64) {
	if n > 0 {
		m.tokensPurged.Add(float64(n))
	}
}

// SweepRan implements sweeper.Observer.
func (m *Metrics) SweepRan(success bool) {
	m.sweeps.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// FeedConnOpened and FeedConnClosed track open card feed sockets.
func (m *Metrics) FeedConnOpened() { m.feedConns.Inc() }
func (m *Metrics) FeedConnClosed() { m.feedConns.Dec() }

// FeedPushed counts one delivered or dropped update.
func (m *Metrics) FeedPushed(dropped bool) {
	if dropped {
		m.feedDropped.Inc()
		return
	}
	m.feedPushes.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
// (WebSocket upgrades need Hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
