package core

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus instrumentation of one node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	opsTotal        *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	queriesTotal    *prometheus.CounterVec
	rateLimitedTot  *prometheus.CounterVec
	deliveriesTotal prometheus.Counter
	subscribers     prometheus.Gauge
}

var durationBuckets = []float64{
	0.5, // 0.5ms
	1,   // 1ms
	5,   // 5ms
	25,  // 25ms
	100, // 100ms
	500, // 500ms
	2500,
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerfs_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerfs_http_request_duration_milliseconds",
				Help:    "Duration of HTTP requests in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),
		opsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerfs_ledger_operations_total",
				Help: "Total number of ledger writes by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		opDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerfs_ledger_operation_duration_milliseconds",
				Help:    "Time from submission to application of ledger writes",
				Buckets: durationBuckets,
			},
			[]string{"op"},
		),
		queriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerfs_queries_total",
				Help: "Total number of viewing-key queries by kind and outcome",
			},
			[]string{"query", "outcome"},
		),
		rateLimitedTot: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerfs_rate_limited_total",
				Help: "Requests rejected by the rate limiter by category",
			},
			[]string{"category"},
		),
		deliveriesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerfs_mailbox_deliveries_total",
				Help: "Messages appended to mailboxes by writes accepted on this node",
			},
		),
		subscribers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerfs_mailbox_subscribers",
				Help: "Open mailbox websocket subscriptions",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func outcome(err error) string {
	kind := fault.KindOf(err)
	if kind == fault.KindNone {
		return "ok"
	}
	return string(kind)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (m *Metrics) instrument(route string, next http.HandlerFunc) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(millis(time.Since(start)))
	})
}

func (m *Metrics) observeOp(op models.Op, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(string(op), outcome(err)).Inc()
	m.opDuration.WithLabelValues(string(op)).Observe(millis(d))
}

func (m *Metrics) observeQuery(query string, err error) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(query, outcome(err)).Inc()
}

func (m *Metrics) rateLimited(category string) {
	if m == nil {
		return
	}
	m.rateLimitedTot.WithLabelValues(category).Inc()
}

func (m *Metrics) delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveriesTotal.Add(float64(n))
}

func (m *Metrics) subscriberDelta(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
