package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3xpluto/mockproxy/internal/httpx"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	CacheLookups *prometheus.CounterVec
	Captures     *prometheus.CounterVec
	Reloads      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockproxy_http_requests_total",
			Help: "Total HTTP requests handled, by the stage that answered",
		}, []string{"stage", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mockproxy_http_request_duration_seconds",
			Help:    "HTTP request latency including injected delays",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "method"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockproxy_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, error, skipped)",
		}, []string{"result"}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockproxy_captures_total",
			Help: "Upstream responses processed for capture, by outcome",
		}, []string{"outcome"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockproxy_config_reloads_total",
			Help: "Route configuration reloads by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.CacheLookups, m.Captures, m.Reloads)
	return m
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Capture(outcome string) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reload(result string) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(result).Inc()
}

func Instrument(m *Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		stage := StageName(r.Context())
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(stage, r.Method, strconv.Itoa(code)).Inc()
		m.Latency.WithLabelValues(stage, r.Method).Observe(time.Since(start).Seconds())
	})
}
