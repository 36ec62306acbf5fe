// Package metrics owns the prometheus registry served on the admin listener.
// Labels stay bounded: method, chi route pattern and status, never raw paths
// or client addresses.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/version"
)

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(64, 4, 8)
	// sqlite on local disk answers in well under a millisecond
	ledgerBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

type ServerMetrics struct {
	reg *prometheus.Registry

	// http
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	panics    prometheus.Counter
	limited   prometheus.Counter
	limitFull prometheus.Counter

	// jokes and the request ledger
	served       prometheus.Counter
	noJokes      prometheus.Counter
	pruned       prometheus.Counter
	ledgerOps    *prometheus.HistogramVec
	ledgerErrors *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge
}

// New registers everything on a fresh registry with the go and process collectors.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	route := []string{"method", "route"}

	return &ServerMetrics{
		reg: reg,

		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "HTTP requests currently being served.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP 5xx responses by method and route.",
		}, route),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: latencyBuckets,
		}, route),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response body size by method and route.",
			Buckets: sizeBuckets,
		}, route),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered on either listener.",
		}),
		limited: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests answered 429 by the rate limiter.",
		}),
		limitFull: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the rate limiter visitor table filled up.",
		}),

		served: f.NewCounter(prometheus.CounterOpts{
			Name: "jokes_served_total",
			Help: "Jokes returned by /get-joke.",
		}),
		noJokes: f.NewCounter(prometheus.CounterOpts{
			Name: "jokes_not_found_total",
			Help: "/get-joke requests answered 404 because the jokes resource was empty.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_rows_pruned_total",
			Help: "Request ledger rows deleted after leaving the 24h window.",
		}),
		ledgerOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Request ledger statement latency by operation.",
			Buckets: ledgerBuckets,
		}, []string{"op"}),
		ledgerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_errors_total",
			Help: "Request ledger storage errors by operation.",
		}, []string{"op"}),

		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, always 1.",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profiling: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is running.",
		}),
	}
}

// Handler serves the registry in the OpenMetrics format when asked, so exemplars are exposed.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}

func (m *ServerMetrics) IncHttpPanic()         { m.panics.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.limited.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.limitFull.Inc() }
func (m *ServerMetrics) IncJokeServed()        { m.served.Inc() }
func (m *ServerMetrics) IncJokeNotFound()      { m.noJokes.Inc() }

func (m *ServerMetrics) AddPruned(n int64) {
	if n > 0 {
		m.pruned.Add(float64(n))
	}
}

// ObserveLedgerOp implements ledger.Observer.
func (m *ServerMetrics) ObserveLedgerOp(op string, seconds float64, err error) {
	m.ledgerOps.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.ledgerErrors.WithLabelValues(op).Inc()
	}
}
