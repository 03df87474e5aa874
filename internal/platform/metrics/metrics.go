package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the certificate service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Refresh pipeline runs by outcome: "success", "failure", "stale"
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec

	// Persistent cache loads by result: "hit", "miss"
	CacheLoads *prometheus.CounterVec

	// Point lookups by result: "found", "not_found", "error"
	Lookups *prometheus.CounterVec

	CoordinatorState *prometheus.GaugeVec
	Records          prometheus.Gauge
	SnapshotBuiltAt  prometheus.Gauge
	SkippedLines     prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caepi_refresh_total",
			Help: "Dataset refresh attempts by outcome",
		}, []string{"outcome"}),

		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caepi_refresh_duration_seconds",
			Help:    "Duration of dataset refresh attempts by outcome",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		CacheLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caepi_cache_loads_total",
			Help: "Persistent cache load attempts by result",
		}, []string{"result"}),

		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caepi_lookups_total",
			Help: "Certificate lookups by result",
		}, []string{"result"}),

		CoordinatorState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caepi_coordinator_state",
			Help: "Current refresh coordinator state (1 for the active state)",
		}, []string{"state"}),

		Records: f.NewGauge(prometheus.GaugeOpts{
			Name: "caepi_snapshot_records",
			Help: "Number of records in the served snapshot",
		}),

		SnapshotBuiltAt: f.NewGauge(prometheus.GaugeOpts{
			Name: "caepi_snapshot_built_timestamp_seconds",
			Help: "Unix time at which the served snapshot was built",
		}),

		SkippedLines: f.NewCounter(prometheus.CounterOpts{
			Name: "caepi_parser_skipped_lines_total",
			Help: "Feed lines skipped by the parser, including headers",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caepi_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code",
		}, []string{"route", "method", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caepi_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveRefresh(outcome string, d time.Duration) {
	if m != nil {
		m.RefreshTotal.WithLabelValues(outcome).Inc()
		m.RefreshDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementCacheLoad(result string) {
	if m != nil {
		m.CacheLoads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementLookup(result string) {
	if m != nil {
		m.Lookups.WithLabelValues(result).Inc()
	}
}

// SetState marks state as the active coordinator state among all states.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CoordinatorState.WithLabelValues(s).Set(v)
	}
}

// SetSnapshot records the size and build time of the served snapshot.
func (m *Metrics) SetSnapshot(records int, builtAt time.Time) {
	if m != nil {
		m.Records.Set(float64(records))
		m.SnapshotBuiltAt.Set(float64(builtAt.Unix()))
	}
}

func (m *Metrics) AddSkippedLines(n int) {
	if m != nil && n > 0 {
		m.SkippedLines.Add(float64(n))
	}
}

func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, method, httpCode(code)).Inc()
		m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
