package freerouter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector exposes a Stats tracker as Prometheus series: a
// registry-owning struct with a Handler() serving GET /metrics. It never
// replaces /stats; the registry reads through to the live Stats tracker on
// every scrape via CounterFunc callbacks, so there is no separate counter
// state to keep in sync.
type MetricsCollector struct {
	registry *prometheus.Registry
	stats    *Stats
}

// NewMetricsCollector creates a collector backed by stats and registers its
// series against reg. If reg is nil, a fresh private registry is used so
// repeated construction (e.g. in tests) never collides with the global
// default registry.
func NewMetricsCollector(stats *Stats, reg *prometheus.Registry) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &MetricsCollector{registry: reg, stats: stats}

	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "freerouter", Name: "requests_total",
			Help: "Total chat completion requests handled.",
		}, func() float64 { return float64(c.stats.Snapshot().TotalRequests) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "freerouter", Name: "errors_total",
			Help: "Total failed upstream attempts and mid-stream failures (including timeouts).",
		}, func() float64 { return float64(c.stats.Snapshot().TotalErrors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "freerouter", Name: "timeouts_total",
			Help: "Total upstream attempts that timed out or streams that stalled.",
		}, func() float64 { return float64(c.stats.Snapshot().TotalTimeouts) }),
	)
	reg.MustRegister(newPerKeyCollector("freerouter_requests_by_tier", "Requests routed to each tier.", "tier", func() map[string]int64 {
		return c.stats.Snapshot().ByTier
	}))
	reg.MustRegister(newPerKeyCollector("freerouter_attempts_by_model", "Upstream attempts made against each model.", "model", func() map[string]int64 {
		return c.stats.Snapshot().ByModel
	}))

	return c
}

// Handler returns the promhttp handler serving this collector's registry.
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// perKeyCollector adapts a dynamically-keyed map snapshot (tier name or
// model id -> count) into a Prometheus GaugeVec-shaped collector without
// needing to pre-declare every label value up front, since the set of
// models is config-defined and unknown at collector construction time.
type perKeyCollector struct {
	desc  *prometheus.Desc
	fetch func() map[string]int64
}

func newPerKeyCollector(fqName, help, label string, fetch func() map[string]int64) *perKeyCollector {
	return &perKeyCollector{
		desc:  prometheus.NewDesc(fqName, help, []string{label}, nil),
		fetch: fetch,
	}
}

func (p *perKeyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *perKeyCollector) Collect(ch chan<- prometheus.Metric) {
	for key, n := range p.fetch() {
		ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(n), key)
	}
}
