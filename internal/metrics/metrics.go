// Package metrics holds the proxy's in-process prometheus registry.
// The proxy has no HTTP surface (only stdio transport is supported),
// so these collectors are not exposed for scraping; they are gathered
// periodically and rendered to the structured log instead, giving the
// dependency real counting work without inventing an HTTP listener.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles the counters and gauges the upstream and router
// packages update during normal operation.
type Registry struct {
	reg *prometheus.Registry

	UpstreamRestarts    *prometheus.CounterVec
	UpstreamHealthy     *prometheus.GaugeVec
	RouterRequests      *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
}

// New constructs and registers all collectors on a private registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.UpstreamRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_restarts_total",
		Help: "Number of restart attempts per upstream alias.",
	}, []string{"alias"})

	r.UpstreamHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upstream_healthy",
		Help: "1 if the upstream is currently healthy, 0 otherwise.",
	}, []string{"alias"})

	r.RouterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_requests_total",
		Help: "Client requests dispatched by method.",
	}, []string{"method"})

	r.RateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	})

	r.reg.MustRegister(r.UpstreamRestarts, r.UpstreamHealthy, r.RouterRequests, r.RateLimitRejections)
	return r
}

// LogSnapshot gathers every metric family and emits one DEBUG log entry
// per counter/gauge sample, labelled by its metric name and labels.
func (r *Registry) LogSnapshot(logger *slog.Logger) {
	families, err := r.reg.Gather()
	if err != nil {
		logger.Warn("metrics: gather failed", "error", err)
		return
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			logger.Debug("metrics",
				"name", fam.GetName(),
				"labels", labelString(m.GetLabel()),
				"value", metricValue(m),
			)
		}
	}
}

func labelString(pairs []*dto.LabelPair) string {
	s := ""
	for i, p := range pairs {
		if i > 0 {
			s += ","
		}
		s += p.GetName() + "=" + p.GetValue()
	}
	return s
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}
