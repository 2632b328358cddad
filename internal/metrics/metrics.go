// Package metrics registers the proxy's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors the data path updates.
type Metrics struct {
	Requests         *prometheus.CounterVec
	Blocks           *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
}

// New registers the collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtai_proxy_requests_total",
			Help: "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		Blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtai_proxy_blocks_total",
			Help: "Blocked events by the engine that mandated the block.",
		}, []string{"engine"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtai_pipeline_duration_seconds",
			Help:    "Security pipeline wall-clock duration.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}
