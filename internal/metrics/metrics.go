package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testhost"

type Metrics struct {
	DeploymentsActive *prometheus.GaugeVec
	DeploymentsTotal  *prometheus.CounterVec
	DeploymentsFailed *prometheus.CounterVec
	TeardownFailures  *prometheus.CounterVec
	DeployDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeploymentsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments_active",
				Help:      "Applications currently deployed",
			},
			[]string{"site"},
		),
		DeploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployments attempted",
			},
			[]string{"site"},
		),
		DeploymentsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_failed_total",
				Help:      "Deployments that did not complete",
			},
			[]string{"site"},
		),
		TeardownFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardown_failures_total",
				Help:      "Teardowns that finished with at least one failed step",
			},
			[]string{"site"},
		),
		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Time taken by a successful deployment",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"site"},
		),
	}
	reg.MustRegister(m.DeploymentsActive, m.DeploymentsTotal, m.DeploymentsFailed, m.TeardownFailures, m.DeployDuration)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
