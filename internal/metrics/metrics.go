// Package metrics defines the metrics collaborator interface consumed by
// the core admission/counter/scaler packages, plus a default Prometheus
// implementation. The core packages only ever see the Recorder interface;
// Prometheus exposition is wiring done once in internal/cli/serve.go, per spec.md's
// "Prometheus export plumbing is a named collaborator" scope note.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface the admission path writes to.
type Recorder interface {
	AdmissionDecided(group, outcome string)
	QueueDepth(group string, depth int)
	ClusterCounter(group, cluster string, value int)
	ReconcileDrift(group, cluster string, delta int)
}

// Prometheus implements Recorder on top of client_golang.
type Prometheus struct {
	admissions   *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	clusterCount *prometheus.GaugeVec
	driftTotal   *prometheus.CounterVec
}

// NewPrometheus registers the trino-lb metric families against reg (pass
// prometheus.DefaultRegisterer to use the global registry).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trino_lb",
			Name:      "admissions_total",
			Help:      "Admission decisions by cluster group and outcome.",
		}, []string{"group", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trino_lb",
			Name:      "queue_depth",
			Help:      "Current number of queued queries per cluster group.",
		}, []string{"group"}),
		clusterCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trino_lb",
			Name:      "cluster_running_queries",
			Help:      "Current in-flight query counter per cluster.",
		}, []string{"group", "cluster"}),
		driftTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trino_lb",
			Name:      "counter_reconcile_drift_total",
			Help:      "Absolute counter correction applied by reconciliation.",
		}, []string{"group", "cluster"}),
	}
}

func (p *Prometheus) AdmissionDecided(group, outcome string) {
	p.admissions.WithLabelValues(group, outcome).Inc()
}

func (p *Prometheus) QueueDepth(group string, depth int) {
	p.queueDepth.WithLabelValues(group).Set(float64(depth))
}

func (p *Prometheus) ClusterCounter(group, cluster string, value int) {
	p.clusterCount.WithLabelValues(group, cluster).Set(float64(value))
}

func (p *Prometheus) ReconcileDrift(group, cluster string, delta int) {
	if delta < 0 {
		delta = -delta
	}
	p.driftTotal.WithLabelValues(group, cluster).Add(float64(delta))
}

// Noop discards all metrics. Useful in tests and for components that don't
// wire a Recorder.
type Noop struct{}

func (Noop) AdmissionDecided(group, outcome string)             {}
func (Noop) QueueDepth(group string, depth int)                 {}
func (Noop) ClusterCounter(group, cluster string, value int)    {}
func (Noop) ReconcileDrift(group, cluster string, delta int)    {}
