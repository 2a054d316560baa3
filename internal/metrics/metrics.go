// Package metrics exposes queue activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leaseq"

type Metrics struct {
	Enqueued      *prometheus.CounterVec
	Claimed       *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	LeaseLost     *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	WorkersReaped prometheus.Counter
	LeasesSwept   *prometheus.CounterVec
	Jobs          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the scheduler.",
		}, []string{"queue"}),
		Claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs leased by this process.",
		}, []string{"queue"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Recorded job outcomes by resulting status.",
		}, []string{"queue", "status"}),
		LeaseLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_lost_total",
			Help:      "Reports or renewals rejected because the lease moved on.",
		}, []string{"queue"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Executor wall time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"queue"}),
		WorkersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_reaped_total",
			Help:      "Dead worker records removed.",
		}),
		LeasesSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_swept_total",
			Help:      "Abandoned leases closed by the reaper, by resulting status.",
		}, []string{"status"}),
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs per queue and status as of the last stats refresh.",
		}, []string{"queue", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Enqueued, m.Claimed, m.Outcomes, m.LeaseLost, m.Duration,
			m.WorkersReaped, m.LeasesSwept, m.Jobs)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics { return New(nil) }

func (m *Metrics) ObserveExecution(queue string, start time.Time) {
	m.Duration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}
