// Package metrics exposes Prometheus metrics for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunningTasks reports the number of tasks currently executing.
type RunningTasks interface {
	RunningTaskCount() (int, error)
}

// PendingApprovals reports the number of open approval requests.
type PendingApprovals interface {
	PendingCount() (int, error)
}

// RunnerPool reports the size of the registered runner pool.
type RunnerPool interface {
	Count() (int, error)
}

// Collector owns the registry and the lifecycle counters. It implements
// the job engine's observer.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
}

// NewCollector builds the registry with gauges polled from the given
// sources. Nil sources leave their gauge unregistered.
func NewCollector(tasks RunningTasks, approvals PendingApprovals, runners RunnerPool) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsplane_jobs_submitted_total",
			Help: "Jobs submitted, by kind.",
		}, []string{"kind"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsplane_tasks_finished_total",
			Help: "Tasks reaching a terminal status, by outcome.",
		}, []string{"status"}),
	}
	registry.MustRegister(c.jobsSubmitted, c.tasksFinished)

	if tasks != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "opsplane_tasks_running",
			Help: "Tasks currently executing.",
		}, func() float64 {
			n, err := tasks.RunningTaskCount()
			if err != nil {
				return 0
			}
			return float64(n)
		}))
	}
	if approvals != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "opsplane_approvals_pending",
			Help: "Approval requests awaiting a decision.",
		}, func() float64 {
			n, err := approvals.PendingCount()
			if err != nil {
				return 0
			}
			return float64(n)
		}))
	}
	if runners != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "opsplane_runners_registered",
			Help: "Registered runner agents.",
		}, func() float64 {
			n, err := runners.Count()
			if err != nil {
				return 0
			}
			return float64(n)
		}))
	}

	return c
}

// JobSubmitted counts one submission.
func (c *Collector) JobSubmitted(kind string) {
	c.jobsSubmitted.WithLabelValues(kind).Inc()
}

// TaskFinished counts one terminal task.
func (c *Collector) TaskFinished(status string) {
	c.tasksFinished.WithLabelValues(status).Inc()
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
