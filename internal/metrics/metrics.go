// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixbio/pipelined/internal/queue"
)

// Metrics holds the daemon's collectors. A nil *Metrics is safe to use;
// every Inc method is a no-op on it. Handler needs a non-nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	PipelinesLaunched prometheus.Counter
	PipelinesFinished prometheus.Counter
	ReportsProcessed  prometheus.Counter
	ReportsDiscarded  prometheus.Counter
	WorkerErrors      *prometheus.CounterVec
}

// New creates the collector set and registers queue usage gauges that read
// from the live queue on scrape.
func New(q *queue.PipelineQueue) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		PipelinesLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_pipelines_launched_total",
			Help: "Pipelines admitted and launched.",
		}),
		PipelinesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_pipelines_finished_total",
			Help: "Pipelines retired from the queue after finishing.",
		}),
		ReportsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_reports_processed_total",
			Help: "Completion reports applied to the database.",
		}),
		ReportsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_reports_discarded_total",
			Help: "Completion reports acknowledged without being applied.",
		}),
		WorkerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_worker_errors_total",
			Help: "Task errors that stopped a worker loop.",
		}, []string{"worker"}),
	}

	registry.MustRegister(
		m.PipelinesLaunched,
		m.PipelinesFinished,
		m.ReportsProcessed,
		m.ReportsDiscarded,
		m.WorkerErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pipelined_queue_cpus_in_use",
			Help: "CPUs committed by runners in the queue.",
		}, func() float64 { return float64(q.Usage().CPUs) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pipelined_queue_loading_pipelines",
			Help: "Runners occupying a provisioning slot.",
		}, func() float64 { return float64(q.Usage().Loading) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pipelined_queue_active_pipelines",
			Help: "Runners currently in the queue.",
		}, func() float64 { return float64(q.Usage().Pipelines) }),
	)

	return m
}

// Handler returns the scrape endpoint for the collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncLaunched counts one launched pipeline.
func (m *Metrics) IncLaunched() {
	if m != nil {
		m.PipelinesLaunched.Inc()
	}
}

// IncFinished counts one retired pipeline.
func (m *Metrics) IncFinished() {
	if m != nil {
		m.PipelinesFinished.Inc()
	}
}

// IncReportProcessed counts one applied report.
func (m *Metrics) IncReportProcessed() {
	if m != nil {
		m.ReportsProcessed.Inc()
	}
}

// IncReportDiscarded counts one discarded report.
func (m *Metrics) IncReportDiscarded() {
	if m != nil {
		m.ReportsDiscarded.Inc()
	}
}

// IncWorkerError counts one fatal worker task error.
func (m *Metrics) IncWorkerError(worker string) {
	if m != nil {
		m.WorkerErrors.WithLabelValues(worker).Inc()
	}
}
