//go:build linux

// File: metrics/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prometheus collector over a loop's counters. The collector reads
// atomic snapshots, so scraping from the default registry's HTTP
// handler never touches loop-thread state.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-uv/uv"
)

// Collector exposes one loop's Stats as prometheus metrics, labelled
// by loop id. Register it with prometheus.MustRegister.
type Collector struct {
	loop *uv.Loop

	iterations *prometheus.Desc
	events     *prometheus.Desc
	callbacks  *prometheus.Desc
	faults     *prometheus.Desc
	handles    *prometheus.Desc
	requests   *prometheus.Desc
	backlog    *prometheus.Desc
}

// NewCollector builds a collector for l.
func NewCollector(l *uv.Loop) *Collector {
	labels := prometheus.Labels{"loop": strconv.FormatInt(l.ID(), 10)}
	return &Collector{
		loop: l,
		iterations: prometheus.NewDesc(
			"hioload_uv_loop_iterations_total",
			"Completed loop iterations.",
			nil, labels),
		events: prometheus.NewDesc(
			"hioload_uv_loop_events_total",
			"Readiness events dispatched to handles.",
			nil, labels),
		callbacks: prometheus.NewDesc(
			"hioload_uv_loop_callbacks_total",
			"User callbacks dispatched.",
			nil, labels),
		faults: prometheus.NewDesc(
			"hioload_uv_loop_faults_total",
			"Callback faults contained by the excepthook.",
			nil, labels),
		handles: prometheus.NewDesc(
			"hioload_uv_loop_handles",
			"Handles currently registered.",
			nil, labels),
		requests: prometheus.NewDesc(
			"hioload_uv_loop_requests",
			"Requests currently in flight.",
			nil, labels),
		backlog: prometheus.NewDesc(
			"hioload_uv_loop_submit_backlog",
			"Cross-thread submissions awaiting the loop.",
			nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.iterations
	ch <- c.events
	ch <- c.callbacks
	ch <- c.faults
	ch <- c.handles
	ch <- c.requests
	ch <- c.backlog
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.loop.Stats()
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(s.Iterations))
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(s.Events))
	ch <- prometheus.MustNewConstMetric(c.callbacks, prometheus.CounterValue, float64(s.Callbacks))
	ch <- prometheus.MustNewConstMetric(c.faults, prometheus.CounterValue, float64(s.Faults))
	ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(s.HandlesLive))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.GaugeValue, float64(s.RequestsInFlight))
	ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.GaugeValue, float64(s.SubmitBacklog))
}
