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

// Package metrics exposes Prometheus collectors for the execution
// framework and implements the dispatcher's Metrics interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// runsSubmitted tracks total submissions accepted by the dispatcher.
	runsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_runs_submitted_total",
			Help: "Total runs submitted by kind, handler name, and lane",
		},
		[]string{"kind", "name", "lane"},
	)

	// runsFinished tracks terminal runs.
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_runs_finished_total",
			Help: "Total terminal runs by kind, handler name, status, and error category",
		},
		[]string{"kind", "name", "status", "category"},
	)

	// runDuration observes started-to-terminal latency.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Run duration from start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind", "status"},
	)

	// dlqMoves tracks dead-letter moves.
	dlqMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_dlq_moves_total",
			Help: "Total runs moved to the dead letter queue by handler name and reason",
		},
		[]string{"name", "reason"},
	)

	// queueDepth tracks executor backlog per lane.
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current executor queue depth per lane",
		},
		[]string{"lane"},
	)

	// activeRuns tracks currently executing runs.
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_runs",
			Help: "Number of currently executing runs",
		},
	)

	// breakerState tracks circuit breaker state per handler
	// (0 closed, 1 half-open, 2 open).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_breaker_state",
			Help: "Circuit breaker state per handler (0 closed, 1 half-open, 2 open)",
		},
		[]string{"handler"},
	)
)

// Collector implements the dispatcher's Metrics interface.
type Collector struct{}

// NewCollector creates the metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordSubmit increments the submission counter.
func (c *Collector) RecordSubmit(kind, name, lane string) {
	runsSubmitted.WithLabelValues(kind, name, lane).Inc()
}

// RecordFinish increments the terminal-run counter and observes duration.
func (c *Collector) RecordFinish(kind, name, status, category string, duration time.Duration) {
	runsFinished.WithLabelValues(kind, name, status, category).Inc()
	if duration > 0 {
		runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	}
}

// RecordDLQMove increments the DLQ move counter.
func (c *Collector) RecordDLQMove(name, reason string) {
	dlqMoves.WithLabelValues(name, reason).Inc()
}

// SetQueueDepth records the current backlog for a lane.
func (c *Collector) SetQueueDepth(lane string, depth int) {
	queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetActiveRuns records the current number of executing runs.
func (c *Collector) SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}

// RecordBreakerState records a breaker state change.
func (c *Collector) RecordBreakerState(handler, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(handler).Set(v)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ExecutorSampler exposes the executor gauges Poll samples. Both shipped
// executors implement it.
type ExecutorSampler interface {
	ActiveCount() int
	QueueDepth(lane string) int
	Lanes() []string
}

// Poll runs a sampling loop; call it in its own goroutine.
func (c *Collector) Poll(done <-chan struct{}, interval time.Duration, ex ExecutorSampler) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.SetActiveRuns(ex.ActiveCount())
			for _, lane := range ex.Lanes() {
				c.SetQueueDepth(lane, ex.QueueDepth(lane))
			}
		}
	}
}
