// Package metrics exposes Prometheus counters and histograms for the
// dispatcher, reconcile loops, and container engine, scraped on a
// private listener (no public HTTP API is part of this service).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the control plane registers.
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	AcksPublished    *prometheus.CounterVec
	EngineCallsTotal *prometheus.CounterVec
	EngineCallLatency *prometheus.HistogramVec

	ReapPassesTotal    prometheus.Counter
	ReapedRowsTotal    prometheus.Counter
	ScanPassesTotal    prometheus.Counter
	ScanUpdatedTotal   prometheus.Counter
	ScanRemovedTotal   prometheus.Counter

	EngineCircuitState prometheus.Gauge
}

// New builds and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instancectl_commands_total",
				Help: "Total number of commands processed by action and outcome code.",
			},
			[]string{"action", "code"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "instancectl_command_duration_seconds",
				Help:    "Time to process one command end to end.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"action"},
		),
		AcksPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instancectl_acks_published_total",
				Help: "Total number of acknowledgements and notifications published.",
			},
			[]string{"kind"},
		),
		EngineCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instancectl_engine_calls_total",
				Help: "Total number of container engine calls by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		EngineCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "instancectl_engine_call_duration_seconds",
				Help:    "Container engine call duration in seconds.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op"},
		),
		ReapPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancectl_reap_passes_total",
			Help: "Total number of reaper passes that ran (engine reachable).",
		}),
		ReapedRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancectl_reaped_rows_total",
			Help: "Total number of rows removed or transitioned by the reaper.",
		}),
		ScanPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancectl_scan_passes_total",
			Help: "Total number of consistency scanner passes that ran.",
		}),
		ScanUpdatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancectl_scan_updated_rows_total",
			Help: "Total number of rows the consistency scanner marked INACTIVE.",
		}),
		ScanRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instancectl_scan_removed_rows_total",
			Help: "Total number of ghost rows the consistency scanner deleted.",
		}),
		EngineCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "instancectl_engine_circuit_state",
			Help: "Container engine circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.CommandsTotal,
			m.CommandDuration,
			m.AcksPublished,
			m.EngineCallsTotal,
			m.EngineCallLatency,
			m.ReapPassesTotal,
			m.ReapedRowsTotal,
			m.ScanPassesTotal,
			m.ScanUpdatedTotal,
			m.ScanRemovedTotal,
			m.EngineCircuitState,
		)
	}
	return m
}

// RecordCommand records one processed command's outcome and latency.
func (m *Metrics) RecordCommand(action string, code int, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(action, strconv.Itoa(code)).Inc()
	m.CommandDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordAck records one published ack or notification by kind ("ack" or
// "notification").
func (m *Metrics) RecordAck(kind string) {
	m.AcksPublished.WithLabelValues(kind).Inc()
}

// RecordEngineCall records one engine call's outcome and latency.
func (m *Metrics) RecordEngineCall(op, outcome string, duration time.Duration) {
	m.EngineCallsTotal.WithLabelValues(op, outcome).Inc()
	m.EngineCallLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReapPass records one completed reaper pass and how many rows it
// touched.
func (m *Metrics) RecordReapPass(rowsTouched int) {
	m.ReapPassesTotal.Inc()
	m.ReapedRowsTotal.Add(float64(rowsTouched))
}

// RecordScanPass records one completed scanner pass and its outcome counts.
func (m *Metrics) RecordScanPass(updated, removed int) {
	m.ScanPassesTotal.Inc()
	m.ScanUpdatedTotal.Add(float64(updated))
	m.ScanRemovedTotal.Add(float64(removed))
}

// SetEngineCircuitState reports the current breaker state (0/1/2).
func (m *Metrics) SetEngineCircuitState(state int) {
	m.EngineCircuitState.Set(float64(state))
}
