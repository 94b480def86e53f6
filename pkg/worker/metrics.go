package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Poll results.
const (
	pollMessage = "message"
	pollEmpty   = "empty"
	pollError   = "error"
	pollDecode  = "decode_error"
)

// Job outcomes.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeSkipped   = "skipped"
	outcomeAbandoned = "abandoned"
)

// Metrics holds the worker's prometheus collectors.
type Metrics struct {
	Polls               *prometheus.CounterVec
	Jobs                *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	ConsecutiveFailures prometheus.Gauge
	LedgerErrors        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recount_pump_polls_total",
				Help: "Queue polls by result",
			},
			[]string{"result"}, // message, empty, error, decode_error
		),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recount_pump_jobs_total",
				Help: "Jobs handled by outcome",
			},
			[]string{"outcome"}, // success, failure, skipped, abandoned
		),
		// Buckets: 1s to ~9h
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recount_pump_job_duration_seconds",
				Help:    "Time spent staging and running a job",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
		),
		ConsecutiveFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recount_pump_consecutive_failures",
				Help: "Current consecutive poll or decode failures",
			},
		),
		LedgerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recount_pump_ledger_errors_total",
				Help: "Attempt ledger reads or writes that failed",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.Jobs, m.JobDuration, m.ConsecutiveFailures, m.LedgerErrors)
	}
	return m
}
