package coord

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeLabel distinguishes job results
	OutcomeLabel = "outcome"
	// TypeLabel carries the job type
	TypeLabel = "type"

	SuccessOutcome = "success"
	FailureOutcome = "failure"
)

// Measures holds the worker's metrics
type Measures struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// NewMeasures builds and registers worker metrics. reg may be nil to skip registration.
func NewMeasures(reg prometheus.Registerer) *Measures {
	m := &Measures{
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cairn_jobs_processed_total",
				Help: "The total number of jobs processed by outcome",
			},
			[]string{TypeLabel, OutcomeLabel},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cairn_job_duration_seconds",
				Help:    "A histogram of job handler latencies",
				Buckets: []float64{0.05, 0.1, .25, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{TypeLabel},
		),
	}
	if reg != nil {
		reg.MustRegister(m.JobsProcessed, m.JobDuration)
	}
	return m
}
