package proxycache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// RepositoryLabel carries the proxy repository name
	RepositoryLabel = "repository"
)

// Metrics counts proxy cache behavior per repository
type Metrics struct {
	Hits          *prometheus.CounterVec
	Misses        *prometheus.CounterVec
	FetchSuccess  *prometheus.CounterVec
	FetchFailure  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	Evicted       *prometheus.CounterVec
}

// NewMetrics builds and registers the proxy cache metrics. reg may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{RepositoryLabel})
	}

	m := &Metrics{
		Hits:         counter("cairn_proxy_cache_hits_total", "The total number of proxy cache hits"),
		Misses:       counter("cairn_proxy_cache_misses_total", "The total number of proxy cache misses"),
		FetchSuccess: counter("cairn_proxy_fetch_success_total", "The total number of successful upstream fetches"),
		FetchFailure: counter("cairn_proxy_fetch_failure_total", "The total number of failed upstream fetches"),
		Evicted:      counter("cairn_proxy_cache_evicted_total", "The total number of cached objects removed by cleanup"),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cairn_proxy_fetch_duration_seconds",
				Help:    "A histogram of upstream fetch latencies",
				Buckets: []float64{0.05, 0.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{RepositoryLabel},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.FetchSuccess, m.FetchFailure, m.FetchDuration, m.Evicted)
	}
	return m
}
