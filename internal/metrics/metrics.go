// Package metrics exposes the Prometheus instruments updated during a run:
//
//	mtf_runs_total{status}            – completed orchestration runs
//	mtf_symbols_total{status}         – per-symbol cascade outcomes
//	mtf_admission_excluded_total      – symbols filtered out pre-cascade
//	mtf_plans_total{side,outcome}     – order plans built or rejected
//	mtf_run_duration_seconds          – wall-clock run duration
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtf_runs_total",
			Help: "Orchestration runs by final status",
		},
		[]string{"status"},
	)

	SymbolOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtf_symbols_total",
			Help: "Per-symbol cascade outcomes",
		},
		[]string{"status"},
	)

	AdmissionExcluded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mtf_admission_excluded_total",
			Help: "Symbols excluded by the admission gate",
		},
	)

	Plans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtf_plans_total",
			Help: "Order plans by side and outcome (built|rejected)",
		},
		[]string{"side", "outcome"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mtf_run_duration_seconds",
			Help:    "Wall-clock duration of one run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(Runs, SymbolOutcomes, AdmissionExcluded, Plans, RunDuration)
}

// Handler serves the registered instruments in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr for the life of the process. It returns once
// the listener is installed; errors after that are reported through errCh.
func Serve(addr string) <-chan error {
	errCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		errCh <- http.ListenAndServe(addr, mux)
	}()
	return errCh
}
