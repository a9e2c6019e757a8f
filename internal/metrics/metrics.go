package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procfleet",
			Subsystem: "operation",
			Name:      "total",
			Help:      "Number of fleet operations by name and result.",
		}, []string{"op", "result"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procfleet",
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Wall time of fleet operations against one host.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"op"},
	)
	uptests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procfleet",
			Subsystem: "uptest",
			Name:      "results_total",
			Help:      "Uptest results by outcome.",
		}, []string{"result"},
	)
	removed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procfleet",
			Subsystem: "gc",
			Name:      "removed_total",
			Help:      "Builds, images and procs removed by garbage collection.",
		}, []string{"kind"},
	)
	orphansKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procfleet",
			Subsystem: "orphan",
			Name:      "killed_total",
			Help:      "Orphaned container processes killed.",
		}, []string{"host"},
	)
	commandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procfleet",
			Subsystem: "remote",
			Name:      "command_failures_total",
			Help:      "Remote commands that exited non-zero, timed out or could not start.",
		}, []string{"host"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{operations, operationDuration, uptests, removed, orphansKilled, commandFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOperation(op string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		operations.WithLabelValues(op, result).Inc()
	}
}

func ObserveOperationDuration(op string, seconds float64) {
	if regOK.Load() {
		operationDuration.WithLabelValues(op).Observe(seconds)
	}
}

func IncUptest(passed bool) {
	if regOK.Load() {
		result := "failed"
		if passed {
			result = "passed"
		}
		uptests.WithLabelValues(result).Inc()
	}
}

// IncRemoved counts one removal; kind is "build", "image" or "proc".
func IncRemoved(kind string) {
	if regOK.Load() {
		removed.WithLabelValues(kind).Inc()
	}
}

func IncOrphansKilled(host string) {
	if regOK.Load() {
		orphansKilled.WithLabelValues(host).Inc()
	}
}

func IncCommandFailure(host string) {
	if regOK.Load() {
		commandFailures.WithLabelValues(host).Inc()
	}
}
