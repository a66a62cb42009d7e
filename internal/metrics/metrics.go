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

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "repo",
			Name:      "polls_total",
			Help:      "Number of branch polls by result (changed, unchanged, error).",
		}, []string{"result"},
	)
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "build",
			Name:      "builds_total",
			Help:      "Number of finished builds by terminal status.",
		}, []string{"status"},
	)
	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finished builds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	activeBuildID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "build",
			Name:      "active_id",
			Help:      "ID of the build currently running (0 when idle).",
		},
	)
	deploysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "service",
			Name:      "deploys_total",
			Help:      "Number of artifact deployments to the service.",
		},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of crash restarts.",
		}, []string{"name"},
	)
	serviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current service runtime state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pollsTotal, buildsTotal, buildDuration, activeBuildID, deploysTotal, serviceRestarts, serviceStates}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncPoll(result string) {
	if regOK.Load() {
		pollsTotal.WithLabelValues(result).Inc()
	}
}

func IncBuild(status string) {
	if regOK.Load() {
		buildsTotal.WithLabelValues(status).Inc()
	}
}

func ObserveBuildDuration(seconds float64) {
	if regOK.Load() {
		buildDuration.Observe(seconds)
	}
}

func SetActiveBuild(id int64) {
	if regOK.Load() {
		activeBuildID.Set(float64(id))
	}
}

func IncDeploy() {
	if regOK.Load() {
		deploysTotal.Inc()
	}
}

func IncServiceRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func SetServiceState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		serviceStates.WithLabelValues(name, state).Set(value)
	}
}
