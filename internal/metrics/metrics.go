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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed start attempts by reason.",
		}, []string{"name", "reason"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops; forced=true when the kill signal was needed.",
		}, []string{"name", "forced"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restart requests.",
		}, []string{"name"},
	)
	stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "stop_duration_seconds",
			Help:      "Time from the terminate signal until the process was gone.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage percent of the service process.",
		}, []string{"name"},
	)
	memoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "helmd",
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Last sampled resident memory of the service process in MB.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, startFailures, serviceStops, serviceRestarts, stopDuration, stateTransitions, currentStates, cpuPercent, memoryMB}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name, reason string) {
	if regOK.Load() {
		startFailures.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		serviceStops.WithLabelValues(name, f).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func ObserveStopDuration(name string, seconds float64) {
	if regOK.Load() {
		stopDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state among states.
func SetCurrentState(name, state string, states []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func SetResources(name string, cpu, memMB float64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		memoryMB.WithLabelValues(name).Set(memMB)
	}
}

// ClearResources drops the resource series of a service that is no longer running.
func ClearResources(name string) {
	if regOK.Load() {
		cpuPercent.DeleteLabelValues(name)
		memoryMB.DeleteLabelValues(name)
	}
}
