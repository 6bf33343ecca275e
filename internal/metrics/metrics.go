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

	// processEvents counts lifecycle transitions the Supervisor Loop drives:
	// one CounterVec keyed by event name rather than a counter per event,
	// since new event kinds (flush, restore, ...) only need a new label
	// value, not a new collector.
	processEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "events_total",
			Help:      "Count of process lifecycle events by kind (start, restart, stop).",
		}, []string{"name", "event"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "start_duration_seconds",
			Help:      "Observed start duration wait window when StartDuration > 0.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "running_instances",
			Help:      "Current running instances per base process name.",
		}, []string{"base"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	// logFlushes and watcherProposals give the Log Sink (C3) and Watcher
	// (C5) a Prometheus surface of their own, distinct from the process
	// lifecycle counters above.
	logFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "logsink",
			Name:      "flushes_total",
			Help:      "Number of log flush operations, by process name.",
		}, []string{"name"},
	)
	watcherProposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "watcher",
			Name:      "restart_proposals_total",
			Help:      "Number of restart proposals emitted after a debounced filesystem change.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processEvents, processStartDuration, runningInstances,
		stateTransitions, currentStates, logFlushes, watcherProposals,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

func IncStart(name string)   { incEvent(name, "start") }
func IncRestart(name string) { incEvent(name, "restart") }
func IncStop(name string)    { incEvent(name, "stop") }

func incEvent(name, event string) {
	if regOK.Load() {
		processEvents.WithLabelValues(name, event).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(name).Observe(seconds)
	}
}
func SetRunningInstances(base string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(base).Set(float64(n))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

// IncLogFlush records one flush() call against name's log files.
func IncLogFlush(name string) {
	if regOK.Load() {
		logFlushes.WithLabelValues(name).Inc()
	}
}

// IncWatcherProposal records one debounced restart proposal for name.
func IncWatcherProposal(name string) {
	if regOK.Load() {
		watcherProposals.WithLabelValues(name).Inc()
	}
}
