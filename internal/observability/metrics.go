// Package observability exposes prometheus metrics for the mission
// supervisor.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	missionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipper",
			Subsystem: "mission",
			Name:      "terminal_total",
			Help:      "Missions that reached a terminal state.",
		},
		[]string{"state", "reason"},
	)
	goalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skipper",
			Subsystem: "goal",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes reported for goal dispatches.",
		},
		[]string{"outcome"},
	)
	goalRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skipper",
			Subsystem: "goal",
			Name:      "retries_total",
			Help:      "Goal re-dispatches after a failed attempt.",
		},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skipper",
			Subsystem: "goal",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time from goal dispatch to terminal outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(missionsTotal, goalOutcomes, goalRetries, dispatchDuration)
	})
}

func RecordMissionTerminal(state, reason string) {
	RegisterMetrics()
	missionsTotal.WithLabelValues(state, reason).Inc()
}

func RecordGoalOutcome(outcome string) {
	RegisterMetrics()
	goalOutcomes.WithLabelValues(outcome).Inc()
}

func RecordGoalRetry() {
	RegisterMetrics()
	goalRetries.Inc()
}

func RecordDispatch(outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
