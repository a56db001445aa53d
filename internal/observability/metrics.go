package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway core's Prometheus metrics.
type Metrics struct {
	// RunCounter counts agent runs by outcome.
	// Labels: outcome (completed|aborted|timed_out|errored)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall-clock time in seconds.
	// Labels: provider, model
	RunDuration *prometheus.HistogramVec

	// ProfileRotations counts credential rotations by failure reason.
	// Labels: provider, reason
	ProfileRotations *prometheus.CounterVec

	// Failovers counts model-level failover signals.
	// Labels: provider, model
	Failovers *prometheus.CounterVec

	// CompactionRetries counts compaction-with-retry cycles.
	CompactionRetries prometheus.Counter

	// SteeredMessages counts messages injected into streaming runs.
	SteeredMessages prometheus.Counter

	// FollowupsQueued counts followup messages enqueued behind lane work.
	// Labels: mode (followup|collect|steer-backlog)
	FollowupsQueued *prometheus.CounterVec

	// FollowupsDropped counts followups evicted by the queue cap.
	// Labels: policy (oldest|newest|summarize)
	FollowupsDropped *prometheus.CounterVec

	// ActiveRuns is a gauge of currently registered runs.
	ActiveRuns prometheus.Gauge
}

// NewMetrics creates and registers the core metrics on a fresh registry.
// The returned registry can be exposed by the caller's HTTP surface.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_runs_total",
			Help: "Agent runs by outcome.",
		}, []string{"outcome"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openclaw_run_duration_seconds",
			Help:    "Agent run wall-clock duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "model"}),

		ProfileRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_profile_rotations_total",
			Help: "Credential profile rotations by failure reason.",
		}, []string{"provider", "reason"}),

		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_failovers_total",
			Help: "Model-level failover signals raised.",
		}, []string{"provider", "model"}),

		CompactionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "openclaw_compaction_retries_total",
			Help: "Compaction-with-retry cycles observed on run streams.",
		}),

		SteeredMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "openclaw_steered_messages_total",
			Help: "Messages steered into active streaming runs.",
		}),

		FollowupsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_followups_queued_total",
			Help: "Followup messages queued behind lane work.",
		}, []string{"mode"}),

		FollowupsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openclaw_followups_dropped_total",
			Help: "Followup messages evicted by queue caps.",
		}, []string{"policy"}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "openclaw_active_runs",
			Help: "Currently registered agent runs.",
		}),
	}

	return m, reg
}
