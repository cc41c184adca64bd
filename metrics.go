package stagewise

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus surface. A nil *Metrics is a valid
// no-op receiver so callers never guard their instrumentation calls.
type Metrics struct {
	transitionsApplied *prometheus.CounterVec
	transitionsFailed  *prometheus.CounterVec
	conflictsDetected  prometheus.Counter

	forksStarted     prometheus.Counter
	branchesResolved *prometheus.CounterVec
	joinsResolved    *prometheus.CounterVec

	slaWarnings     prometheus.Counter
	slaBreaches     *prometheus.CounterVec
	branchesTimeout prometheus.Counter

	notificationsFailed  *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		transitionsApplied: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_transitions_applied_total",
				Help: "Total number of workflow actions applied successfully",
			},
			[]string{"action"},
		),
		transitionsFailed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_transitions_failed_total",
				Help: "Total number of workflow actions that failed",
			},
			[]string{"action"},
		),
		conflictsDetected: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "stagewise_conflicts_detected_total",
				Help: "Total number of optimistic lock conflicts",
			},
		),
		forksStarted: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "stagewise_forks_started_total",
				Help: "Total number of parallel forks started",
			},
		),
		branchesResolved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_branches_resolved_total",
				Help: "Total number of parallel branches resolved",
			},
			[]string{"status"},
		),
		joinsResolved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_joins_resolved_total",
				Help: "Total number of joins resolved",
			},
			[]string{"satisfied"},
		),
		slaWarnings: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "stagewise_sla_warnings_total",
				Help: "Total number of SLA warnings emitted",
			},
		),
		slaBreaches: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_sla_breaches_total",
				Help: "Total number of SLA breaches acted on",
			},
			[]string{"sla_action"},
		),
		branchesTimeout: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "stagewise_branches_timed_out_total",
				Help: "Total number of branches resolved by timeout",
			},
		),
		notificationsFailed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_notifications_failed_total",
				Help: "Total number of notification deliveries that failed",
			},
			[]string{"type"},
		),
		notificationsDropped: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagewise_notifications_dropped_total",
				Help: "Total number of notifications dropped on a full buffer",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) TransitionApplied(action string) {
	if m == nil {
		return
	}
	m.transitionsApplied.WithLabelValues(action).Inc()
}

func (m *Metrics) TransitionFailed(action string) {
	if m == nil {
		return
	}
	m.transitionsFailed.WithLabelValues(action).Inc()
}

func (m *Metrics) ConflictDetected() {
	if m == nil {
		return
	}
	m.conflictsDetected.Inc()
}

func (m *Metrics) ForkStarted() {
	if m == nil {
		return
	}
	m.forksStarted.Inc()
}

func (m *Metrics) BranchResolved(status string) {
	if m == nil {
		return
	}
	m.branchesResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) JoinResolved(satisfied bool) {
	if m == nil {
		return
	}
	m.joinsResolved.WithLabelValues(strconv.FormatBool(satisfied)).Inc()
}

func (m *Metrics) SLAWarning() {
	if m == nil {
		return
	}
	m.slaWarnings.Inc()
}

func (m *Metrics) SLABreach(slaAction string) {
	if m == nil {
		return
	}
	m.slaBreaches.WithLabelValues(slaAction).Inc()
}

func (m *Metrics) BranchTimedOut() {
	if m == nil {
		return
	}
	m.branchesTimeout.Inc()
}

func (m *Metrics) NotificationFailed(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(notificationType).Inc()
}

func (m *Metrics) NotificationDropped(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(notificationType).Inc()
}
