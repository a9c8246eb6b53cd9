// Package metrics exposes Prometheus counters for the metering subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "receiptflow"

// Label values for lock acquisitions.
const (
	LockAcquired = "acquired"
	LockForced   = "forced"
	LockReentry  = "reentrant"
)

// Label values for authorization decisions.
const (
	DecisionAllowed     = "allowed"
	DecisionDenied      = "denied"
	DecisionDeniedError = "denied_error"
)

// Metrics holds the subsystem counters. A nil *Metrics records nothing.
type Metrics struct {
	lockAcquisitions    *prometheus.CounterVec
	lockAutoReleases    *prometheus.CounterVec
	lockBackendFailures prometheus.Counter
	authDecisions       *prometheus.CounterVec
	usageIncrements     *prometheus.CounterVec
	auditFixes          prometheus.Counter
	auditAnomalies      *prometheus.CounterVec
	sessionsExpired     *prometheus.CounterVec
}

// New creates the counters and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_lock",
			Name:      "acquisitions_total",
			Help:      "Session lock acquisitions by backend and outcome.",
		}, []string{"backend", "outcome"}),
		lockAutoReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_lock",
			Name:      "auto_releases_total",
			Help:      "Leases released by the max-hold timer instead of their holder.",
		}, []string{"backend"}),
		lockBackendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_lock",
			Name:      "backend_failures_total",
			Help:      "Distributed lock backend errors that triggered the in-memory fallback.",
		}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "authorization_decisions_total",
			Help:      "Quota authorization decisions by plan and outcome.",
		}, []string{"plan", "decision"}),
		usageIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "increments_total",
			Help:      "Chargeable records written by the incrementer by kind and plan bucket.",
		}, []string{"kind", "bucket"}),
		auditFixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "fixes_total",
			Help:      "Users whose cached usage was rewritten by the auditor.",
		}),
		auditAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "anomalies_total",
			Help:      "Anomalies detected by the auditor by kind.",
		}, []string{"kind"}),
		sessionsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "idle_transitions_total",
			Help:      "Idle sessions warned or expired by the sweep.",
		}, []string{"transition"}),
	}

	if reg != nil {
		for _, collector := range []prometheus.Collector{
			m.lockAcquisitions,
			m.lockAutoReleases,
			m.lockBackendFailures,
			m.authDecisions,
			m.usageIncrements,
			m.auditFixes,
			m.auditAnomalies,
			m.sessionsExpired,
		} {
			if err := reg.Register(collector); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// RecordLockAcquired counts a lease grant.
func (m *Metrics) RecordLockAcquired(backend, outcome string) {
	if m == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(backend, outcome).Inc()
}

// RecordLockAutoRelease counts a lease released by its max-hold timer.
func (m *Metrics) RecordLockAutoRelease(backend string) {
	if m == nil {
		return
	}
	m.lockAutoReleases.WithLabelValues(backend).Inc()
}

// RecordLockBackendFailure counts a distributed backend error.
func (m *Metrics) RecordLockBackendFailure() {
	if m == nil {
		return
	}
	m.lockBackendFailures.Inc()
}

// RecordAuthorization counts a quota decision.
func (m *Metrics) RecordAuthorization(plan, decision string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(plan, decision).Inc()
}

// RecordIncrement counts a committed chargeable record.
func (m *Metrics) RecordIncrement(kind, bucket string) {
	if m == nil {
		return
	}
	m.usageIncrements.WithLabelValues(kind, bucket).Inc()
}

// RecordAuditFix counts a user whose cache was rewritten.
func (m *Metrics) RecordAuditFix() {
	if m == nil {
		return
	}
	m.auditFixes.Inc()
}

// RecordAuditAnomaly counts a detected anomaly.
func (m *Metrics) RecordAuditAnomaly(kind string) {
	if m == nil {
		return
	}
	m.auditAnomalies.WithLabelValues(kind).Inc()
}

// RecordSessionTransition counts an idle sweep transition ("warned" or "expired").
func (m *Metrics) RecordSessionTransition(transition string) {
	if m == nil {
		return
	}
	m.sessionsExpired.WithLabelValues(transition).Inc()
}
