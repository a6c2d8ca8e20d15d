package permguard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	DecisionTime   prometheus.Histogram
	CacheLookups   *prometheus.CounterVec
	Invalidations  *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	AuditEntries   *prometheus.CounterVec
	AuditBackpress prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "decisions_total",
			Help:      "Authorization decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		DecisionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "permguard",
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing a decision.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "cache_lookups_total",
			Help:      "Effective permission cache lookups by result.",
		}, []string{"result"}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidations by kind and origin.",
		}, []string{"kind", "origin"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "store_errors_total",
			Help:      "Role store failures by operation.",
		}, []string{"op"}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "audit_entries_total",
			Help:      "Audit entries by delivery status.",
		}, []string{"status"}),
		AuditBackpress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "permguard",
			Name:      "audit_backpressure_total",
			Help:      "Record calls that waited for queue space.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.DecisionTime, m.CacheLookups, m.Invalidations,
			m.StoreErrors, m.AuditEntries, m.AuditBackpress)
	}
	return m
}

func (m *Metrics) decision(d *Decision, started time.Time) {
	if m == nil || d == nil {
		return
	}
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	m.Decisions.WithLabelValues(outcome, d.Reason).Inc()
	m.DecisionTime.Observe(time.Since(started).Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) invalidation(kind InvalidationKind, remote bool) {
	if m == nil {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.Invalidations.WithLabelValues(string(kind), origin).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) auditQueued() {
	if m == nil {
		return
	}
	m.AuditEntries.WithLabelValues("queued").Inc()
}

func (m *Metrics) auditBackpressure() {
	if m == nil {
		return
	}
	m.AuditBackpress.Inc()
}

func (m *Metrics) auditWritten(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AuditEntries.WithLabelValues("written").Inc()
		return
	}
	m.AuditEntries.WithLabelValues("failed").Inc()
}
