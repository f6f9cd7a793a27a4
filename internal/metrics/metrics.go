// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pickupcal"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	StreamSyncs      *prometheus.CounterVec
	EventChanges     *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	Lifecycle        *prometheus.CounterVec
	Cooldowns        prometheus.Counter
	SchedulerState   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Calendar provider calls by operation and result.",
		}, []string{"op", "result"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Calendar provider call latency, throttling excluded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StreamSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "streams_total",
			Help:      "Stream synchronizations by result.",
		}, []string{"result"}),
		EventChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Provider events created, deleted or failed.",
		}, []string{"action"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Reconciliation changes by kind.",
		}, []string{"kind"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Deprecation lifecycle outcomes.",
		}, []string{"outcome"}),
		Cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cooldowns_total",
			Help:      "Times the scheduler entered cool-down after a rate limit.",
		}),
		SchedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "state",
			Help:      "1 for the current scheduler state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProviderCalls, m.ProviderDuration, m.StreamSyncs, m.EventChanges,
		m.Reconciliations, m.Lifecycle, m.Cooldowns, m.SchedulerState,
	}
}

// ObserveCall records one provider call.
func (m *Metrics) ObserveCall(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(op, result).Inc()
	m.ProviderDuration.WithLabelValues(op).Observe(d.Seconds())
}

// StreamSynced records the result of one stream synchronization.
func (m *Metrics) StreamSynced(result string, created, deleted, failed int) {
	if m == nil {
		return
	}
	m.StreamSyncs.WithLabelValues(result).Inc()
	m.EventChanges.WithLabelValues("created").Add(float64(created))
	m.EventChanges.WithLabelValues("deleted").Add(float64(deleted))
	m.EventChanges.WithLabelValues("failed").Add(float64(failed))
}

// Reconciled adds the counts of one reconciliation pass.
func (m *Metrics) Reconciled(counts map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		if n > 0 {
			m.Reconciliations.WithLabelValues(kind).Add(float64(n))
		}
	}
}

// LifecycleOutcome records one deprecation lifecycle step.
func (m *Metrics) LifecycleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Lifecycle.WithLabelValues(outcome).Inc()
}

// CooledDown records one entry into cool-down.
func (m *Metrics) CooledDown() {
	if m == nil {
		return
	}
	m.Cooldowns.Inc()
}

// SetState marks state as the current scheduler state among states.
func (m *Metrics) SetState(state string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SchedulerState.WithLabelValues(s).Set(v)
	}
}
