// Package metrics exposes prometheus metrics for the adapter lifecycle
// core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks lifecycle events. A nil *Collector is valid and drops
// every observation, so callers never have to guard their call sites.
type Collector struct {
	registry *prometheus.Registry

	hostsConstructed prometheus.Counter
	hostsAttached    prometheus.Counter
	hostsRemoved     prometheus.Counter
	hostsFinalized   prometheus.Counter
	hostsLive        prometheus.Gauge

	stateTransitions    *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	attachRollbacks     *prometheus.CounterVec
	workQueued          *prometheus.CounterVec
	recoveryPasses      prometheus.Counter
}

// NewCollector creates a collector with its own private registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "iohost"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		hostsConstructed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_constructed_total",
			Help:      "Adapter hosts constructed.",
		}),
		hostsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_attached_total",
			Help:      "Adapter hosts successfully attached to the subsystem.",
		}),
		hostsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_removed_total",
			Help:      "Adapter host removals that ran to completion.",
		}),
		hostsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_finalized_total",
			Help:      "Adapter hosts whose finalizer has run.",
		}),
		hostsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_live",
			Help:      "Adapter hosts constructed and not yet finalized.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Applied host state transitions.",
		}, []string{"from", "to"}),
		rejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_rejected_total",
			Help:      "Host state transitions rejected as illegal.",
		}, []string{"from", "to"}),
		attachRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_rollbacks_total",
			Help:      "Attach failures by the stage that triggered rollback.",
		}, []string{"stage"}),
		workQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_queued_total",
			Help:      "Work submissions to host work queues by result.",
		}, []string{"result"}),
		recoveryPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_passes_total",
			Help:      "Recovery passes entered by host recovery workers.",
		}),
	}

	c.registry.MustRegister(
		c.hostsConstructed,
		c.hostsAttached,
		c.hostsRemoved,
		c.hostsFinalized,
		c.hostsLive,
		c.stateTransitions,
		c.rejectedTransitions,
		c.attachRollbacks,
		c.workQueued,
		c.recoveryPasses,
	)

	return c
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// HostConstructed records a successful construct.
func (c *Collector) HostConstructed() {
	if c == nil {
		return
	}
	c.hostsConstructed.Inc()
	c.hostsLive.Inc()
}

// HostAttached records a successful attach.
func (c *Collector) HostAttached() {
	if c == nil {
		return
	}
	c.hostsAttached.Inc()
}

// HostRemoved records a removal that ran the full teardown sequence.
func (c *Collector) HostRemoved() {
	if c == nil {
		return
	}
	c.hostsRemoved.Inc()
}

// HostFinalized records a finalizer run.
func (c *Collector) HostFinalized() {
	if c == nil {
		return
	}
	c.hostsFinalized.Inc()
	c.hostsLive.Dec()
}

// Transition records an applied state transition.
func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// TransitionRejected records an illegal transition attempt.
func (c *Collector) TransitionRejected(from, to string) {
	if c == nil {
		return
	}
	c.rejectedTransitions.WithLabelValues(from, to).Inc()
}

// AttachRollback records an attach failure by stage.
func (c *Collector) AttachRollback(stage string) {
	if c == nil {
		return
	}
	c.attachRollbacks.WithLabelValues(stage).Inc()
}

// WorkQueued records a work submission result: "queued",
// "already_pending" or "no_queue".
func (c *Collector) WorkQueued(result string) {
	if c == nil {
		return
	}
	c.workQueued.WithLabelValues(result).Inc()
}

// RecoveryPass records a recovery pass entered by a worker.
func (c *Collector) RecoveryPass() {
	if c == nil {
		return
	}
	c.recoveryPasses.Inc()
}
