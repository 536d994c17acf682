// Package metrics exposes Prometheus collectors for group resolution and
// derived entity updates. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "areagroups"

// Metrics holds the service's collectors.
type Metrics struct {
	recomputes       *prometheus.CounterVec
	resolvedEntities *prometheus.GaugeVec
	listenerErrors   *prometheus.CounterVec
	gateNotify       prometheus.Counter
	gateFires        prometheus.Counter
	gateErrors       prometheus.Counter
	groups           prometheus.Gauge
	entityUpdates    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		recomputes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_recomputes_total",
				Help:      "Number of times a group registry re-resolved its entities",
			},
			[]string{"group"},
		),
		resolvedEntities: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_resolved_entities",
				Help:      "Number of entities currently resolved for a group",
			},
			[]string{"group"},
		),
		listenerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_listener_errors_total",
				Help:      "Listener invocations that returned an error or panicked",
			},
			[]string{"group"},
		),
		gateNotify: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_notifications_total",
			Help:      "Upstream registry change notifications received",
		}),
		gateFires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_fires_total",
			Help:      "Recomputations triggered after a quiet period",
		}),
		gateErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_errors_total",
			Help:      "Recomputation callbacks that failed",
		}),
		groups: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Number of acquired group registries",
		}),
		entityUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "derived_entity_updates_total",
				Help:      "State writes by derived entities",
			},
			[]string{"entity_id"},
		),
	}
}

func (m *Metrics) Recomputed(group string, resolved int) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(group).Inc()
	m.resolvedEntities.WithLabelValues(group).Set(float64(resolved))
}

func (m *Metrics) ListenerFailed(group string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(group).Inc()
}

// GroupRemoved drops the per-group series.
func (m *Metrics) GroupRemoved(group string) {
	if m == nil {
		return
	}
	m.recomputes.DeleteLabelValues(group)
	m.resolvedEntities.DeleteLabelValues(group)
	m.listenerErrors.DeleteLabelValues(group)
}

func (m *Metrics) GateNotified() {
	if m == nil {
		return
	}
	m.gateNotify.Inc()
}

func (m *Metrics) GateFired(err error) {
	if m == nil {
		return
	}
	m.gateFires.Inc()
	if err != nil {
		m.gateErrors.Inc()
	}
}

func (m *Metrics) SetGroups(n int) {
	if m == nil {
		return
	}
	m.groups.Set(float64(n))
}

func (m *Metrics) EntityUpdated(entityID string) {
	if m == nil {
		return
	}
	m.entityUpdates.WithLabelValues(entityID).Inc()
}
