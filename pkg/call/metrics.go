package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счетчики звонков. nil *Metrics допустим и ничего не считает.
type Metrics struct {
	transitions *prometheus.CounterVec
	intents     *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewMetrics создает и регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "call",
			Name:      "transitions_total",
			Help:      "Call state transitions, by target state and cause.",
		}, []string{"to", "cause"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "call",
			Name:      "intents_total",
			Help:      "User intents, by intent and result.",
		}, []string{"intent", "result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "call",
			Name:      "active",
			Help:      "Calls not yet terminated.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.transitions, m.intents, m.active)
	}
	return m
}

func (m *Metrics) transition(next State, cause CauseKind) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(next), string(cause)).Inc()
	if next == StateTerminated {
		m.active.Dec()
	}
}

func (m *Metrics) intent(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.intents.WithLabelValues(name, result).Inc()
}

func (m *Metrics) started() {
	if m != nil {
		m.active.Inc()
	}
}
