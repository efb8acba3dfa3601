package phone

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Причины отбрасывания входящих сообщений
const (
	dropMalformed       = "malformed"
	dropUnknownDialog   = "unknown_dialog"
	dropUnknownResponse = "unknown_response"
	dropUnknownAck      = "unknown_ack"
	dropRejected        = "rejected"
)

// Metrics счетчики телефона. nil *Metrics допустим.
type Metrics struct {
	dropped  *prometheus.CounterVec
	sessions prometheus.Gauge
}

// NewMetrics создает и регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "phone",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages not delivered to a call, by reason.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "phone",
			Name:      "sessions",
			Help:      "Calls tracked by the phone, including terminated calls with pending transactions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.dropped, m.sessions)
	}
	return m
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}
