package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счетчики транзакций. Один экземпляр разделяется всеми движками
// процесса; nil *Metrics допустим и ничего не считает.
type Metrics struct {
	started         *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
	timeouts        *prometheus.CounterVec
	transportErrors prometheus.Counter
}

// NewMetrics создает и регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Client and server transactions created, by method and side.",
		}, []string{"method", "side"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Request and response retransmissions, by method.",
		}, []string{"method"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "timeouts_total",
			Help:      "Transactions ended by Timer B, F or H, by method.",
		}, []string{"method"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "transport_errors_total",
			Help:      "Messages the transport failed to send.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.started, m.retransmissions, m.timeouts, m.transportErrors)
	}
	return m
}

func (m *Metrics) transactionStarted(method string, client bool) {
	if m == nil {
		return
	}
	side := "server"
	if client {
		side = "client"
	}
	m.started.WithLabelValues(method, side).Inc()
}

func (m *Metrics) retransmitted(method string) {
	if m != nil {
		m.retransmissions.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) timedOut(method string) {
	if m != nil {
		m.timeouts.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.transportErrors.Inc()
	}
}
