package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const (
	ChannelBinary = "binary"
	ChannelChat   = "chat"

	DropUnknownType    = "unknown_type"
	DropNoHandler      = "no_handler"
	DropClientNotReady = "client_not_ready"
	DropMalformed      = "malformed"
)

// Metrics counts overlay traffic. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sent             *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	faults           *prometheus.CounterVec
	supportedClients prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "messages_sent_total",
			Help:      "Custom messages handed to the host transport",
		}, []string{"channel"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "messages_dispatched_total",
			Help:      "Custom messages delivered to a registered handler",
		}, []string{"channel"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "messages_dropped_total",
			Help:      "Custom messages dropped without reaching a handler",
		}, []string{"channel", "reason"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "handler_faults_total",
			Help:      "Decode or handler failures caught at the dispatch boundary",
		}, []string{"channel"}),
		supportedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "supported_clients",
			Help:      "Clients that completed the chat handshake",
		}),
	}
}

func (m *Metrics) Sent(channel string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(channel).Inc()
}

func (m *Metrics) Dispatched(channel string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(channel).Inc()
}

func (m *Metrics) Dropped(channel, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) Fault(channel string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetSupportedClients(n int) {
	if m == nil {
		return
	}
	m.supportedClients.Set(float64(n))
}

// The *Count readers exist for tests.

func (m *Metrics) SentCount(channel string) float64 {
	if m == nil {
		return 0
	}
	return readCounter(m.sent.WithLabelValues(channel))
}

func (m *Metrics) DispatchedCount(channel string) float64 {
	if m == nil {
		return 0
	}
	return readCounter(m.dispatched.WithLabelValues(channel))
}

func (m *Metrics) DroppedCount(channel, reason string) float64 {
	if m == nil {
		return 0
	}
	return readCounter(m.dropped.WithLabelValues(channel, reason))
}

func (m *Metrics) FaultCount(channel string) float64 {
	if m == nil {
		return 0
	}
	return readCounter(m.faults.WithLabelValues(channel))
}

func readCounter(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
