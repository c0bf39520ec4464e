package sbqueue

import "github.com/prometheus/client_golang/prometheus"

const (
	resultForwarded    = "forwarded"
	resultFailed       = "failed"
	resultDeadLettered = "dead_lettered"
)

// RelayMetrics counts relay outcomes. A nil *RelayMetrics records nothing.
type RelayMetrics struct {
	messages *prometheus.CounterVec
}

// NewRelayMetrics registers the relay collectors with reg.
func NewRelayMetrics(reg prometheus.Registerer) (*RelayMetrics, error) {
	m := &RelayMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbqueue",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages handled by the relay, by result.",
		}, []string{"result"}),
	}

	if err := reg.Register(m.messages); err != nil {
		return nil, err
	}

	for _, r := range []string{resultForwarded, resultFailed, resultDeadLettered} {
		m.messages.WithLabelValues(r)
	}

	return m, nil
}

func (m *RelayMetrics) observe(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}
