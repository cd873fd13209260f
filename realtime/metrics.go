package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type clientMetrics struct {
	connectionTransitions *prometheus.CounterVec
	channelTransitions    *prometheus.CounterVec
	publishes             prometheus.Counter
	acknowledgements      *prometheus.CounterVec
	pendingMessages       prometheus.Gauge
	reconnectAttempts     *prometheus.CounterVec
	transportBytes        *prometheus.CounterVec
	droppedEnvelopes      *prometheus.CounterVec
}

// newClientMetrics creates the client collectors and registers them with
// registerer when it is not nil. Collectors already registered by another
// client on the same registerer are shared.
func newClientMetrics(namespace string, registerer prometheus.Registerer) (*clientMetrics, error) {
	metrics := &clientMetrics{
		connectionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		channelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state_transitions_total",
			Help:      "Channel state transitions.",
		}, []string{"to"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Envelopes submitted for acknowledged delivery.",
		}),
		acknowledgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "acknowledgements_total",
			Help:      "Pending envelopes resolved, by outcome.",
		}, []string{"result"}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "pending",
			Help:      "Envelopes awaiting acknowledgement.",
		}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Transport open attempts, by host kind.",
		}, []string{"host"}),
		transportBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes exchanged over the transport.",
		}, []string{"direction"}),
		droppedEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dropped_envelopes_total",
			Help:      "Inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
	}
	if registerer == nil {
		return metrics, nil
	}

	var err error
	metrics.connectionTransitions, err = registerCollector(registerer, metrics.connectionTransitions)
	if err != nil {
		return nil, err
	}
	metrics.channelTransitions, err = registerCollector(registerer, metrics.channelTransitions)
	if err != nil {
		return nil, err
	}
	metrics.publishes, err = registerCollector(registerer, metrics.publishes)
	if err != nil {
		return nil, err
	}
	metrics.acknowledgements, err = registerCollector(registerer, metrics.acknowledgements)
	if err != nil {
		return nil, err
	}
	metrics.pendingMessages, err = registerCollector(registerer, metrics.pendingMessages)
	if err != nil {
		return nil, err
	}
	metrics.reconnectAttempts, err = registerCollector(registerer, metrics.reconnectAttempts)
	if err != nil {
		return nil, err
	}
	metrics.transportBytes, err = registerCollector(registerer, metrics.transportBytes)
	if err != nil {
		return nil, err
	}
	metrics.droppedEnvelopes, err = registerCollector(registerer, metrics.droppedEnvelopes)
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}
