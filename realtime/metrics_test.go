package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsShareRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := newClientMetrics("shared", registry)
	require.NoError(t, err)
	second, err := newClientMetrics("shared", registry)
	require.NoError(t, err)

	first.publishes.Inc()
	second.publishes.Inc()
	second.droppedEnvelopes.WithLabelValues("malformed").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.publishes))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.droppedEnvelopes.WithLabelValues("malformed")))

	count, err := testutil.GatherAndCount(registry, "shared_messages_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	metrics, err := newClientMetrics("unregistered", nil)
	require.NoError(t, err)
	metrics.pendingMessages.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.pendingMessages))
}

func TestClientRecordsConnectionMetrics(t *testing.T) {
	h := newHarness(t, nil)
	transport := h.connect()
	h.attach(transport, "news", 0)

	result := h.client.Channels().Get("news").PublishAsync(&Message{Name: "greeting", Data: "hi"})
	sent := transport.expect(ActionMessage)
	h.settle()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.client.metrics.pendingMessages))

	transport.deliver(&ProtocolMessage{Action: ActionAck, MsgSerial: sent.MsgSerial, Count: 1})
	require.NoError(t, waitResult(t, result))
	h.settle()
	assert.Equal(t, 0.0, testutil.ToFloat64(h.client.metrics.pendingMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.client.metrics.acknowledgements.WithLabelValues("ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.client.metrics.connectionTransitions.WithLabelValues("CONNECTING", "CONNECTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.client.metrics.channelTransitions.WithLabelValues("ATTACHED")))
}
