package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedJitter float64

func (jitter fixedJitter) Coefficient() float64 { return float64(jitter) }

// fakeTransport records what the client sends and lets a test play the
// service side of the connection.
type fakeTransport struct {
	t        *testing.T
	listener TransportListener
	options  TransportOptions
	sent     chan *ProtocolMessage

	lock    sync.Mutex
	url     string
	closed  bool
	sendErr error
}

func (transport *fakeTransport) Open(ctx context.Context, url string) {
	transport.lock.Lock()
	transport.url = url
	transport.lock.Unlock()
}

func (transport *fakeTransport) Send(data []byte) error {
	transport.lock.Lock()
	closed, sendErr := transport.closed, transport.sendErr
	transport.lock.Unlock()
	if closed {
		return NewError(ErrorCodeDisconnected, "transport is closed")
	}
	if sendErr != nil {
		return sendErr
	}
	message, err := JSONEncoder{}.Decode(data)
	if err != nil {
		return err
	}
	transport.sent <- message
	return nil
}

func (transport *fakeTransport) Close() {
	transport.lock.Lock()
	transport.closed = true
	transport.lock.Unlock()
}

func (transport *fakeTransport) openedURL() string {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.url
}

func (transport *fakeTransport) isClosed() bool {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.closed
}

func (transport *fakeTransport) open() {
	transport.listener.OnTransportOpen(transport)
}

func (transport *fakeTransport) deliver(message *ProtocolMessage) {
	transport.t.Helper()
	data, err := JSONEncoder{}.Encode(message)
	require.NoError(transport.t, err)
	transport.listener.OnTransportMessage(transport, data)
}

func (transport *fakeTransport) fail(errorType TransportErrorType) {
	transport.listener.OnTransportError(transport, &TransportError{Type: errorType, Err: errors.New("network is unreachable")})
}

// expect returns the next sent envelope with action, skipping others.
func (transport *fakeTransport) expect(action Action) *ProtocolMessage {
	transport.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case message := <-transport.sent:
			if message.Action == action {
				return message
			}
		case <-deadline:
			transport.t.Fatalf("expected %s envelope, got none", action)
			return nil
		}
	}
}

func (transport *fakeTransport) expectNothing(action Action) {
	transport.t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case message := <-transport.sent:
			if message.Action == action {
				transport.t.Fatalf("expected no %s envelope, got %+v", action, message)
			}
		case <-deadline:
			return
		}
	}
}

type harness struct {
	t          *testing.T
	clock      *clock.Mock
	client     *Client
	registry   *prometheus.Registry
	transports chan *fakeTransport
}

func newHarness(t *testing.T, configure func(*ClientOptions)) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		clock:      clock.NewMock(),
		registry:   prometheus.NewRegistry(),
		transports: make(chan *fakeTransport, 64),
	}
	options := DefaultClientOptions()
	options.Key = "app.key:secret"
	options.AutoConnect = false
	options.DisableFallbacks = true
	options.Clock = h.clock
	options.Jitter = fixedJitter(1)
	options.Metrics = h.registry
	options.ConnectivityChecker = ConnectivityFunc(func(context.Context) bool { return true })
	options.TransportFactory = func(listener TransportListener, transportOptions TransportOptions) Transport {
		transport := &fakeTransport{t: t, listener: listener, options: transportOptions, sent: make(chan *ProtocolMessage, 1024)}
		h.transports <- transport
		return transport
	}
	if configure != nil {
		configure(&options)
	}

	client, err := NewClient(options)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() {
		client.queue.sync(func() {
			client.close()
			client.finishClose()
		})
	})
	return h
}

// settle waits for the tasks already queued on the serial queue.
func (h *harness) settle() {
	h.client.queue.sync(func() {})
}

func (h *harness) advance(delay time.Duration) {
	h.settle()
	h.clock.Add(delay)
}

func (h *harness) nextTransport() *fakeTransport {
	h.t.Helper()
	select {
	case transport := <-h.transports:
		return transport
	case <-time.After(testTimeout):
		h.t.Fatal("expected a transport to be opened")
		return nil
	}
}

func (h *harness) noTransport() {
	h.t.Helper()
	h.settle()
	select {
	case transport := <-h.transports:
		h.t.Fatalf("expected no transport, got one for %s", transport.options.Host)
	default:
	}
}

func (h *harness) waitConnection(state ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.client.Connection().State() == state }, testTimeout, time.Millisecond, "waiting for connection %s", state)
	h.settle()
}

func (h *harness) waitChannel(channel *Channel, state ChannelState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return channel.State() == state }, testTimeout, time.Millisecond, "waiting for channel %s", state)
	h.settle()
}

func connectedMessage(id string, key string) *ProtocolMessage {
	return &ProtocolMessage{
		Action:            ActionConnected,
		ConnectionID:      id,
		ConnectionKey:     key,
		ConnectionDetails: &ConnectionDetails{ConnectionKey: key, MaxIdleInterval: 15000},
	}
}

// connect drives the client to CONNECTED as conn-1.
func (h *harness) connect() *fakeTransport {
	h.t.Helper()
	h.client.Connect()
	transport := h.nextTransport()
	transport.open()
	transport.expect(ActionConnect)
	transport.deliver(connectedMessage("conn-1", "key-1"))
	h.waitConnection(ConnectionConnected)
	return transport
}

// attach attaches name over transport and waits for ATTACHED.
func (h *harness) attach(transport *fakeTransport, name string, flags Flag) *Channel {
	h.t.Helper()
	channel := h.client.Channels().Get(name)
	result := channel.AttachAsync()
	transport.expect(ActionAttach)
	transport.deliver(&ProtocolMessage{Action: ActionAttached, Channel: name, ChannelSerial: name + "@1", Flags: flags})
	require.NoError(h.t, result.Wait(testContext(h.t)))
	h.waitChannel(channel, ChannelAttached)
	return channel
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func recordConnection(connection *Connection) <-chan ConnectionStateChange {
	changes := make(chan ConnectionStateChange, 64)
	connection.On(func(change ConnectionStateChange) { changes <- change })
	return changes
}

func recordChannel(channel *Channel) <-chan ChannelStateChange {
	changes := make(chan ChannelStateChange, 64)
	channel.On(func(change ChannelStateChange) { changes <- change })
	return changes
}

// nextEvent returns the next recorded value, failing after testTimeout.
func nextEvent[V any](t *testing.T, values <-chan V) V {
	t.Helper()
	select {
	case value := <-values:
		return value
	case <-time.After(testTimeout):
		t.Fatal("expected an event, got none")
		var zero V
		return zero
	}
}

// waitResult waits for result and returns its error.
func waitResult(t *testing.T, result *Result) error {
	t.Helper()
	select {
	case <-result.Done():
		return result.Err()
	case <-time.After(testTimeout):
		t.Fatal("expected the operation to complete")
		return nil
	}
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, ErrorCode(err), "error: %v", err)
}
