package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	immediateReconnectDelay = 100 * time.Millisecond
	primaryHostLabel        = "primary"
	fallbackHostLabel       = "fallback"
)

// Client is a realtime client owning one connection and its channels.
type Client struct {
	options    ClientOptions
	logger     zerolog.Logger
	metrics    *clientMetrics
	encoder    Encoder
	queue      *serialQueue
	events     *serialQueue
	writes     *serialQueue
	timers     scheduler
	connection *Connection
	channels   *Channels
	acks       *ackTracker

	// Everything below is owned by queue.
	auth               authState
	transport          Transport
	transportHost      string
	transportOpen      bool
	cancelAttempt      context.CancelFunc
	fallbacks          *FallbackHosts
	checkingNetwork    bool
	connectTimer       *timerHandle
	retryTimer         *timerHandle
	idleTimer          *timerHandle
	closeTimer         *timerHandle
	retries            *retrySequence
	connectionLostAt   time.Time
	failedAttempts     int
	queued             []*pendingMessage
	pings              map[string]*pingRequest
	waitingPings       []*pingRequest
	resumeAttempt      bool
	recover            *RecoveryKey
	recoverUsed        bool
	clientID           string
	maxIdleInterval    time.Duration
	connectionStateTTL time.Duration
	maxMessageSize     int
}

// NewClient validates options and returns a client. With AutoConnect the
// client starts connecting immediately.
func NewClient(options ClientOptions) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()

	encoder := options.Encoder
	if encoder == nil {
		var err error
		encoder, err = NewEncoder(options.Format)
		if err != nil {
			return nil, err
		}
	}

	metrics, err := newClientMetrics(options.MetricsNamespace, options.Metrics)
	if err != nil {
		return nil, err
	}

	logger := options.logger().With().Str("component", "realtime").Logger()
	client := &Client{
		options:            options,
		logger:             logger,
		metrics:            metrics,
		encoder:            encoder,
		queue:              newSerialQueue("state", logger, false),
		events:             newSerialQueue("events", logger, true),
		writes:             newSerialQueue("storage", logger, true),
		acks:               newAckTracker(),
		pings:              make(map[string]*pingRequest),
		clientID:           options.ClientID,
		maxIdleInterval:    options.MaxIdleInterval,
		connectionStateTTL: options.ConnectionStateTTL,
		maxMessageSize:     options.MaxMessageSize,
	}
	client.timers = scheduler{clock: options.Clock, queue: client.queue}
	client.auth = authState{token: options.Token, authenticate: options.Authenticator, clientID: options.ClientID}
	client.connection = newConnection(client)
	client.channels = newChannels(client)
	client.recover = client.loadRecoveryKey()

	if options.AutoConnect {
		client.Connect()
	}
	return client, nil
}

func (client *Client) loadRecoveryKey() *RecoveryKey {
	encoded := client.options.Recover
	if encoded == "" && client.options.Storage != nil {
		stored, ok, err := client.options.Storage.Get(recoveryKeyKey)
		if err != nil {
			client.logger.Warn().Err(err).Msg("reading stored recovery key failed")
		}
		if ok {
			encoded = stored
		}
	}
	if encoded == "" {
		return nil
	}
	key, err := DecodeRecoveryKey(encoded)
	if err != nil {
		client.logger.Warn().Err(err).Msg("ignoring recovery key")
		return nil
	}
	return key
}

// Connection returns the client's connection.
func (client *Client) Connection() *Connection {
	return client.connection
}

// Channels returns the channel registry.
func (client *Client) Channels() *Channels {
	return client.channels
}

// ClientID returns the client id, which the service may assign on connect.
func (client *Client) ClientID() string {
	var clientID string
	client.queue.sync(func() { clientID = client.clientID })
	return clientID
}

// Connect starts connecting unless the connection is already connecting or
// connected.
func (client *Client) Connect() {
	client.queue.dispatch(client.connect)
}

// Close closes the connection. Pending publishes fail and channels detach.
func (client *Client) Close() {
	client.queue.dispatch(client.close)
}

// CloseAndWait closes the connection and waits for CLOSED.
func (client *Client) CloseAndWait(ctx context.Context) error {
	client.Close()
	if err := client.connection.Await(ctx, ConnectionClosed); err != nil {
		return err
	}
	client.queue.sync(func() {})
	client.flushWrites()
	return nil
}

type pingRequest struct {
	id      string
	started time.Time
	rtt     time.Duration
	result  *Result
	timer   *timerHandle
}

// Ping sends a heartbeat and returns the round trip time. While the
// connection is CONNECTING or DISCONNECTED the ping waits for CONNECTED.
func (client *Client) Ping(ctx context.Context) (time.Duration, error) {
	request := &pingRequest{result: newResult()}
	client.queue.dispatch(func() { client.ping(request) })
	if err := request.result.Wait(ctx); err != nil {
		return 0, err
	}
	return request.rtt, nil
}

func newPingID() string {
	return uuid.NewString()
}

// sendMessage routes an outbound envelope: sent and tracked when connected,
// queued while the connection may still come up, failed otherwise. It runs
// on the serial queue.
func (client *Client) sendMessage(message *ProtocolMessage, result *Result) {
	state := client.connection.state
	if state == ConnectionConnected {
		client.sendTracked(message, result)
		return
	}
	if client.options.QueueMessages && connectionStateQueues(state) {
		client.queued = append(client.queued, &pendingMessage{message: message, result: result})
		return
	}
	if result != nil {
		result.resolve(client.connectionUnavailable())
	}
}

func (client *Client) sendTracked(message *ProtocolMessage, result *Result) {
	if message.ackRequired() {
		entry := client.acks.assign(message, result)
		data, err := client.encodeEnvelope(message)
		if err != nil {
			client.acks.release(entry)
			if result != nil {
				result.resolve(err)
			}
			return
		}
		client.metrics.publishes.Inc()
		// A failed write leaves the entry pending; it is resent or failed
		// when the connection changes state.
		_ = client.writeEnvelope(message, data)
		client.metrics.pendingMessages.Set(float64(client.acks.len()))
		return
	}
	err := client.sendEnvelope(message)
	if result != nil {
		result.resolve(err)
	}
}

func connectionStateQueues(state ConnectionState) bool {
	switch state {
	case ConnectionInitialized, ConnectionConnecting, ConnectionDisconnected:
		return true
	}
	return false
}

func (client *Client) connectionUnavailable() *ErrorInfo {
	if reason := client.connection.errorReason; reason != nil {
		return reason
	}
	state := client.connection.state
	switch state {
	case ConnectionClosing, ConnectionClosed:
		return NewError(ErrorCodeConnectionClosed, "connection is", state.String())
	case ConnectionSuspended:
		return NewError(ErrorCodeConnectionSuspended, "connection is suspended")
	default:
		return NewError(ErrorCodeConnectionFailed, "connection is", state.String())
	}
}

// sendEnvelope encodes and writes message on the current transport. A
// write failure leaves tracked messages pending for replay on resume.
func (client *Client) sendEnvelope(message *ProtocolMessage) error {
	data, err := client.encodeEnvelope(message)
	if err != nil {
		return err
	}
	return client.writeEnvelope(message, data)
}

func (client *Client) encodeEnvelope(message *ProtocolMessage) ([]byte, error) {
	data, err := client.encoder.Encode(message)
	if err != nil {
		client.logger.Error().Err(err).Str("action", message.Action.String()).Msg("encoding envelope failed")
		return nil, err
	}
	return data, nil
}

func (client *Client) writeEnvelope(message *ProtocolMessage, data []byte) error {
	if client.transport == nil {
		return NewError(ErrorCodeDisconnected, "no transport")
	}
	if err := client.transport.Send(data); err != nil {
		client.logger.Warn().Err(err).Str("action", message.Action.String()).Msg("transport send failed")
		return NewError(ErrorCodeDisconnected, "transport send failed", err)
	}
	client.metrics.transportBytes.WithLabelValues("out").Add(float64(len(data)))
	client.logger.Trace().Str("action", message.Action.String()).Str("channel", message.Channel).Int64("msgSerial", message.MsgSerial).Msg("sent")
	return nil
}

// transportListener redispatches transport callbacks onto the serial queue
// and drops those from transports the client has already released.
type transportListener struct {
	client *Client
}

func (listener transportListener) OnTransportOpen(transport Transport) {
	client := listener.client
	client.queue.dispatch(func() {
		if transport != client.transport {
			return
		}
		client.onTransportOpen()
	})
}

func (listener transportListener) OnTransportMessage(transport Transport, data []byte) {
	client := listener.client
	client.queue.dispatch(func() {
		if transport != client.transport {
			return
		}
		client.metrics.transportBytes.WithLabelValues("in").Add(float64(len(data)))
		client.onTransportMessage(data)
	})
}

func (listener transportListener) OnTransportError(transport Transport, err *TransportError) {
	client := listener.client
	client.queue.dispatch(func() {
		if transport != client.transport {
			return
		}
		client.onTransportFailure(err)
	})
}

func (listener transportListener) OnTransportClose(transport Transport, code int, reason string) {
	client := listener.client
	client.queue.dispatch(func() {
		if transport != client.transport {
			return
		}
		client.logger.Debug().Int("code", code).Str("reason", reason).Msg("transport closed by peer")
		client.onTransportFailure(&TransportError{Type: TransportErrorOther, Err: NewError(ErrorCodeDisconnected, "transport closed:", reason)})
	})
}

func (client *Client) onTransportMessage(data []byte) {
	message, err := client.encoder.Decode(data)
	if err != nil {
		client.metrics.droppedEnvelopes.WithLabelValues("malformed").Inc()
		client.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if client.connection.state == ConnectionConnected {
		client.resetIdleTimer()
	}
	if message.ConnectionSerial != nil && (message.Action == ActionMessage || message.Action == ActionPresence) {
		current := client.connection.serial
		if current >= 0 && *message.ConnectionSerial <= current {
			client.metrics.droppedEnvelopes.WithLabelValues("duplicate").Inc()
			client.logger.Debug().Int64("serial", *message.ConnectionSerial).Int64("current", current).Msg("dropping duplicate envelope")
			return
		}
		client.connection.setSerial(*message.ConnectionSerial)
	}

	client.logger.Trace().Str("action", message.Action.String()).Str("channel", message.Channel).Msg("received")
	switch message.Action {
	case ActionHeartbeat:
		client.onHeartbeat(message)
	case ActionConnected:
		client.onConnected(message)
	case ActionDisconnected:
		client.onDisconnected(message)
	case ActionClosed:
		client.onClosed()
	case ActionError:
		client.onError(message)
	case ActionAck:
		client.onAck(message)
	case ActionNack:
		client.onNack(message)
	case ActionAuth:
		client.onAuthRequested()
	case ActionAttached, ActionDetached, ActionMessage, ActionPresence, ActionSync:
		client.channels.route(message)
	default:
		client.metrics.droppedEnvelopes.WithLabelValues("unexpected").Inc()
		client.logger.Warn().Str("action", message.Action.String()).Msg("dropping unexpected envelope")
	}
}

func (client *Client) onAck(message *ProtocolMessage) {
	entries := client.acks.take(message.MsgSerial, message.itemCount())
	if len(entries) == 0 {
		client.logger.Warn().Int64("msgSerial", message.MsgSerial).Int("count", message.itemCount()).Msg("ack for unknown serials")
		return
	}
	client.metrics.acknowledgements.WithLabelValues("ack").Add(float64(len(entries)))
	client.metrics.pendingMessages.Set(float64(client.acks.len()))
	resolvePending(entries, nil)
}

func (client *Client) onNack(message *ProtocolMessage) {
	entries := client.acks.take(message.MsgSerial, message.itemCount())
	if len(entries) == 0 {
		client.logger.Warn().Int64("msgSerial", message.MsgSerial).Int("count", message.itemCount()).Msg("nack for unknown serials")
		return
	}
	reason := message.Error
	if reason == nil {
		reason = NewError(ErrorCodeInternalError, "message rejected without a reason")
	}
	client.metrics.acknowledgements.WithLabelValues("nack").Add(float64(len(entries)))
	client.metrics.pendingMessages.Set(float64(client.acks.len()))
	resolvePending(entries, reason)
}

func (client *Client) ping(request *pingRequest) {
	switch client.connection.state {
	case ConnectionConnected:
		client.sendPing(request)
	case ConnectionConnecting, ConnectionDisconnected:
		client.waitingPings = append(client.waitingPings, request)
		request.timer = client.timers.after(client.options.RealtimeRequestTimeout, func() {
			client.removeWaitingPing(request)
			request.result.resolve(NewError(ErrorCodeTimeout, "ping timed out waiting for connection"))
		})
	default:
		request.result.resolve(client.connectionUnavailable())
	}
}

func (client *Client) sendPing(request *pingRequest) {
	request.timer.cancel()
	request.id = newPingID()
	request.started = client.options.Clock.Now()
	client.pings[request.id] = request
	if err := client.sendEnvelope(&ProtocolMessage{Action: ActionHeartbeat, ID: request.id}); err != nil {
		delete(client.pings, request.id)
		request.result.resolve(err)
		return
	}
	request.timer = client.timers.after(client.options.RealtimeRequestTimeout, func() {
		delete(client.pings, request.id)
		request.result.resolve(NewError(ErrorCodeTimeout, "ping timed out"))
	})
}

func (client *Client) removeWaitingPing(request *pingRequest) {
	for index, waiting := range client.waitingPings {
		if waiting == request {
			client.waitingPings = append(client.waitingPings[:index], client.waitingPings[index+1:]...)
			return
		}
	}
}

func (client *Client) onHeartbeat(message *ProtocolMessage) {
	if message.ID == "" {
		return
	}
	request, ok := client.pings[message.ID]
	if !ok {
		return
	}
	delete(client.pings, message.ID)
	request.timer.cancel()
	request.rtt = client.options.Clock.Since(request.started)
	request.result.resolve(nil)
}

func (client *Client) flushWaitingPings() {
	waiting := client.waitingPings
	client.waitingPings = nil
	for _, request := range waiting {
		client.sendPing(request)
	}
}

func (client *Client) failPings(reason *ErrorInfo) {
	for id, request := range client.pings {
		delete(client.pings, id)
		request.timer.cancel()
		request.result.resolve(reason)
	}
	waiting := client.waitingPings
	client.waitingPings = nil
	for _, request := range waiting {
		request.timer.cancel()
		request.result.resolve(reason)
	}
}

// persistRecoveryKey snapshots the recovery key on the serial queue and
// hands the write to the storage queue.
func (client *Client) persistRecoveryKey() {
	storage := client.options.Storage
	if storage == nil {
		return
	}
	encoded := client.connection.RecoveryKey()
	client.writes.dispatch(func() {
		if err := storage.Set(recoveryKeyKey, encoded); err != nil {
			client.logger.Warn().Err(err).Msg("persisting recovery key failed")
		}
	})
}

// SaveRecoveryKey writes the current recovery key to the configured storage
// and waits for the write, so a later process can recover the connection.
func (client *Client) SaveRecoveryKey() {
	client.queue.sync(client.persistRecoveryKey)
	client.flushWrites()
}

// flushWrites waits for the storage writes queued so far.
func (client *Client) flushWrites() {
	client.writes.sync(func() {})
}
