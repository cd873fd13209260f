package realtime

import (
	"context"
	"sync"
	"time"
)

// ConnectionState is the state of the client's connection.
type ConnectionState int

const (
	ConnectionInitialized ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionSuspended
	ConnectionClosing
	ConnectionClosed
	ConnectionFailed
)

var connectionStateNames = [...]string{
	"INITIALIZED", "CONNECTING", "CONNECTED", "DISCONNECTED",
	"SUSPENDED", "CLOSING", "CLOSED", "FAILED",
}

func (state ConnectionState) String() string {
	if state >= 0 && int(state) < len(connectionStateNames) {
		return connectionStateNames[state]
	}
	return "UNKNOWN"
}

// ConnectionEvent is a connection state or ConnectionEventUpdate.
type ConnectionEvent int

const ConnectionEventUpdate ConnectionEvent = ConnectionEvent(ConnectionFailed) + 1

func (event ConnectionEvent) String() string {
	if event == ConnectionEventUpdate {
		return "UPDATE"
	}
	return ConnectionState(event).String()
}

// Event returns the event emitted on entering state.
func (state ConnectionState) Event() ConnectionEvent {
	return ConnectionEvent(state)
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionInitialized:  {ConnectionConnecting, ConnectionClosing},
	ConnectionConnecting:   {ConnectionConnected, ConnectionDisconnected, ConnectionSuspended, ConnectionClosing, ConnectionFailed},
	ConnectionConnected:    {ConnectionDisconnected, ConnectionSuspended, ConnectionClosing, ConnectionFailed},
	ConnectionDisconnected: {ConnectionConnecting, ConnectionSuspended, ConnectionClosing, ConnectionFailed},
	ConnectionSuspended:    {ConnectionConnecting, ConnectionClosing, ConnectionFailed},
	ConnectionClosing:      {ConnectionClosed, ConnectionFailed},
	ConnectionClosed:       {ConnectionConnecting},
	ConnectionFailed:       {ConnectionConnecting},
}

// ConnectionTransitionAllowed reports whether from may move to to.
func ConnectionTransitionAllowed(from ConnectionState, to ConnectionState) bool {
	for _, allowed := range connectionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ConnectionStateChange describes one emitted connection event.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Event    ConnectionEvent
	Reason   *ErrorInfo
	RetryIn  time.Duration
}

// Connection exposes the state of the client's connection. Getters read a
// snapshot that the serial queue publishes under lock.
type Connection struct {
	client  *Client
	emitter *eventEmitter[ConnectionEvent, ConnectionStateChange]

	lock        sync.RWMutex
	state       ConnectionState
	errorReason *ErrorInfo
	id          string
	key         string
	serial      int64
}

func newConnection(client *Client) *Connection {
	return &Connection{
		client:  client,
		emitter: newEventEmitter[ConnectionEvent, ConnectionStateChange](client.events),
		serial:  -1,
	}
}

// State returns the current connection state.
func (connection *Connection) State() ConnectionState {
	connection.lock.RLock()
	defer connection.lock.RUnlock()
	return connection.state
}

// ErrorReason returns the error attached to the latest state change.
func (connection *Connection) ErrorReason() *ErrorInfo {
	connection.lock.RLock()
	defer connection.lock.RUnlock()
	return connection.errorReason
}

// ID returns the service-assigned connection id.
func (connection *Connection) ID() string {
	connection.lock.RLock()
	defer connection.lock.RUnlock()
	return connection.id
}

// Key returns the resume token of the connection.
func (connection *Connection) Key() string {
	connection.lock.RLock()
	defer connection.lock.RUnlock()
	return connection.key
}

// Serial returns the last received connection serial, or -1.
func (connection *Connection) Serial() int64 {
	connection.lock.RLock()
	defer connection.lock.RUnlock()
	return connection.serial
}

// RecoveryKey returns the encoded resume state, or "" when the connection
// cannot be recovered.
func (connection *Connection) RecoveryKey() string {
	key := connection.recoveryKey()
	if key == nil {
		return ""
	}
	encoded, err := key.Encode()
	if err != nil {
		return ""
	}
	return encoded
}

func (connection *Connection) recoveryKey() *RecoveryKey {
	connection.lock.RLock()
	state := connection.state
	key := connection.key
	serial := connection.serial
	connection.lock.RUnlock()

	switch state {
	case ConnectionClosing, ConnectionClosed, ConnectionFailed, ConnectionSuspended:
		return nil
	}
	if key == "" {
		return nil
	}
	return &RecoveryKey{
		ConnectionKey:    key,
		MsgSerial:        connection.client.acks.nextSerial(),
		ConnectionSerial: serial,
		ChannelSerials:   connection.client.channels.serials(),
	}
}

// On registers handler for every connection event and returns a function
// removing it.
func (connection *Connection) On(handler func(ConnectionStateChange)) func() {
	return connection.emitter.on(handler)
}

// OnEvent registers handler for event only.
func (connection *Connection) OnEvent(event ConnectionEvent, handler func(ConnectionStateChange)) func() {
	return connection.emitter.onEvent(event, handler)
}

// Once registers handler for the next connection event.
func (connection *Connection) Once(handler func(ConnectionStateChange)) func() {
	return connection.emitter.once(handler)
}

// OnceEvent registers handler for the next occurrence of event.
func (connection *Connection) OnceEvent(event ConnectionEvent, handler func(ConnectionStateChange)) func() {
	return connection.emitter.onceEvent(event, handler)
}

// Off removes every listener.
func (connection *Connection) Off() {
	connection.emitter.off()
}

// Connect starts connecting if the connection is not already active.
func (connection *Connection) Connect() {
	connection.client.Connect()
}

// Close closes the connection.
func (connection *Connection) Close() {
	connection.client.Close()
}

// Await blocks until the connection reaches state. It fails early when the
// connection reaches FAILED, or CLOSED while awaiting another state.
func (connection *Connection) Await(ctx context.Context, state ConnectionState) error {
	reached := make(chan *ErrorInfo, 1)
	notify := func(err *ErrorInfo) {
		select {
		case reached <- err:
		default:
		}
	}
	off := connection.On(func(change ConnectionStateChange) {
		switch {
		case change.Current == state:
			notify(nil)
		case change.Current == ConnectionFailed, change.Current == ConnectionClosed:
			reason := change.Reason
			if reason == nil {
				reason = NewError(ErrorCodeConnectionFailed, "connection entered", change.Current.String())
			}
			notify(reason)
		}
	})
	defer off()

	if connection.State() == state {
		return nil
	}
	select {
	case err := <-reached:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (connection *Connection) setState(state ConnectionState, reason *ErrorInfo) {
	connection.lock.Lock()
	connection.state = state
	connection.errorReason = reason
	connection.lock.Unlock()
}

func (connection *Connection) setIdentity(id string, key string) {
	connection.lock.Lock()
	connection.id = id
	connection.key = key
	connection.lock.Unlock()
}

func (connection *Connection) setSerial(serial int64) {
	connection.lock.Lock()
	connection.serial = serial
	connection.lock.Unlock()
}

func (connection *Connection) clearIdentity() {
	connection.lock.Lock()
	connection.id = ""
	connection.key = ""
	connection.serial = -1
	connection.lock.Unlock()
}
