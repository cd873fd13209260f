package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const websocketCloseWait = time.Second

// WebSocketTransport is the gorilla/websocket Transport.
type WebSocketTransport struct {
	lock      sync.Mutex
	writeLock sync.Mutex
	listener  TransportListener
	options   TransportOptions
	logger    zerolog.Logger
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool
}

// NewWebSocketTransport returns a new WebSocketTransport.
func NewWebSocketTransport(listener TransportListener, options TransportOptions) Transport {
	return &WebSocketTransport{
		listener: listener,
		options:  options,
		logger:   options.Logger.With().Str("component", "websocket").Str("host", options.Host).Logger(),
	}
}

// Open dials rawURL in the background.
func (transport *WebSocketTransport) Open(ctx context.Context, rawURL string) {
	if transport == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialContext, cancel := context.WithCancel(ctx)

	transport.lock.Lock()
	if transport.closed {
		transport.lock.Unlock()
		cancel()
		return
	}
	transport.cancel = cancel
	transport.lock.Unlock()

	go transport.dial(dialContext, rawURL)
}

func (transport *WebSocketTransport) dial(ctx context.Context, rawURL string) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: transport.options.HandshakeTimeout,
	}
	conn, response, err := dialer.DialContext(ctx, rawURL, transport.options.Header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if transport.isClosed() {
			return
		}
		transportErr := classifyDialError(err, response)
		transport.logger.Debug().Err(err).Str("type", transportErr.Type.String()).Msg("dial failed")
		transport.listener.OnTransportError(transport, transportErr)
		return
	}

	transport.lock.Lock()
	if transport.closed {
		transport.lock.Unlock()
		_ = conn.Close()
		return
	}
	transport.conn = conn
	transport.lock.Unlock()

	transport.listener.OnTransportOpen(transport)
	transport.readLoop(conn)
}

func (transport *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if transport.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				transport.listener.OnTransportClose(transport, closeErr.Code, closeErr.Text)
				return
			}
			transport.listener.OnTransportError(transport, classifyReadError(err))
			return
		}
		transport.listener.OnTransportMessage(transport, data)
	}
}

// Send writes one frame, binary or text depending on the encoder.
func (transport *WebSocketTransport) Send(data []byte) error {
	if transport == nil {
		return errors.New("nil transport")
	}
	transport.lock.Lock()
	conn := transport.conn
	closed := transport.closed
	transport.lock.Unlock()
	if closed || conn == nil {
		return NewError(ErrorCodeDisconnected, "transport is not open")
	}

	messageType := websocket.TextMessage
	if transport.options.Binary {
		messageType = websocket.BinaryMessage
	}
	transport.writeLock.Lock()
	defer transport.writeLock.Unlock()
	return conn.WriteMessage(messageType, data)
}

// Close sends a normal close frame when open and releases the connection.
func (transport *WebSocketTransport) Close() {
	if transport == nil {
		return
	}
	transport.lock.Lock()
	if transport.closed {
		transport.lock.Unlock()
		return
	}
	transport.closed = true
	conn := transport.conn
	cancel := transport.cancel
	transport.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	transport.writeLock.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(websocketCloseWait))
	transport.writeLock.Unlock()
	_ = conn.Close()
}

func (transport *WebSocketTransport) isClosed() bool {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.closed
}

func classifyDialError(err error, response *http.Response) *TransportError {
	if response != nil {
		return &TransportError{Type: TransportErrorBadResponse, StatusCode: response.StatusCode, Err: err}
	}
	return classifyReadError(err)
}

func classifyReadError(err error) *TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Type: TransportErrorTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Type: TransportErrorTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Type: TransportErrorHostUnreachable, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &TransportError{Type: TransportErrorHostUnreachable, Err: err}
	}
	return &TransportError{Type: TransportErrorOther, Err: err}
}
