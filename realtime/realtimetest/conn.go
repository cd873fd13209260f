package realtimetest

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

const writeTimeout = 5 * time.Second

// session is the resumable state of one logical connection. It outlives
// the transports that carry it.
type session struct {
	id             string
	key            string
	clientID       string
	serial         int64
	limiter        *rate.Limiter
	conn           *serverConn
	disconnectedAt time.Time
}

type serverConn struct {
	server   *Server
	ws       *websocket.Conn
	encoder  realtime.Encoder
	echo     bool
	key      string
	token    string
	clientID string

	writeMu sync.Mutex
	// session is guarded by server.mu.
	session *session
}

func (server *Server) newSession(clientID string) *session {
	limit := server.options.PublishRate
	if limit <= 0 {
		limit = rate.Inf
	}
	created := &session{
		id:       uuid.NewString(),
		key:      uuid.NewString(),
		clientID: clientID,
		serial:   -1,
		limiter:  rate.NewLimiter(limit, server.options.PublishBurst),
	}
	server.sessions[created.key] = created
	return created
}

func (conn *serverConn) serve() {
	defer conn.server.dropConn(conn)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		message, err := conn.encoder.Decode(data)
		if err != nil {
			conn.server.options.Logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		conn.server.handle(conn, message)
	}
}

func (conn *serverConn) send(message *realtime.ProtocolMessage) {
	data, err := conn.encoder.Encode(message)
	if err != nil {
		conn.server.options.Logger.Error().Err(err).Msg("encoding envelope failed")
		return
	}
	messageType := websocket.TextMessage
	if conn.encoder.Binary() {
		messageType = websocket.BinaryMessage
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.ws.WriteMessage(messageType, data); err != nil {
		conn.server.options.Logger.Debug().Err(err).Msg("write failed")
	}
}

// closeGracefully sends a close frame and closes the socket.
func (conn *serverConn) closeGracefully() {
	conn.writeMu.Lock()
	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	conn.writeMu.Unlock()
	conn.ws.Close()
}

// abort closes the socket without a close frame, as a network failure
// would.
func (conn *serverConn) abort() {
	conn.ws.UnderlyingConn().Close()
}

func (server *Server) dropConn(conn *serverConn) {
	server.mu.Lock()
	defer server.mu.Unlock()
	delete(server.conns, conn)
	if current := conn.session; current != nil && current.conn == conn {
		current.conn = nil
		current.disconnectedAt = time.Now()
	}
	conn.ws.Close()
}
