package realtimetest

import (
	"strconv"
	"time"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

// DropConnections closes every transport without a close frame. Sessions
// are kept, so clients can resume.
func (server *Server) DropConnections() {
	server.mu.Lock()
	conns := make([]*serverConn, 0, len(server.conns))
	for conn := range server.conns {
		conns = append(conns, conn)
	}
	server.mu.Unlock()
	for _, conn := range conns {
		conn.abort()
	}
}

// ForgetSessions discards every session, so the next resume attempt gets
// a new connection id and an 80008 error in CONNECTED.
func (server *Server) ForgetSessions() {
	server.mu.Lock()
	defer server.mu.Unlock()
	for _, current := range server.sessions {
		server.forgetSession(current)
	}
}

// RejectNextResume answers the next resume attempt with an ERROR envelope
// carrying err.
func (server *Server) RejectNextResume(err *realtime.ErrorInfo) {
	server.mu.Lock()
	server.rejectResume = err
	server.mu.Unlock()
}

// IgnoreAttach makes the server drop ATTACH requests for channel.
func (server *Server) IgnoreAttach(channel string, ignore bool) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if ignore {
		server.ignoreAttach[channel] = true
		return
	}
	delete(server.ignoreAttach, channel)
}

// FailAttach answers ATTACH requests for channel with a channel ERROR.
// A nil err restores normal attaches.
func (server *Server) FailAttach(channel string, err *realtime.ErrorInfo) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if err == nil {
		delete(server.failAttach, channel)
		return
	}
	server.failAttach[channel] = err
}

// NackPublishes NACKs every publish to channel with err. A nil err restores
// normal acknowledgements.
func (server *Server) NackPublishes(channel string, err *realtime.ErrorInfo) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if err == nil {
		delete(server.nacks, channel)
		return
	}
	server.nacks[channel] = err
}

// SendDisconnected sends DISCONNECTED with err to every connection and
// closes the transports.
func (server *Server) SendDisconnected(err *realtime.ErrorInfo) {
	server.broadcast(&realtime.ProtocolMessage{Action: realtime.ActionDisconnected, Error: err}, true)
}

// RequestAuth asks every connection to reauthorize in band.
func (server *Server) RequestAuth() {
	server.broadcast(&realtime.ProtocolMessage{Action: realtime.ActionAuth}, false)
}

// DetachChannel detaches every subscriber of channel from the service
// side, with err as the reason.
func (server *Server) DetachChannel(channel string, err *realtime.ErrorInfo) {
	server.mu.Lock()
	defer server.mu.Unlock()
	target, ok := server.channels[channel]
	if !ok {
		return
	}
	for subscriber := range target.subscribers {
		delete(target.subscribers, subscriber)
		if subscriber.conn != nil {
			subscriber.conn.send(&realtime.ProtocolMessage{Action: realtime.ActionDetached, Channel: channel, Error: err})
		}
	}
}

// Publish delivers a message to the subscribers of channel as if another
// client had published it.
func (server *Server) Publish(channel string, name string, data interface{}) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.fanout(nil, &realtime.ProtocolMessage{
		Action:       realtime.ActionMessage,
		Channel:      channel,
		ID:           "server:" + time.Now().Format("150405.000000000"),
		ConnectionID: "server",
		Timestamp:    time.Now().UnixMilli(),
		Messages:     []*realtime.Message{{Name: name, Data: data}},
	}, true)
}

// EnterMember adds a member entered by another connection and announces it
// to the subscribers of channel.
func (server *Server) EnterMember(channel string, connectionID string, clientID string, data interface{}) {
	server.mu.Lock()
	defer server.mu.Unlock()
	target := server.channel(channel)
	target.serial++
	member := &realtime.PresenceMessage{
		ID:           connectionID + ":" + strconv.FormatInt(target.serial, 10) + ":0",
		Action:       realtime.PresenceEnter,
		ClientID:     clientID,
		ConnectionID: connectionID,
		Data:         data,
		Timestamp:    time.Now().UnixMilli(),
	}
	server.applyPresence(target, member)
	announced := *member
	server.fanout(nil, &realtime.ProtocolMessage{
		Action:   realtime.ActionPresence,
		Channel:  channel,
		Presence: []*realtime.PresenceMessage{&announced},
	}, true)
}

// Members returns the number of members the server holds for channel.
func (server *Server) Members(channel string) int {
	server.mu.Lock()
	defer server.mu.Unlock()
	if target, ok := server.channels[channel]; ok {
		return len(target.members)
	}
	return 0
}

// Subscribers returns the number of sessions attached to channel.
func (server *Server) Subscribers(channel string) int {
	server.mu.Lock()
	defer server.mu.Unlock()
	if target, ok := server.channels[channel]; ok {
		return len(target.subscribers)
	}
	return 0
}

func (server *Server) broadcast(message *realtime.ProtocolMessage, closeAfter bool) {
	server.mu.Lock()
	conns := make([]*serverConn, 0, len(server.conns))
	for conn := range server.conns {
		if conn.session != nil {
			conns = append(conns, conn)
		}
	}
	server.mu.Unlock()
	for _, conn := range conns {
		conn.send(message)
		if closeAfter {
			conn.closeGracefully()
		}
	}
}
