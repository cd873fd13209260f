package realtimetest

import (
	"strconv"
	"time"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

const allModes = realtime.FlagPresence | realtime.FlagPublish | realtime.FlagSubscribe | realtime.FlagPresenceSubscribe

type serverChannel struct {
	name        string
	serial      int64
	subscribers map[*session]struct{}
	members     map[string]*realtime.PresenceMessage
}

func (server *Server) channel(name string) *serverChannel {
	channel, ok := server.channels[name]
	if !ok {
		channel = &serverChannel{
			name:        name,
			subscribers: make(map[*session]struct{}),
			members:     make(map[string]*realtime.PresenceMessage),
		}
		server.channels[name] = channel
	}
	return channel
}

func (channel *serverChannel) nextSerial() string {
	channel.serial++
	return channel.name + "@" + strconv.FormatInt(channel.serial, 10)
}

func (channel *serverChannel) currentSerial() string {
	if channel.serial == 0 {
		return ""
	}
	return channel.name + "@" + strconv.FormatInt(channel.serial, 10)
}

func (server *Server) handle(conn *serverConn, message *realtime.ProtocolMessage) {
	server.mu.Lock()
	defer server.mu.Unlock()

	if message.Action != realtime.ActionConnect && conn.session == nil {
		server.options.Logger.Warn().Str("action", message.Action.String()).Msg("envelope before CONNECT")
		return
	}
	switch message.Action {
	case realtime.ActionConnect:
		server.onConnect(conn, message)
	case realtime.ActionHeartbeat:
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionHeartbeat, ID: message.ID})
	case realtime.ActionAttach:
		server.onAttach(conn, message)
	case realtime.ActionDetach:
		server.onDetach(conn, message)
	case realtime.ActionMessage:
		server.onMessage(conn, message)
	case realtime.ActionPresence:
		server.onPresence(conn, message)
	case realtime.ActionAuth:
		server.onAuth(conn, message)
	case realtime.ActionClose:
		server.onClose(conn)
	default:
		server.options.Logger.Warn().Str("action", message.Action.String()).Msg("unexpected envelope")
	}
}

func (server *Server) authorize(key string, token string) *realtime.ErrorInfo {
	if server.options.Authorize == nil {
		return nil
	}
	return server.options.Authorize(key, token)
}

func (server *Server) onConnect(conn *serverConn, message *realtime.ProtocolMessage) {
	if err := server.authorize(conn.key, conn.token); err != nil {
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionError, Error: err})
		go conn.closeGracefully()
		return
	}

	var resumed *session
	var reason *realtime.ErrorInfo
	if message.ConnectionKey != "" {
		if rejection := server.rejectResume; rejection != nil {
			server.rejectResume = nil
			conn.send(&realtime.ProtocolMessage{Action: realtime.ActionError, Error: rejection})
			go conn.closeGracefully()
			return
		}
		existing, ok := server.sessions[message.ConnectionKey]
		switch {
		case !ok:
			reason = realtime.NewError(realtime.ErrorCodeConnectionExpired, "unable to recover connection: connection expired")
		case existing.conn == nil && !existing.disconnectedAt.IsZero() && time.Since(existing.disconnectedAt) > server.options.ConnectionStateTTL:
			server.forgetSession(existing)
			reason = realtime.NewError(realtime.ErrorCodeConnectionExpired, "unable to recover connection: connection expired")
		default:
			resumed = existing
		}
	}

	current := resumed
	if current == nil {
		current = server.newSession(conn.clientID)
	} else if previous := current.conn; previous != nil && previous != conn {
		previous.session = nil
		go previous.abort()
	}
	current.conn = conn
	conn.session = current

	conn.send(&realtime.ProtocolMessage{
		Action:        realtime.ActionConnected,
		ConnectionID:  current.id,
		ConnectionKey: current.key,
		Error:         reason,
		ConnectionDetails: &realtime.ConnectionDetails{
			ClientID:           current.clientID,
			ConnectionKey:      current.key,
			MaxMessageSize:     int64(server.options.MaxMessageSize),
			ConnectionStateTTL: server.options.ConnectionStateTTL.Milliseconds(),
			MaxIdleInterval:    server.options.MaxIdleInterval.Milliseconds(),
			ServerID:           "realtimetest",
		},
	})
}

func (server *Server) onAuth(conn *serverConn, message *realtime.ProtocolMessage) {
	token := ""
	if message.Auth != nil {
		token = message.Auth.AccessToken
	}
	if err := server.authorize("", token); err != nil {
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionError, Error: err})
		go conn.closeGracefully()
		return
	}
	conn.token = token
	current := conn.session
	conn.send(&realtime.ProtocolMessage{
		Action:        realtime.ActionConnected,
		ConnectionID:  current.id,
		ConnectionKey: current.key,
		ConnectionDetails: &realtime.ConnectionDetails{
			ClientID:      current.clientID,
			ConnectionKey: current.key,
		},
	})
}

func (server *Server) onAttach(conn *serverConn, message *realtime.ProtocolMessage) {
	name := message.Channel
	if server.ignoreAttach[name] {
		return
	}
	if err := server.failAttach[name]; err != nil {
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionError, Channel: name, Error: err})
		return
	}

	channel := server.channel(name)
	current := conn.session
	_, continuing := channel.subscribers[current]
	channel.subscribers[current] = struct{}{}

	flags := message.Flags & allModes
	if flags == 0 {
		flags = allModes
	}
	if continuing && message.HasFlag(realtime.FlagAttachResume) {
		flags |= realtime.FlagResumed
	}
	if len(channel.members) > 0 {
		flags |= realtime.FlagHasPresence
	}
	conn.send(&realtime.ProtocolMessage{
		Action:        realtime.ActionAttached,
		Channel:       name,
		ChannelSerial: channel.currentSerial(),
		Flags:         flags,
	})
	if len(channel.members) > 0 {
		server.sendSync(conn, channel)
	}
}

// sendSync sends the member set in two SYNC envelopes when there is more
// than one member, so clients exercise multi-part syncs.
func (server *Server) sendSync(conn *serverConn, channel *serverChannel) {
	members := make([]*realtime.PresenceMessage, 0, len(channel.members))
	for _, member := range channel.members {
		present := *member
		present.Action = realtime.PresencePresent
		members = append(members, &present)
	}
	sequence := strconv.FormatInt(time.Now().UnixNano(), 36)
	split := len(members) / 2
	if split > 0 {
		conn.send(&realtime.ProtocolMessage{
			Action:        realtime.ActionSync,
			Channel:       channel.name,
			ChannelSerial: sequence + ":more",
			Presence:      members[:split],
		})
	}
	conn.send(&realtime.ProtocolMessage{
		Action:        realtime.ActionSync,
		Channel:       channel.name,
		ChannelSerial: sequence + ":",
		Presence:      members[split:],
	})
}

func (server *Server) onDetach(conn *serverConn, message *realtime.ProtocolMessage) {
	if channel, ok := server.channels[message.Channel]; ok {
		delete(channel.subscribers, conn.session)
	}
	conn.send(&realtime.ProtocolMessage{Action: realtime.ActionDetached, Channel: message.Channel})
}

func (server *Server) onMessage(conn *serverConn, message *realtime.ProtocolMessage) {
	current := conn.session
	if err := server.nacks[message.Channel]; err != nil {
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionNack, MsgSerial: message.MsgSerial, Count: 1, Error: err})
		return
	}
	dedupeKey := current.id + ":" + strconv.FormatInt(message.MsgSerial, 10)
	if _, seen := server.dedupe.Get(dedupeKey); seen {
		conn.send(&realtime.ProtocolMessage{Action: realtime.ActionAck, MsgSerial: message.MsgSerial, Count: 1})
		return
	}
	if !current.limiter.Allow() {
		conn.send(&realtime.ProtocolMessage{
			Action:    realtime.ActionNack,
			MsgSerial: message.MsgSerial,
			Count:     1,
			Error:     realtime.NewError(realtime.ErrorCodeRateLimited, "publish rate exceeded"),
		})
		return
	}
	server.dedupe.Add(dedupeKey, struct{}{})
	conn.send(&realtime.ProtocolMessage{Action: realtime.ActionAck, MsgSerial: message.MsgSerial, Count: 1})

	for _, item := range message.Messages {
		if item != nil && item.ClientID == "" {
			item.ClientID = current.clientID
		}
	}
	server.fanout(current, &realtime.ProtocolMessage{
		Action:       realtime.ActionMessage,
		Channel:      message.Channel,
		ID:           dedupeKey,
		ConnectionID: current.id,
		Timestamp:    time.Now().UnixMilli(),
		Messages:     message.Messages,
	}, false)
}

func (server *Server) onPresence(conn *serverConn, message *realtime.ProtocolMessage) {
	current := conn.session
	conn.send(&realtime.ProtocolMessage{Action: realtime.ActionAck, MsgSerial: message.MsgSerial, Count: 1})

	channel := server.channel(message.Channel)
	now := time.Now().UnixMilli()
	envelopeID := current.id + ":" + strconv.FormatInt(message.MsgSerial, 10)
	for index, item := range message.Presence {
		if item == nil {
			continue
		}
		item.ID = envelopeID + ":" + strconv.Itoa(index)
		item.ConnectionID = current.id
		item.Timestamp = now
		if item.ClientID == "" {
			item.ClientID = current.clientID
		}
		server.applyPresence(channel, item)
	}
	server.fanout(current, &realtime.ProtocolMessage{
		Action:       realtime.ActionPresence,
		Channel:      message.Channel,
		ID:           envelopeID,
		ConnectionID: current.id,
		Timestamp:    now,
		Presence:     message.Presence,
	}, true)
}

func (server *Server) applyPresence(channel *serverChannel, item *realtime.PresenceMessage) {
	key := item.ConnectionID + ":" + item.ClientID
	if item.Action == realtime.PresenceLeave {
		delete(channel.members, key)
		return
	}
	stored := *item
	channel.members[key] = &stored
}

// fanout delivers message to every session attached to its channel. The
// publisher receives its own messages only with echo enabled.
func (server *Server) fanout(publisher *session, message *realtime.ProtocolMessage, alwaysEcho bool) {
	channel := server.channel(message.Channel)
	channelSerial := channel.nextSerial()
	for subscriber := range channel.subscribers {
		conn := subscriber.conn
		if conn == nil {
			continue
		}
		if subscriber == publisher && !alwaysEcho && !conn.echo {
			continue
		}
		subscriber.serial++
		delivered := *message
		delivered.ChannelSerial = channelSerial
		serial := subscriber.serial
		delivered.ConnectionSerial = &serial
		conn.send(&delivered)
	}
}

func (server *Server) onClose(conn *serverConn) {
	current := conn.session
	conn.send(&realtime.ProtocolMessage{Action: realtime.ActionClosed})
	server.forgetSession(current)
	conn.session = nil
	go conn.closeGracefully()
}

// forgetSession removes a session, its subscriptions and its members. Other
// subscribers see a LEAVE for each member it had entered.
func (server *Server) forgetSession(gone *session) {
	delete(server.sessions, gone.key)
	for _, channel := range server.channels {
		delete(channel.subscribers, gone)
		var leaves []*realtime.PresenceMessage
		for key, member := range channel.members {
			if member.ConnectionID != gone.id {
				continue
			}
			delete(channel.members, key)
			leave := *member
			leave.Action = realtime.PresenceLeave
			leave.ID = ""
			leave.Timestamp = time.Now().UnixMilli()
			leaves = append(leaves, &leave)
		}
		if len(leaves) > 0 {
			server.fanout(nil, &realtime.ProtocolMessage{
				Action:   realtime.ActionPresence,
				Channel:  channel.name,
				Presence: leaves,
			}, true)
		}
	}
}
