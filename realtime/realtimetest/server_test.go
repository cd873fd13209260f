package realtimetest

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, server *Server, query string) *rawClient {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(server.URL()+"/?"+query, nil)
	require.NoError(t, err)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (client *rawClient) send(message *realtime.ProtocolMessage) {
	client.t.Helper()
	data, err := realtime.JSONEncoder{}.Encode(message)
	require.NoError(client.t, err)
	require.NoError(client.t, client.conn.WriteMessage(websocket.TextMessage, data))
}

func (client *rawClient) read() *realtime.ProtocolMessage {
	client.t.Helper()
	require.NoError(client.t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := client.conn.ReadMessage()
	require.NoError(client.t, err)
	message, err := realtime.JSONEncoder{}.Decode(data)
	require.NoError(client.t, err)
	return message
}

func (client *rawClient) connect() *realtime.ProtocolMessage {
	client.t.Helper()
	client.send(&realtime.ProtocolMessage{Action: realtime.ActionConnect})
	connected := client.read()
	require.Equal(client.t, realtime.ActionConnected, connected.Action)
	return connected
}

func TestServerConnectAttachPublish(t *testing.T) {
	server := NewServer()
	defer server.Close()
	client := dialRaw(t, server, "key="+TestKey+"&clientId=alice&format=json")

	connected := client.connect()
	assert.NotEmpty(t, connected.ConnectionID)
	require.NotNil(t, connected.ConnectionDetails)
	assert.Equal(t, "alice", connected.ConnectionDetails.ClientID)
	assert.Equal(t, connected.ConnectionKey, connected.ConnectionDetails.ConnectionKey)
	assert.Equal(t, int64(15000), connected.ConnectionDetails.MaxIdleInterval)
	assert.Equal(t, 1, server.Sessions())

	client.send(&realtime.ProtocolMessage{Action: realtime.ActionAttach, Channel: "news"})
	attached := client.read()
	assert.Equal(t, realtime.ActionAttached, attached.Action)
	assert.True(t, attached.HasFlag(realtime.FlagPublish))
	assert.False(t, attached.HasFlag(realtime.FlagResumed))
	assert.Equal(t, 1, server.Subscribers("news"))

	client.send(&realtime.ProtocolMessage{
		Action:    realtime.ActionMessage,
		Channel:   "news",
		MsgSerial: 0,
		Messages:  []*realtime.Message{{Name: "greeting", Data: "hello"}},
	})
	ack := client.read()
	assert.Equal(t, realtime.ActionAck, ack.Action)
	assert.Equal(t, int64(0), ack.MsgSerial)
	echo := client.read()
	assert.Equal(t, realtime.ActionMessage, echo.Action)
	assert.Equal(t, "news@1", echo.ChannelSerial)
	require.NotNil(t, echo.ConnectionSerial)
	assert.Equal(t, int64(0), *echo.ConnectionSerial)
	assert.Equal(t, "alice", echo.Messages[0].ClientID)

	client.send(&realtime.ProtocolMessage{Action: realtime.ActionMessage, Channel: "news", MsgSerial: 0, Messages: []*realtime.Message{{Name: "replay"}}})
	replay := client.read()
	assert.Equal(t, realtime.ActionAck, replay.Action, "a replayed serial is acknowledged without fan out")

	client.send(&realtime.ProtocolMessage{Action: realtime.ActionHeartbeat, ID: "ping-1"})
	heartbeat := client.read()
	assert.Equal(t, realtime.ActionHeartbeat, heartbeat.Action)
	assert.Equal(t, "ping-1", heartbeat.ID)
}

func TestServerResumeAndExpiry(t *testing.T) {
	server := NewServer()
	defer server.Close()
	first := dialRaw(t, server, "key="+TestKey)
	connected := first.connect()
	server.DropConnections()

	second := dialRaw(t, server, "key="+TestKey)
	second.send(&realtime.ProtocolMessage{Action: realtime.ActionConnect, ConnectionKey: connected.ConnectionKey})
	resumed := second.read()
	assert.Equal(t, connected.ConnectionID, resumed.ConnectionID)
	assert.Nil(t, resumed.Error)

	server.ForgetSessions()
	third := dialRaw(t, server, "key="+TestKey)
	third.send(&realtime.ProtocolMessage{Action: realtime.ActionConnect, ConnectionKey: connected.ConnectionKey})
	fresh := third.read()
	assert.NotEqual(t, connected.ConnectionID, fresh.ConnectionID)
	require.NotNil(t, fresh.Error)
	assert.Equal(t, realtime.ErrorCodeConnectionExpired, fresh.Error.Code)
}

func TestServerRejectsUnauthorizedConnections(t *testing.T) {
	options := DefaultOptions()
	options.Authorize = func(key string, token string) *realtime.ErrorInfo {
		if key == TestKey {
			return nil
		}
		return realtime.NewError(realtime.ErrorCodeUnauthorized, "unknown key")
	}
	server := NewServerWithOptions(options)
	defer server.Close()

	client := dialRaw(t, server, "key=wrong:key")
	client.send(&realtime.ProtocolMessage{Action: realtime.ActionConnect})
	rejected := client.read()
	assert.Equal(t, realtime.ActionError, rejected.Action)
	assert.Equal(t, realtime.ErrorCodeUnauthorized, rejected.Error.Code)
}

func TestServerPresenceSync(t *testing.T) {
	server := NewServer()
	defer server.Close()
	server.EnterMember("room", "other", "bob", nil)
	server.EnterMember("room", "other", "carol", nil)
	assert.Equal(t, 2, server.Members("room"))

	client := dialRaw(t, server, "key="+TestKey)
	client.connect()
	client.send(&realtime.ProtocolMessage{Action: realtime.ActionAttach, Channel: "room"})
	attached := client.read()
	assert.True(t, attached.HasFlag(realtime.FlagHasPresence))

	first := client.read()
	assert.Equal(t, realtime.ActionSync, first.Action)
	assert.Len(t, first.Presence, 1)
	assert.NotEqual(t, byte(':'), first.ChannelSerial[len(first.ChannelSerial)-1])
	last := client.read()
	assert.Equal(t, realtime.ActionSync, last.Action)
	assert.Len(t, last.Presence, 1)
	assert.Equal(t, byte(':'), last.ChannelSerial[len(last.ChannelSerial)-1])
	assert.Equal(t, realtime.PresencePresent, last.Presence[0].Action)
}

func TestServerIgnoresEnvelopesBeforeConnect(t *testing.T) {
	server := NewServer()
	defer server.Close()
	client := dialRaw(t, server, "key="+TestKey)
	client.send(&realtime.ProtocolMessage{Action: realtime.ActionAttach, Channel: "news"})
	connected := client.connect()
	assert.NotEmpty(t, connected.ConnectionID)
	assert.Zero(t, server.Subscribers("news"))
}
