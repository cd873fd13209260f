package realtime

import (
	"strconv"
	"strings"

	"github.com/Thejuampi/realtime-client-go/realtime/internal/cursor"
)

// Action identifies the kind of a ProtocolMessage.
type Action int

const (
	ActionHeartbeat Action = iota
	ActionAck
	ActionNack
	ActionConnect
	ActionConnected
	ActionDisconnect
	ActionDisconnected
	ActionClose
	ActionClosed
	ActionError
	ActionAttach
	ActionAttached
	ActionDetach
	ActionDetached
	ActionPresence
	ActionMessage
	ActionSync
	ActionAuth
)

var actionNames = [...]string{
	"heartbeat", "ack", "nack", "connect", "connected", "disconnect",
	"disconnected", "close", "closed", "error", "attach", "attached",
	"detach", "detached", "presence", "message", "sync", "auth",
}

func (action Action) String() string {
	if action >= 0 && int(action) < len(actionNames) {
		return actionNames[action]
	}
	return "unknown(" + strconv.Itoa(int(action)) + ")"
}

func (action Action) ackRequired() bool {
	return action == ActionMessage || action == ActionPresence
}

// Flag is a bit in ProtocolMessage.Flags.
type Flag int64

const (
	FlagHasPresence      Flag = 1 << 0
	FlagHasBacklog       Flag = 1 << 1
	FlagResumed          Flag = 1 << 2
	FlagHasLocalPresence Flag = 1 << 3
	FlagTransient        Flag = 1 << 4
	FlagAttachResume     Flag = 1 << 5

	FlagPresence          Flag = 1 << 16
	FlagPublish           Flag = 1 << 17
	FlagSubscribe         Flag = 1 << 18
	FlagPresenceSubscribe Flag = 1 << 19
)

// ChannelMode restricts the operations a channel attachment allows.
type ChannelMode = Flag

// ConnectionDetails is sent by the service in CONNECTED envelopes.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	MaxMessageSize     int64  `json:"maxMessageSize,omitempty"`
	MaxFrameSize       int64  `json:"maxFrameSize,omitempty"`
	MaxInboundRate     int64  `json:"maxInboundRate,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
}

// AuthDetails carries a token for in-band reauthorization.
type AuthDetails struct {
	AccessToken string `json:"accessToken,omitempty"`
}

// Message is a single published or delivered channel message.
type Message struct {
	ID           string         `json:"id,omitempty"`
	ClientID     string         `json:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Name         string         `json:"name,omitempty"`
	Data         interface{}    `json:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// PresenceAction is the action of a PresenceMessage.
type PresenceAction int

const (
	PresenceAbsent PresenceAction = iota
	PresencePresent
	PresenceEnter
	PresenceLeave
	PresenceUpdate
)

var presenceActionNames = [...]string{"absent", "present", "enter", "leave", "update"}

func (action PresenceAction) String() string {
	if action >= 0 && int(action) < len(presenceActionNames) {
		return presenceActionNames[action]
	}
	return "unknown(" + strconv.Itoa(int(action)) + ")"
}

// PresenceMessage describes one member's presence on a channel.
type PresenceMessage struct {
	ID           string         `json:"id,omitempty"`
	Action       PresenceAction `json:"action"`
	ClientID     string         `json:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Data         interface{}    `json:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

func (message *PresenceMessage) memberKey() string {
	return message.ConnectionID + ":" + message.ClientID
}

// synthesized reports whether the service generated this entry on behalf of
// the member, for example a leave after an abrupt disconnection. Entries
// without both an id and a connection id are never synthesized.
func (message *PresenceMessage) synthesized() bool {
	if message.ID == "" || message.ConnectionID == "" {
		return false
	}
	return !strings.HasPrefix(message.ID, message.ConnectionID)
}

func (message *PresenceMessage) clone() *PresenceMessage {
	if message == nil {
		return nil
	}
	copied := *message
	return &copied
}

// isNewerThan reports whether message supersedes existing for the same
// member. A synthesized incoming entry always supersedes.
func (message *PresenceMessage) isNewerThan(existing *PresenceMessage) bool {
	if existing == nil || message.synthesized() {
		return true
	}
	if existing.synthesized() {
		return message.Timestamp >= existing.Timestamp
	}

	serial, index, ok := cursor.ParseMessageID(message.ID)
	existingSerial, existingIndex, existingOK := cursor.ParseMessageID(existing.ID)
	if !ok || !existingOK {
		return message.Timestamp >= existing.Timestamp
	}
	if serial != existingSerial {
		return serial > existingSerial
	}
	return index > existingIndex
}

// ProtocolMessage is the single envelope exchanged with the service.
type ProtocolMessage struct {
	Action            Action             `json:"action"`
	ID                string             `json:"id,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionKey     string             `json:"connectionKey,omitempty"`
	ConnectionSerial  *int64             `json:"connectionSerial,omitempty"`
	MsgSerial         int64              `json:"msgSerial,omitempty"`
	Count             int                `json:"count,omitempty"`
	Flags             Flag               `json:"flags,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Messages          []*Message         `json:"messages,omitempty"`
	Presence          []*PresenceMessage `json:"presence,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty"`
	Params            map[string]string  `json:"params,omitempty"`
}

// HasFlag reports whether flag is set.
func (message *ProtocolMessage) HasFlag(flag Flag) bool {
	return message != nil && message.Flags&flag == flag
}

func (message *ProtocolMessage) ackRequired() bool {
	return message != nil && message.Action.ackRequired()
}

// syncComplete reports whether a SYNC envelope is the last of its sequence.
func (message *ProtocolMessage) syncComplete() bool {
	return cursor.SyncComplete(message.ChannelSerial)
}

// itemCount is the number of items acknowledged as one unit.
func (message *ProtocolMessage) itemCount() int {
	if message.Count > 0 {
		return message.Count
	}
	return 1
}

// populateMessageFields fills id, connectionId and timestamp of each item
// from the envelope where the service omitted them.
func (message *ProtocolMessage) populateMessageFields() {
	for index, item := range message.Messages {
		if item == nil {
			continue
		}
		if item.ID == "" && message.ID != "" {
			item.ID = message.ID + ":" + strconv.Itoa(index)
		}
		if item.ConnectionID == "" {
			item.ConnectionID = message.ConnectionID
		}
		if item.Timestamp == 0 {
			item.Timestamp = message.Timestamp
		}
	}
	for index, item := range message.Presence {
		if item == nil {
			continue
		}
		if item.ID == "" && message.ID != "" {
			item.ID = message.ID + ":" + strconv.Itoa(index)
		}
		if item.ConnectionID == "" {
			item.ConnectionID = message.ConnectionID
		}
		if item.Timestamp == 0 {
			item.Timestamp = message.Timestamp
		}
	}
}

func int64Ptr(value int64) *int64 {
	return &value
}
