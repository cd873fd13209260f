package realtime

import "github.com/segmentio/encoding/json"

// RecoveryKey is the persisted resume state of a connection. It is opaque
// to applications, which pass its encoded form back as ClientOptions.Recover.
type RecoveryKey struct {
	ConnectionKey    string            `json:"connectionKey"`
	MsgSerial        int64             `json:"msgSerial"`
	ConnectionSerial int64             `json:"connectionSerial"`
	ChannelSerials   map[string]string `json:"channelSerials,omitempty"`
}

// Encode returns the string form of key.
func (key RecoveryKey) Encode() (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeRecoveryKey parses a key produced by Encode.
func DecodeRecoveryKey(encoded string) (*RecoveryKey, error) {
	key := &RecoveryKey{}
	if err := json.Unmarshal([]byte(encoded), key); err != nil {
		return nil, NewError(ErrorCodeBadRequest, "invalid recovery key", err)
	}
	if key.ConnectionKey == "" {
		return nil, NewError(ErrorCodeBadRequest, "invalid recovery key: missing connection key")
	}
	return key, nil
}
