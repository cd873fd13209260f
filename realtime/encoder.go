package realtime

import (
	"bytes"

	"github.com/segmentio/encoding/json"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	FormatJSON    = "json"
	FormatMsgPack = "msgpack"
)

// Encoder converts envelopes to and from wire bytes.
type Encoder interface {
	Format() string
	Binary() bool
	Encode(message *ProtocolMessage) ([]byte, error)
	Decode(data []byte) (*ProtocolMessage, error)
}

// NewEncoder returns the encoder for format ("json" or "msgpack").
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", FormatJSON:
		return JSONEncoder{}, nil
	case FormatMsgPack:
		return MsgPackEncoder{}, nil
	default:
		return nil, NewError(ErrorCodeBadRequest, "unsupported wire format", format)
	}
}

// JSONEncoder encodes envelopes as JSON text frames.
type JSONEncoder struct{}

func (JSONEncoder) Format() string { return FormatJSON }

func (JSONEncoder) Binary() bool { return false }

func (JSONEncoder) Encode(message *ProtocolMessage) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, NewError(ErrorCodeProtocolError, "encode json envelope", err)
	}
	return data, nil
}

func (JSONEncoder) Decode(data []byte) (*ProtocolMessage, error) {
	message := &ProtocolMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, NewError(ErrorCodeProtocolError, "decode json envelope", err)
	}
	return message, nil
}

// MsgPackEncoder encodes envelopes as MessagePack binary frames. Field names
// follow the json struct tags.
type MsgPackEncoder struct{}

func (MsgPackEncoder) Format() string { return FormatMsgPack }

func (MsgPackEncoder) Binary() bool { return true }

func (MsgPackEncoder) Encode(message *ProtocolMessage) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := msgpack.NewEncoder(&buffer)
	encoder.SetCustomStructTag("json")
	encoder.SetOmitEmpty(true)
	if err := encoder.Encode(message); err != nil {
		return nil, NewError(ErrorCodeProtocolError, "encode msgpack envelope", err)
	}
	return buffer.Bytes(), nil
}

func (MsgPackEncoder) Decode(data []byte) (*ProtocolMessage, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	decoder.SetCustomStructTag("json")
	message := &ProtocolMessage{}
	if err := decoder.Decode(message); err != nil {
		return nil, NewError(ErrorCodeProtocolError, "decode msgpack envelope", err)
	}
	return message, nil
}
