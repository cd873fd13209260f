package realtime

import "testing"

func TestRecoveryKeyRoundTrip(t *testing.T) {
	key := RecoveryKey{
		ConnectionKey:    "key-1",
		MsgSerial:        7,
		ConnectionSerial: 41,
		ChannelSerials:   map[string]string{"news": "news@3"},
	}
	encoded, err := key.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRecoveryKey(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ConnectionKey != "key-1" || decoded.MsgSerial != 7 || decoded.ConnectionSerial != 41 || decoded.ChannelSerials["news"] != "news@3" {
		t.Fatalf("unexpected decoded key %+v", decoded)
	}
}

func TestDecodeRecoveryKeyRejectsInvalidInput(t *testing.T) {
	for _, encoded := range []string{"", "not json", `{"msgSerial":1}`} {
		if _, err := DecodeRecoveryKey(encoded); ErrorCode(err) != ErrorCodeBadRequest {
			t.Fatalf("%q: expected bad request, got %v", encoded, err)
		}
	}
}
