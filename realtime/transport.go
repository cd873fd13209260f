package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// TransportErrorType classifies transport failures for fallback decisions.
type TransportErrorType int

const (
	TransportErrorOther TransportErrorType = iota
	TransportErrorHostUnreachable
	TransportErrorTimeout
	TransportErrorBadResponse
)

func (errorType TransportErrorType) String() string {
	switch errorType {
	case TransportErrorHostUnreachable:
		return "host_unreachable"
	case TransportErrorTimeout:
		return "timeout"
	case TransportErrorBadResponse:
		return "bad_response"
	default:
		return "other"
	}
}

// TransportError is reported by a Transport when opening or reading fails.
type TransportError struct {
	Type       TransportErrorType
	StatusCode int
	Err        error
}

func (err *TransportError) Error() string {
	if err == nil {
		return "<nil>"
	}
	if err.StatusCode != 0 {
		return fmt.Sprintf("transport %s (status %d): %v", err.Type, err.StatusCode, err.Err)
	}
	return fmt.Sprintf("transport %s: %v", err.Type, err.Err)
}

func (err *TransportError) Unwrap() error {
	if err == nil {
		return nil
	}
	return err.Err
}

// fallbackEligible reports whether another host may succeed where this one
// failed.
func (err *TransportError) fallbackEligible() bool {
	if err == nil {
		return false
	}
	switch err.Type {
	case TransportErrorHostUnreachable, TransportErrorTimeout:
		return true
	case TransportErrorBadResponse:
		return IsRetryableStatus(err.StatusCode)
	}
	return false
}

// TransportListener receives transport events. Calls may come from any
// goroutine.
type TransportListener interface {
	OnTransportOpen(transport Transport)
	OnTransportMessage(transport Transport, data []byte)
	OnTransportError(transport Transport, err *TransportError)
	OnTransportClose(transport Transport, code int, reason string)
}

// Transport is a bidirectional message transport. Open is asynchronous and
// reports its outcome through the listener. After Close the transport
// reports nothing further.
type Transport interface {
	Open(ctx context.Context, url string)
	Send(data []byte) error
	Close()
}

// TransportOptions configures one transport instance.
type TransportOptions struct {
	Host             string
	Binary           bool
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           zerolog.Logger
}

// TransportFactory creates a transport reporting to listener.
type TransportFactory func(listener TransportListener, options TransportOptions) Transport
