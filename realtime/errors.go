package realtime

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ErrorCodeBadRequest                    = 40000
	ErrorCodeUnauthorized                  = 40100
	ErrorCodeIncompatibleCredentials       = 40102
	ErrorCodeTokenErrorUnspecified         = 40140
	ErrorCodeTokenRevoked                  = 40141
	ErrorCodeTokenExpired                  = 40142
	ErrorCodeTokenErrorMax                 = 40149
	ErrorCodeCapabilityFailure             = 40160
	ErrorCodeAuthCallbackFailed            = 40170
	ErrorCodeForbidden                     = 40300
	ErrorCodeRateLimited                   = 42910
	ErrorCodeInternalError                 = 50000
	ErrorCodeTimeout                       = 50003
	ErrorCodeConnectionFailed              = 80000
	ErrorCodeConnectionSuspended           = 80002
	ErrorCodeDisconnected                  = 80003
	ErrorCodeConnectionKeyUnrecoverable    = 80005
	ErrorCodeConnectionKeyMismatch         = 80006
	ErrorCodeConnectionSerialUnrecoverable = 80007
	ErrorCodeConnectionExpired             = 80008
	ErrorCodeMessageSerialUnrecoverable    = 80012
	ErrorCodeProtocolError                 = 80013
	ErrorCodeConnectionTimedOut            = 80014
	ErrorCodeConnectionClosed              = 80017
	ErrorCodeInvalidConnectionKey          = 80018
	ErrorCodeConnectionDiscontinuity       = 80019
	ErrorCodeChannelOperationFailed        = 90000
	ErrorCodeChannelInvalidState           = 90001
	ErrorCodeChannelNoResponse             = 90007
	ErrorCodeMessageTooLarge               = 40009
	ErrorCodePresenceReenterFailed         = 91004
)

// ErrorInfo is the error type carried by state changes, NACKs and failed
// operations.
type ErrorInfo struct {
	Code       int    `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
	Href       string `json:"href,omitempty"`
	Cause      error  `json:"-"`
}

func (info *ErrorInfo) Error() string {
	if info == nil {
		return "<nil>"
	}
	name := errorName(info.Code)
	if info.Message == "" {
		return fmt.Sprintf("%s (code=%d status=%d)", name, info.Code, info.StatusCode)
	}
	if info.Cause != nil {
		return fmt.Sprintf("%s: %s (code=%d status=%d): %v", name, info.Message, info.Code, info.StatusCode, info.Cause)
	}
	return fmt.Sprintf("%s: %s (code=%d status=%d)", name, info.Message, info.Code, info.StatusCode)
}

func (info *ErrorInfo) Unwrap() error {
	if info == nil {
		return nil
	}
	return info.Cause
}

func errorName(code int) string {
	switch {
	case code >= ErrorCodeTokenErrorUnspecified && code <= ErrorCodeTokenErrorMax:
		return "TokenError"
	}

	switch code {
	case ErrorCodeBadRequest:
		return "BadRequestError"
	case ErrorCodeUnauthorized, ErrorCodeIncompatibleCredentials:
		return "AuthenticationError"
	case ErrorCodeCapabilityFailure, ErrorCodeForbidden:
		return "NotEntitledError"
	case ErrorCodeAuthCallbackFailed:
		return "AuthCallbackError"
	case ErrorCodeRateLimited:
		return "RateLimitedError"
	case ErrorCodeInternalError:
		return "InternalError"
	case ErrorCodeTimeout, ErrorCodeConnectionTimedOut:
		return "TimedOutError"
	case ErrorCodeConnectionFailed:
		return "ConnectionError"
	case ErrorCodeConnectionSuspended:
		return "SuspendedError"
	case ErrorCodeDisconnected:
		return "DisconnectedError"
	case ErrorCodeConnectionKeyUnrecoverable, ErrorCodeConnectionKeyMismatch,
		ErrorCodeConnectionSerialUnrecoverable, ErrorCodeConnectionExpired,
		ErrorCodeMessageSerialUnrecoverable, ErrorCodeInvalidConnectionKey:
		return "ResumeError"
	case ErrorCodeProtocolError:
		return "ProtocolError"
	case ErrorCodeConnectionClosed:
		return "ConnectionClosedError"
	case ErrorCodeConnectionDiscontinuity:
		return "DiscontinuityError"
	case ErrorCodeChannelOperationFailed, ErrorCodeChannelInvalidState, ErrorCodeChannelNoResponse:
		return "ChannelError"
	case ErrorCodeMessageTooLarge:
		return "MessageTooLargeError"
	case ErrorCodePresenceReenterFailed:
		return "PresenceError"
	default:
		return "UnknownError"
	}
}

func defaultStatusCode(code int) int {
	if code >= 10000 && code < 60000 {
		return code / 100
	}
	switch code {
	case ErrorCodeConnectionTimedOut, ErrorCodeDisconnected:
		return 408
	case ErrorCodeConnectionFailed:
		return 503
	default:
		return 400
	}
}

// NewError builds an *ErrorInfo for code. The first message argument, when
// present, becomes the message; an error argument anywhere becomes the cause.
func NewError(code int, message ...interface{}) *ErrorInfo {
	info := &ErrorInfo{Code: code, StatusCode: defaultStatusCode(code)}
	parts := make([]string, 0, len(message))
	for _, part := range message {
		switch value := part.(type) {
		case nil:
		case error:
			if info.Cause == nil {
				info.Cause = value
				continue
			}
			parts = append(parts, value.Error())
		case string:
			parts = append(parts, value)
		default:
			parts = append(parts, fmt.Sprint(value))
		}
	}
	info.Message = strings.Join(parts, " ")
	return info
}

// WithStatus returns a copy of info carrying status.
func (info *ErrorInfo) WithStatus(status int) *ErrorInfo {
	if info == nil {
		return nil
	}
	copied := *info
	copied.StatusCode = status
	return &copied
}

// IsTokenError reports whether err carries a token error code (40140-40149).
func IsTokenError(err error) bool {
	var info *ErrorInfo
	if !errors.As(err, &info) || info == nil {
		return false
	}
	return info.Code >= ErrorCodeTokenErrorUnspecified && info.Code <= ErrorCodeTokenErrorMax
}

// ErrorCode returns the service error code carried by err, or 0.
func ErrorCode(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) && info != nil {
		return info.Code
	}
	return 0
}

// IsRetryableStatus reports whether an HTTP status returned during the
// transport handshake qualifies for host fallback.
func IsRetryableStatus(status int) bool {
	return status >= 500 && status <= 504
}

func isResumeRejection(info *ErrorInfo) bool {
	if info == nil {
		return false
	}
	switch info.Code {
	case ErrorCodeConnectionKeyUnrecoverable, ErrorCodeConnectionKeyMismatch,
		ErrorCodeConnectionSerialUnrecoverable, ErrorCodeConnectionExpired,
		ErrorCodeMessageSerialUnrecoverable, ErrorCodeInvalidConnectionKey:
		return true
	}
	return false
}

func asErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) && info != nil {
		return info
	}
	return NewError(ErrorCodeInternalError, err)
}
