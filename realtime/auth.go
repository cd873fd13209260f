package realtime

import (
	"context"
	"time"
)

// TokenParams are passed to an Authenticator when a token is requested.
type TokenParams struct {
	ClientID   string
	TTL        time.Duration
	Capability string
}

// TokenDetails is an issued access token.
type TokenDetails struct {
	Token    string
	Issued   time.Time
	Expires  time.Time
	ClientID string
}

// Authenticator supplies access tokens. It is called when the client first
// needs a token and again whenever the service rejects the current one.
type Authenticator interface {
	Authorize(ctx context.Context, params TokenParams) (*TokenDetails, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, params TokenParams) (*TokenDetails, error)

func (authorize AuthenticatorFunc) Authorize(ctx context.Context, params TokenParams) (*TokenDetails, error) {
	return authorize(ctx, params)
}

// authState is owned by the serial queue.
type authState struct {
	token        string
	renewing     bool
	renewedOnce  bool
	authenticate Authenticator
	clientID     string
}

func (state *authState) renewable() bool {
	return state.authenticate != nil
}

func (state *authState) needsToken() bool {
	return state.authenticate != nil && state.token == ""
}

func (state *authState) tokenParams() TokenParams {
	return TokenParams{ClientID: state.clientID}
}
