package realtime

import (
	"context"
	"time"
)

// transition moves the connection to state and emits the change. It
// refuses and logs transitions missing from the transition table.
func (client *Client) transition(state ConnectionState, reason *ErrorInfo, retryIn time.Duration) bool {
	previous := client.connection.state
	if !ConnectionTransitionAllowed(previous, state) {
		client.logger.Error().Str("from", previous.String()).Str("to", state.String()).Msg("refusing invalid connection transition")
		return false
	}
	client.connection.setState(state, reason)
	client.metrics.connectionTransitions.WithLabelValues(previous.String(), state.String()).Inc()

	if state != ConnectionConnecting && state != ConnectionDisconnected {
		client.retries = nil
	}

	event := client.logger.Info()
	if reason != nil {
		event = client.logger.Warn().Err(reason)
	}
	event.Str("from", previous.String()).Str("state", state.String()).Dur("retryIn", retryIn).Msg("connection state changed")

	client.connection.emitter.emit(state.Event(), ConnectionStateChange{
		Previous: previous,
		Current:  state,
		Event:    state.Event(),
		Reason:   reason,
		RetryIn:  retryIn,
	})
	return true
}

func (client *Client) emitUpdate(reason *ErrorInfo) {
	state := client.connection.state
	client.connection.setState(state, reason)
	client.connection.emitter.emit(ConnectionEventUpdate, ConnectionStateChange{
		Previous: state,
		Current:  state,
		Event:    ConnectionEventUpdate,
		Reason:   reason,
	})
}

func (client *Client) connect() {
	switch client.connection.state {
	case ConnectionConnecting, ConnectionConnected:
		return
	case ConnectionClosing:
		client.finishClose()
		fallthrough
	case ConnectionInitialized, ConnectionClosed, ConnectionFailed:
		client.connectionLostAt = time.Time{}
		client.failedAttempts = 0
	}
	client.auth.renewedOnce = false
	client.startConnecting()
}

// startConnecting enters CONNECTING and opens a transport to the primary
// host, or to the next fallback host while a fallback sequence is active.
func (client *Client) startConnecting() {
	client.retryTimer.cancel()

	host := client.options.realtimeHost()
	label := primaryHostLabel
	if client.fallbacks != nil {
		next, ok := client.fallbacks.Pop()
		if !ok {
			client.fallbacks = nil
			client.enterSuspended(NewError(ErrorCodeConnectionFailed, "unable to connect: fallback hosts exhausted"))
			return
		}
		host = next
		label = fallbackHostLabel
	}

	if client.connection.state != ConnectionConnecting {
		if !client.transition(ConnectionConnecting, nil, 0) {
			return
		}
	}
	client.metrics.reconnectAttempts.WithLabelValues(label).Inc()
	client.connectTimer.cancel()
	client.connectTimer = client.timers.after(client.options.RealtimeRequestTimeout, func() {
		if client.connection.state != ConnectionConnecting {
			return
		}
		client.onTransportFailure(&TransportError{
			Type: TransportErrorTimeout,
			Err:  NewError(ErrorCodeConnectionTimedOut, "connection attempt timed out"),
		})
	})
	client.openTransport(host)
}

func (client *Client) openTransport(host string) {
	client.releaseTransport()
	client.transportHost = host

	if client.auth.needsToken() {
		client.fetchToken(func() {
			if client.connection.state != ConnectionConnecting || client.transport != nil {
				return
			}
			client.openTransport(client.transportHost)
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.cancelAttempt = cancel
	transport := client.options.TransportFactory(transportListener{client: client}, TransportOptions{
		Host:             host,
		Binary:           client.encoder.Binary(),
		HandshakeTimeout: client.options.RealtimeRequestTimeout,
		Logger:           client.logger,
	})
	client.transport = transport
	client.transportOpen = false
	client.logger.Debug().Str("host", host).Msg("opening transport")
	transport.Open(ctx, client.options.websocketURL(host, client.auth.token, client.encoder.Format()))
}

func (client *Client) releaseTransport() {
	if client.cancelAttempt != nil {
		client.cancelAttempt()
		client.cancelAttempt = nil
	}
	if client.transport != nil {
		client.transport.Close()
		client.transport = nil
	}
	client.transportOpen = false
}

// onTransportOpen sends CONNECT, carrying resume or recover parameters
// when the previous connection may be continued.
func (client *Client) onTransportOpen() {
	client.transportOpen = true
	connect := &ProtocolMessage{Action: ActionConnect}
	client.resumeAttempt = false

	if key := client.connection.key; key != "" {
		connect.ConnectionKey = key
		connect.ConnectionSerial = int64Ptr(client.connection.serial)
		connect.MsgSerial = client.acks.nextSerial()
		client.resumeAttempt = true
	} else if client.recover != nil {
		connect.ConnectionKey = client.recover.ConnectionKey
		connect.ConnectionSerial = int64Ptr(client.recover.ConnectionSerial)
		connect.MsgSerial = client.recover.MsgSerial
		connect.Params = map[string]string{"recover": "true"}
		client.resumeAttempt = true
	}
	if err := client.sendEnvelope(connect); err != nil {
		client.onTransportFailure(&TransportError{Type: TransportErrorOther, Err: err})
	}
}

func (client *Client) onConnected(message *ProtocolMessage) {
	details := message.ConnectionDetails
	if details == nil {
		details = &ConnectionDetails{}
	}
	key := details.ConnectionKey
	if key == "" {
		key = message.ConnectionKey
	}

	previousID := client.connection.id
	recovering := previousID == "" && client.recover != nil
	resumed := client.resumeAttempt && message.Error == nil &&
		(recovering || previousID == message.ConnectionID)
	client.resumeAttempt = false

	client.connection.setIdentity(message.ConnectionID, key)
	if message.ConnectionSerial != nil {
		client.connection.setSerial(*message.ConnectionSerial)
	} else if !resumed {
		client.connection.setSerial(-1)
	}
	client.applyConnectionDetails(details)
	client.auth.renewedOnce = false

	if client.connection.state == ConnectionConnected {
		client.emitUpdate(message.Error)
		return
	}

	client.connectTimer.cancel()
	client.retryTimer.cancel()
	client.fallbacks = nil
	client.connectionLostAt = time.Time{}
	client.failedAttempts = 0
	if !client.transition(ConnectionConnected, message.Error, 0) {
		return
	}
	client.resetIdleTimer()

	switch {
	case resumed && recovering:
		client.acks.reset(client.recover.MsgSerial)
		client.channels.restoreSerials(client.recover.ChannelSerials)
	case resumed:
		for _, entry := range client.acks.pending {
			client.sendEnvelope(entry.message)
		}
	default:
		client.failPendingForDiscontinuity(message.Error)
		client.acks.reset(0)
	}
	client.recover = nil

	client.channels.onConnected(resumed, message.Error)
	client.flushQueued()
	client.flushWaitingPings()
	client.persistRecoveryKey()
}

func (client *Client) applyConnectionDetails(details *ConnectionDetails) {
	if details.ClientID != "" {
		client.clientID = details.ClientID
	}
	if details.MaxIdleInterval > 0 {
		client.maxIdleInterval = time.Duration(details.MaxIdleInterval) * time.Millisecond
	}
	if details.ConnectionStateTTL > 0 {
		client.connectionStateTTL = time.Duration(details.ConnectionStateTTL) * time.Millisecond
	}
	if details.MaxMessageSize > 0 {
		client.maxMessageSize = int(details.MaxMessageSize)
	}
}

func (client *Client) failPendingForDiscontinuity(cause *ErrorInfo) {
	entries := client.acks.drain()
	if len(entries) == 0 {
		return
	}
	reason := NewError(ErrorCodeConnectionDiscontinuity, "connection lost, serials discontinuous")
	if cause != nil {
		reason.Cause = cause
	}
	client.metrics.acknowledgements.WithLabelValues("discontinuity").Add(float64(len(entries)))
	client.metrics.pendingMessages.Set(0)
	resolvePending(entries, reason)
}

func (client *Client) flushQueued() {
	queued := client.queued
	client.queued = nil
	for _, entry := range queued {
		client.sendMessage(entry.message, entry.result)
	}
}

func (client *Client) failQueued(reason *ErrorInfo) {
	queued := client.queued
	client.queued = nil
	resolvePending(queued, reason)
}

func (client *Client) failPending(reason *ErrorInfo) {
	entries := client.acks.drain()
	if len(entries) > 0 {
		client.metrics.acknowledgements.WithLabelValues("failed").Add(float64(len(entries)))
		client.metrics.pendingMessages.Set(0)
	}
	resolvePending(entries, reason)
}

func (client *Client) resetIdleTimer() {
	client.idleTimer.cancel()
	timeout := client.maxIdleInterval + client.options.RealtimeRequestTimeout
	client.idleTimer = client.timers.after(timeout, func() {
		if client.connection.state != ConnectionConnected {
			return
		}
		reason := NewError(ErrorCodeDisconnected, "idle timer expired").WithStatus(408)
		client.enterDisconnected(reason)
	})
}

// onTransportFailure handles errors, unexpected closes and connect
// timeouts of the current transport.
func (client *Client) onTransportFailure(err *TransportError) {
	state := client.connection.state
	client.releaseTransport()
	reason := transportReason(err)

	switch state {
	case ConnectionConnecting:
		candidates := client.options.fallbackCandidates()
		if client.fallbacks == nil && err.fallbackEligible() && len(candidates) > 0 {
			client.beginFallback(candidates, reason)
			return
		}
		client.enterDisconnected(reason)
	case ConnectionConnected:
		client.enterDisconnected(reason)
	case ConnectionClosing:
		client.finishClose()
	}
}

// beginFallback checks connectivity off the serial queue and starts a
// fallback sequence only when the wider internet is reachable.
func (client *Client) beginFallback(candidates []string, reason *ErrorInfo) {
	if client.checkingNetwork {
		return
	}
	client.checkingNetwork = true
	client.connectTimer.cancel()
	checker := client.options.ConnectivityChecker
	timeout := client.options.RealtimeRequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		up := checker.InternetUp(ctx)
		cancel()
		client.queue.dispatch(func() {
			client.checkingNetwork = false
			if client.connection.state != ConnectionConnecting || client.transport != nil {
				return
			}
			if up {
				client.fallbacks = NewFallbackHosts(client.options.realtimeHost(), candidates, client.options.Random)
				client.logger.Info().Int("hosts", client.fallbacks.Remaining()).Msg("trying fallback hosts")
			} else {
				client.logger.Info().Msg("internet unreachable, not using fallback hosts")
			}
			client.enterDisconnected(reason)
		})
	}()
}

func transportReason(err *TransportError) *ErrorInfo {
	if err == nil {
		return NewError(ErrorCodeDisconnected, "transport failed")
	}
	var info *ErrorInfo
	if asInfo, ok := err.Err.(*ErrorInfo); ok && asInfo != nil {
		info = NewError(asInfo.Code, asInfo.Message)
		info.StatusCode = asInfo.StatusCode
	} else {
		info = NewError(ErrorCodeDisconnected, "transport failed", err.Err)
	}
	if err.Type == TransportErrorBadResponse && err.StatusCode != 0 {
		info.StatusCode = err.StatusCode
	}
	return info
}

func (client *Client) shouldSuspend() bool {
	if client.options.MaxDisconnectedRetries > 0 && client.failedAttempts > client.options.MaxDisconnectedRetries {
		return true
	}
	if client.connectionLostAt.IsZero() {
		return false
	}
	return client.options.Clock.Since(client.connectionLostAt) > client.connectionStateTTL
}

// enterDisconnected moves to DISCONNECTED and schedules the next attempt,
// or to SUSPENDED once retries or the state TTL are exhausted.
func (client *Client) enterDisconnected(reason *ErrorInfo) {
	previous := client.connection.state
	if previous != ConnectionConnecting && previous != ConnectionConnected {
		return
	}
	client.releaseTransport()
	client.connectTimer.cancel()
	client.idleTimer.cancel()

	if client.connectionLostAt.IsZero() {
		client.connectionLostAt = client.options.Clock.Now()
	}
	if previous == ConnectionConnected {
		client.failedAttempts = 0
	} else {
		client.failedAttempts++
	}
	if client.shouldSuspend() {
		client.enterSuspended(reason)
		return
	}

	var delay time.Duration
	if previous == ConnectionConnected || client.fallbacks != nil {
		delay = immediateReconnectDelay
	} else {
		if client.retries == nil {
			client.retries = newRetrySequence(NewBackoffRetryDelay(client.options.DisconnectedRetryTimeout, client.options.MaxRetryDelay, client.options.Jitter))
		}
		attempt := client.retries.next()
		delay = attempt.delay
		client.logger.Debug().Str("sequence", client.retries.id).Int("attempt", attempt.number).Dur("delay", delay).Msg("scheduling reconnect")
	}

	if !client.transition(ConnectionDisconnected, reason, delay) {
		return
	}
	client.persistRecoveryKey()
	client.retryTimer.cancel()
	client.retryTimer = client.timers.after(delay, client.startConnecting)
}

func (client *Client) enterSuspended(reason *ErrorInfo) {
	client.releaseTransport()
	client.connectTimer.cancel()
	client.idleTimer.cancel()
	client.retryTimer.cancel()
	client.fallbacks = nil
	if reason == nil {
		reason = NewError(ErrorCodeConnectionSuspended, "connection suspended")
	}

	retryIn := client.options.SuspendedRetryTimeout
	if !client.transition(ConnectionSuspended, reason, retryIn) {
		return
	}
	client.failQueued(reason)
	client.failPings(reason)
	client.channels.onConnectionSuspended(reason)
	client.retryTimer = client.timers.after(retryIn, client.startConnecting)
}

func (client *Client) enterFailed(reason *ErrorInfo) {
	if client.connection.state == ConnectionFailed {
		return
	}
	client.releaseTransport()
	client.cancelTimers()
	client.fallbacks = nil
	if reason == nil {
		reason = NewError(ErrorCodeConnectionFailed, "connection failed")
	}
	if !client.transition(ConnectionFailed, reason, 0) {
		return
	}
	client.connection.clearIdentity()
	client.failPending(reason)
	client.failQueued(reason)
	client.failPings(reason)
	client.channels.onConnectionFailed(reason)
	client.persistRecoveryKey()
}

func (client *Client) cancelTimers() {
	client.connectTimer.cancel()
	client.retryTimer.cancel()
	client.idleTimer.cancel()
	client.closeTimer.cancel()
}

func (client *Client) close() {
	switch client.connection.state {
	case ConnectionClosing, ConnectionClosed:
		return
	case ConnectionFailed:
		return
	}
	client.connectTimer.cancel()
	client.retryTimer.cancel()
	client.idleTimer.cancel()
	if !client.transition(ConnectionClosing, nil, 0) {
		return
	}

	if client.transport == nil || !client.transportOpen {
		client.finishClose()
		return
	}
	if err := client.sendEnvelope(&ProtocolMessage{Action: ActionClose}); err != nil {
		client.finishClose()
		return
	}
	client.closeTimer = client.timers.after(client.options.RealtimeRequestTimeout, client.finishClose)
}

func (client *Client) finishClose() {
	if client.connection.state != ConnectionClosing {
		return
	}
	client.closeTimer.cancel()
	client.releaseTransport()
	client.fallbacks = nil
	client.connectionLostAt = time.Time{}
	client.recover = nil
	if !client.transition(ConnectionClosed, nil, 0) {
		return
	}
	client.connection.clearIdentity()
	closed := NewError(ErrorCodeConnectionClosed, "connection broken before receiving publishing acknowledgment")
	client.failPending(closed)
	client.failQueued(closed)
	client.failPings(NewError(ErrorCodeConnectionClosed, "connection closed"))
	client.channels.onConnectionClosed()
	client.persistRecoveryKey()
}

func (client *Client) onClosed() {
	if client.connection.state != ConnectionClosing {
		if !client.transition(ConnectionClosing, nil, 0) {
			return
		}
	}
	client.finishClose()
}

func (client *Client) onDisconnected(message *ProtocolMessage) {
	reason := message.Error
	if IsTokenError(reason) {
		client.onTokenError(reason)
		return
	}
	if reason == nil {
		reason = NewError(ErrorCodeDisconnected, "disconnected by service")
	}
	client.enterDisconnected(reason)
}

// onError handles ERROR envelopes. Channel errors go to the channel;
// rejected resumes restart the connection from scratch; token errors
// trigger one renewal; anything else is fatal.
func (client *Client) onError(message *ProtocolMessage) {
	if message.Channel != "" {
		client.channels.route(message)
		return
	}
	reason := message.Error
	if reason == nil {
		reason = NewError(ErrorCodeConnectionFailed, "connection error without details")
	}
	state := client.connection.state

	if client.resumeAttempt && state == ConnectionConnecting && isResumeRejection(reason) {
		client.onResumeRejected(reason)
		return
	}
	if IsTokenError(reason) && (state == ConnectionConnecting || state == ConnectionConnected) {
		client.onTokenError(reason)
		return
	}
	client.enterFailed(reason)
}

// onResumeRejected discards resume state, fails pending publishes and
// reconnects without continuity.
func (client *Client) onResumeRejected(reason *ErrorInfo) {
	client.logger.Warn().Err(reason).Msg("resume rejected, reconnecting without continuity")
	client.resumeAttempt = false
	client.recover = nil
	client.connection.clearIdentity()
	client.failPendingForDiscontinuity(reason)
	client.acks.reset(0)
	client.channels.onResumeLost(reason)
	client.releaseTransport()
	client.openTransport(client.transportHost)
}

// onTokenError renews a rejected token once. A second consecutive token
// error, or a token that cannot be renewed, fails the connection.
func (client *Client) onTokenError(reason *ErrorInfo) {
	if !client.auth.renewable() || client.auth.renewedOnce {
		client.enterFailed(reason)
		return
	}
	client.auth.renewedOnce = true
	client.auth.token = ""
	client.logger.Info().Err(reason).Msg("token rejected, renewing")

	switch client.connection.state {
	case ConnectionConnecting:
		client.openTransport(client.transportHost)
	case ConnectionConnected:
		client.enterDisconnected(reason)
	}
}

// onAuthRequested performs in-band reauthorization on service request.
func (client *Client) onAuthRequested() {
	if !client.auth.renewable() {
		client.logger.Warn().Msg("service requested reauthorization but no authenticator is configured")
		return
	}
	client.auth.token = ""
	client.fetchToken(func() {
		if client.connection.state != ConnectionConnected {
			return
		}
		client.sendEnvelope(&ProtocolMessage{Action: ActionAuth, Auth: &AuthDetails{AccessToken: client.auth.token}})
	})
}

// fetchToken asks the authenticator for a token off the serial queue and
// runs then on the queue once the token is stored.
func (client *Client) fetchToken(then func()) {
	if client.auth.renewing {
		return
	}
	client.auth.renewing = true
	authenticator := client.auth.authenticate
	params := client.auth.tokenParams()
	timeout := client.options.RealtimeRequestTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		details, err := authenticator.Authorize(ctx, params)
		cancel()

		client.queue.dispatch(func() {
			client.auth.renewing = false
			if err == nil && (details == nil || details.Token == "") {
				err = NewError(ErrorCodeAuthCallbackFailed, "authenticator returned no token")
			}
			if err == nil {
				client.auth.token = details.Token
				if details.ClientID != "" {
					client.clientID = details.ClientID
				}
			}
			state := client.connection.state
			if state != ConnectionConnecting && state != ConnectionConnected {
				return
			}
			if err != nil {
				reason := NewError(ErrorCodeAuthCallbackFailed, "token request failed", err)
				if info := asErrorInfo(err); info.StatusCode == 403 {
					client.enterFailed(reason)
					return
				}
				client.enterDisconnected(reason)
				return
			}
			then()
		})
	}()
}
