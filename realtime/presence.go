package realtime

import (
	"context"
	"maps"
	"slices"
)

// Presence is the presence set of a channel. Members are kept in sync with
// the service while the channel is attached.
type Presence struct {
	channel *Channel
	emitter *eventEmitter[PresenceAction, *PresenceMessage]

	// Owned by the serial queue.
	members     *presenceMap
	local       map[string]*PresenceMessage
	pending     []*pendingMessage
	synced      bool
	syncWaiters resultList
}

func newPresence(channel *Channel) *Presence {
	return &Presence{
		channel: channel,
		emitter: newEventEmitter[PresenceAction, *PresenceMessage](channel.client.events),
		members: newPresenceMap(),
		local:   make(map[string]*PresenceMessage),
	}
}

func (presence *Presence) client() *Client {
	return presence.channel.client
}

// Enter enters the client's own client id with data.
func (presence *Presence) Enter(ctx context.Context, data interface{}) error {
	return presence.EnterAsync(data).Wait(ctx)
}

// Update updates the data of the client's own member.
func (presence *Presence) Update(ctx context.Context, data interface{}) error {
	return presence.UpdateAsync(data).Wait(ctx)
}

// Leave removes the client's own member.
func (presence *Presence) Leave(ctx context.Context, data interface{}) error {
	return presence.LeaveAsync(data).Wait(ctx)
}

// EnterAsync is the non-blocking form of Enter.
func (presence *Presence) EnterAsync(data interface{}) *Result {
	return presence.send(PresenceEnter, "", data)
}

// UpdateAsync is the non-blocking form of Update.
func (presence *Presence) UpdateAsync(data interface{}) *Result {
	return presence.send(PresenceUpdate, "", data)
}

// LeaveAsync is the non-blocking form of Leave.
func (presence *Presence) LeaveAsync(data interface{}) *Result {
	return presence.send(PresenceLeave, "", data)
}

// EnterClient enters clientID on behalf of a trusted server.
func (presence *Presence) EnterClient(ctx context.Context, clientID string, data interface{}) error {
	return presence.send(PresenceEnter, clientID, data).Wait(ctx)
}

// UpdateClient updates the data of clientID.
func (presence *Presence) UpdateClient(ctx context.Context, clientID string, data interface{}) error {
	return presence.send(PresenceUpdate, clientID, data).Wait(ctx)
}

// LeaveClient removes clientID.
func (presence *Presence) LeaveClient(ctx context.Context, clientID string, data interface{}) error {
	return presence.send(PresenceLeave, clientID, data).Wait(ctx)
}

func (presence *Presence) send(action PresenceAction, clientID string, data interface{}) *Result {
	result := newResult()
	presence.client().queue.dispatch(func() {
		presence.submit(&PresenceMessage{Action: action, ClientID: clientID, Data: data}, result)
	})
	return result
}

// submit sends a presence update when the channel is ATTACHED, holds it
// while the channel attaches, and fails it otherwise.
func (presence *Presence) submit(message *PresenceMessage, result *Result) {
	client := presence.client()
	if message.ClientID == "" {
		message.ClientID = client.clientID
	}
	if message.ClientID == "" || message.ClientID == "*" {
		result.resolve(NewError(ErrorCodeBadRequest, "presence requires a client id"))
		return
	}

	envelope := &ProtocolMessage{Action: ActionPresence, Channel: presence.channel.name, Presence: []*PresenceMessage{message}}
	switch state := presence.channel.state; state {
	case ChannelAttached:
		client.sendMessage(envelope, result)
	case ChannelInitialized, ChannelDetached, ChannelAttaching:
		if presence.channel.connectionBlocksAttach() {
			result.resolve(client.connectionUnavailable())
			return
		}
		presence.pending = append(presence.pending, &pendingMessage{message: envelope, result: result})
		if state != ChannelAttaching {
			presence.channel.attach(newResult())
		}
	default:
		result.resolve(NewError(ErrorCodeChannelInvalidState, "unable to update presence: channel is", state.String()))
	}
}

// Get returns the current members, waiting for an in-progress SYNC to
// complete. An unattached channel is attached first.
func (presence *Presence) Get(ctx context.Context) ([]*PresenceMessage, error) {
	ready := newResult()
	client := presence.client()
	client.queue.dispatch(func() { presence.awaitSync(ready) })
	if err := ready.Wait(ctx); err != nil {
		return nil, err
	}
	var members []*PresenceMessage
	client.queue.sync(func() { members = presence.members.values() })
	return members, nil
}

func (presence *Presence) awaitSync(ready *Result) {
	switch state := presence.channel.state; state {
	case ChannelAttached:
		if presence.synced {
			ready.resolve(nil)
			return
		}
		presence.syncWaiters.add(ready)
	case ChannelInitialized, ChannelDetached, ChannelAttaching:
		if presence.channel.connectionBlocksAttach() {
			ready.resolve(presence.client().connectionUnavailable())
			return
		}
		presence.syncWaiters.add(ready)
		if state != ChannelAttaching {
			presence.channel.attach(newResult())
		}
	default:
		ready.resolve(NewError(ErrorCodeChannelInvalidState, "unable to get presence: channel is", state.String()))
	}
}

// Subscribe registers handler for every presence event and attaches the
// channel unless attach on subscribe is disabled.
func (presence *Presence) Subscribe(ctx context.Context, handler func(*PresenceMessage)) (func(), error) {
	off := presence.emitter.on(handler)
	return off, presence.channel.attachOnSubscribe(ctx, off)
}

// SubscribeAction registers handler for presence events with action.
func (presence *Presence) SubscribeAction(ctx context.Context, action PresenceAction, handler func(*PresenceMessage)) (func(), error) {
	off := presence.emitter.onEvent(action, handler)
	return off, presence.channel.attachOnSubscribe(ctx, off)
}

// Unsubscribe removes every presence handler.
func (presence *Presence) Unsubscribe() {
	presence.emitter.off()
}

// onAttached starts a SYNC when the service announced members, and
// otherwise clears the set. Without continuity the local members are
// entered again.
func (presence *Presence) onAttached(hasPresence bool, resumed bool) {
	presence.members.startSync()
	if hasPresence {
		presence.synced = false
	} else {
		presence.finishSync()
	}
	if !resumed {
		presence.reenterLocalMembers()
	}
	presence.flushPending()
}

func (presence *Presence) onSync(message *ProtocolMessage) {
	if presence.channel.state != ChannelAttached {
		return
	}
	presence.members.startSync()
	message.populateMessageFields()
	for _, item := range message.Presence {
		if item != nil {
			presence.apply(item)
		}
	}
	if message.syncComplete() {
		presence.finishSync()
	}
}

func (presence *Presence) onPresence(message *ProtocolMessage) {
	if presence.channel.state != ChannelAttached {
		presence.client().metrics.droppedEnvelopes.WithLabelValues("detached").Inc()
		return
	}
	if message.ChannelSerial != "" {
		presence.channel.setSerial(message.ChannelSerial)
	}
	message.populateMessageFields()
	for _, item := range message.Presence {
		if item != nil {
			presence.apply(item)
		}
	}
}

func (presence *Presence) apply(item *PresenceMessage) {
	presence.trackLocal(item)
	var changed bool
	switch item.Action {
	case PresenceEnter, PresenceUpdate, PresencePresent:
		changed = presence.members.put(item)
	case PresenceLeave:
		changed = presence.members.remove(item)
	}
	if changed {
		presence.emitter.emit(item.Action, item.clone())
	}
}

// trackLocal records members entered by this connection so they can be
// entered again after a re-attach without continuity.
func (presence *Presence) trackLocal(item *PresenceMessage) {
	if item.ConnectionID == "" || item.ConnectionID != presence.client().connection.id {
		return
	}
	switch item.Action {
	case PresenceEnter, PresenceUpdate, PresencePresent:
		presence.local[item.ClientID] = item.clone()
	case PresenceLeave:
		if !item.synthesized() {
			delete(presence.local, item.ClientID)
		}
	}
}

func (presence *Presence) finishSync() {
	now := presence.client().options.Clock.Now().UnixMilli()
	for _, leave := range presence.members.endSync(now) {
		presence.emitter.emit(PresenceLeave, leave)
	}
	presence.synced = true
	presence.syncWaiters.resolveAll(nil)
}

func (presence *Presence) reenterLocalMembers() {
	if len(presence.local) == 0 {
		return
	}
	client := presence.client()
	for _, clientID := range slices.Sorted(maps.Keys(presence.local)) {
		member := presence.local[clientID]
		result := newResult()
		envelope := &ProtocolMessage{
			Action:   ActionPresence,
			Channel:  presence.channel.name,
			Presence: []*PresenceMessage{{Action: PresenceEnter, ClientID: clientID, Data: member.Data, Extras: member.Extras}},
		}
		client.sendMessage(envelope, result)
		go presence.watchReentry(clientID, result)
	}
}

func (presence *Presence) watchReentry(clientID string, result *Result) {
	<-result.Done()
	err := result.Err()
	if err == nil {
		return
	}
	presence.client().queue.dispatch(func() {
		presence.client().logger.Warn().Err(err).Str("channel", presence.channel.name).Str("clientId", clientID).Msg("presence re-enter failed")
		reason := NewError(ErrorCodePresenceReenterFailed, "presence auto re-enter failed for", clientID, err)
		presence.channel.emitUpdate(reason, false)
	})
}

func (presence *Presence) flushPending() {
	pending := presence.pending
	presence.pending = nil
	for _, entry := range pending {
		presence.client().sendMessage(entry.message, entry.result)
	}
}

// onChannelState fails held updates and waiters when the channel can no
// longer attach, and drops the member set once it is detached or failed.
func (presence *Presence) onChannelState(state ChannelState, reason *ErrorInfo) {
	switch state {
	case ChannelDetached, ChannelFailed, ChannelSuspended:
	default:
		return
	}
	if reason == nil {
		reason = NewError(ErrorCodeChannelInvalidState, "channel is", state.String())
	}
	pending := presence.pending
	presence.pending = nil
	resolvePending(pending, reason)
	presence.syncWaiters.resolveAll(reason)

	if state != ChannelSuspended {
		presence.members.clear()
		clear(presence.local)
		presence.synced = false
	}
}
