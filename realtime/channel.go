package realtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/segmentio/encoding/json"
)

// ChannelState is the attachment state of a channel.
type ChannelState int

const (
	ChannelInitialized ChannelState = iota
	ChannelAttaching
	ChannelAttached
	ChannelDetaching
	ChannelDetached
	ChannelSuspended
	ChannelFailed
)

var channelStateNames = [...]string{"INITIALIZED", "ATTACHING", "ATTACHED", "DETACHING", "DETACHED", "SUSPENDED", "FAILED"}

func (state ChannelState) String() string {
	if state >= 0 && int(state) < len(channelStateNames) {
		return channelStateNames[state]
	}
	return "UNKNOWN(" + strconv.Itoa(int(state)) + ")"
}

// ChannelEvent is a channel state name, or ChannelEventUpdate for a change
// of condition that leaves the state unchanged.
type ChannelEvent int

const (
	ChannelEventInitialized ChannelEvent = iota
	ChannelEventAttaching
	ChannelEventAttached
	ChannelEventDetaching
	ChannelEventDetached
	ChannelEventSuspended
	ChannelEventFailed
	ChannelEventUpdate
)

func (event ChannelEvent) String() string {
	if event == ChannelEventUpdate {
		return "UPDATE"
	}
	return ChannelState(event).String()
}

// Event returns the event emitted on entering state.
func (state ChannelState) Event() ChannelEvent {
	return ChannelEvent(state)
}

// ChannelStateChange describes a channel state change or UPDATE.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Event    ChannelEvent
	Reason   *ErrorInfo
	// Resumed is set on ATTACHED when the service preserved message
	// continuity.
	Resumed bool
}

// ChannelOptions are passed to the service on attach.
type ChannelOptions struct {
	Params                   map[string]string
	Modes                    []ChannelMode
	DisableAttachOnSubscribe bool
}

func (options ChannelOptions) modeFlags() Flag {
	var flags Flag
	for _, mode := range options.Modes {
		flags |= mode
	}
	return flags
}

// Channel is a named pub/sub channel of a client. All fields below lock are
// owned by the client's serial queue; lock guards the snapshot read by the
// getters.
type Channel struct {
	name     string
	client   *Client
	emitter  *eventEmitter[ChannelEvent, ChannelStateChange]
	messages *eventEmitter[string, *Message]
	presence *Presence

	lock          sync.RWMutex
	state         ChannelState
	errorReason   *ErrorInfo
	channelSerial string
	modes         Flag

	options        ChannelOptions
	queued         []*pendingMessage
	attaching      resultList
	detaching      resultList
	attachTimer    *timerHandle
	retryTimer     *timerHandle
	detachTimer    *timerHandle
	retries        *retrySequence
	attachResume   bool
	detachPrevious ChannelState
}

func newChannel(client *Client, name string, options ChannelOptions) *Channel {
	channel := &Channel{
		name:     name,
		client:   client,
		options:  options,
		emitter:  newEventEmitter[ChannelEvent, ChannelStateChange](client.events),
		messages: newEventEmitter[string, *Message](client.events),
	}
	channel.presence = newPresence(channel)
	return channel
}

// Name returns the channel name.
func (channel *Channel) Name() string {
	return channel.name
}

// State returns the current channel state.
func (channel *Channel) State() ChannelState {
	if channel == nil {
		return ChannelInitialized
	}
	channel.lock.RLock()
	defer channel.lock.RUnlock()
	return channel.state
}

// ErrorReason returns the error of the latest state change.
func (channel *Channel) ErrorReason() *ErrorInfo {
	if channel == nil {
		return nil
	}
	channel.lock.RLock()
	defer channel.lock.RUnlock()
	return channel.errorReason
}

// Serial returns the channel serial of the last delivered message.
func (channel *Channel) Serial() string {
	channel.lock.RLock()
	defer channel.lock.RUnlock()
	return channel.channelSerial
}

// Modes returns the modes granted by the service on the last attach.
func (channel *Channel) Modes() []ChannelMode {
	channel.lock.RLock()
	granted := channel.modes
	channel.lock.RUnlock()

	var modes []ChannelMode
	for _, mode := range []ChannelMode{FlagPresence, FlagPublish, FlagSubscribe, FlagPresenceSubscribe} {
		if granted&mode == mode {
			modes = append(modes, mode)
		}
	}
	return modes
}

// Presence returns the presence set of the channel.
func (channel *Channel) Presence() *Presence {
	return channel.presence
}

// On registers handler for every channel event.
func (channel *Channel) On(handler func(ChannelStateChange)) func() {
	return channel.emitter.on(handler)
}

// OnEvent registers handler for event only.
func (channel *Channel) OnEvent(event ChannelEvent, handler func(ChannelStateChange)) func() {
	return channel.emitter.onEvent(event, handler)
}

// Once registers handler for the next channel event.
func (channel *Channel) Once(handler func(ChannelStateChange)) func() {
	return channel.emitter.once(handler)
}

// OnceEvent registers handler for the next occurrence of event.
func (channel *Channel) OnceEvent(event ChannelEvent, handler func(ChannelStateChange)) func() {
	return channel.emitter.onceEvent(event, handler)
}

// Off removes every state listener.
func (channel *Channel) Off() {
	channel.emitter.off()
}

// Attach attaches the channel and waits for ATTACHED.
func (channel *Channel) Attach(ctx context.Context) error {
	return channel.AttachAsync().Wait(ctx)
}

// AttachAsync starts attaching and returns the pending result.
func (channel *Channel) AttachAsync() *Result {
	result := newResult()
	channel.client.queue.dispatch(func() { channel.attach(result) })
	return result
}

// Detach detaches the channel and waits for DETACHED.
func (channel *Channel) Detach(ctx context.Context) error {
	return channel.DetachAsync().Wait(ctx)
}

// DetachAsync starts detaching and returns the pending result.
func (channel *Channel) DetachAsync() *Result {
	result := newResult()
	channel.client.queue.dispatch(func() { channel.detach(result) })
	return result
}

// Publish publishes one message and waits for its acknowledgement.
func (channel *Channel) Publish(ctx context.Context, name string, data interface{}) error {
	return channel.PublishAsync(&Message{Name: name, Data: data}).Wait(ctx)
}

// PublishMessages publishes messages in one envelope and waits for its
// acknowledgement.
func (channel *Channel) PublishMessages(ctx context.Context, messages ...*Message) error {
	return channel.PublishAsync(messages...).Wait(ctx)
}

// PublishAsync publishes messages in one envelope and returns the pending
// acknowledgement.
func (channel *Channel) PublishAsync(messages ...*Message) *Result {
	result := newResult()
	channel.client.queue.dispatch(func() { channel.publish(messages, result) })
	return result
}

// Subscribe registers handler for every message. Unless disabled in the
// channel options it attaches the channel and waits for ATTACHED.
func (channel *Channel) Subscribe(ctx context.Context, handler func(*Message)) (func(), error) {
	off := channel.messages.on(handler)
	return off, channel.attachOnSubscribe(ctx, off)
}

// SubscribeName registers handler for messages named name.
func (channel *Channel) SubscribeName(ctx context.Context, name string, handler func(*Message)) (func(), error) {
	off := channel.messages.onEvent(name, handler)
	return off, channel.attachOnSubscribe(ctx, off)
}

// Unsubscribe removes every message handler.
func (channel *Channel) Unsubscribe() {
	channel.messages.off()
}

func (channel *Channel) attachOnSubscribe(ctx context.Context, off func()) error {
	var disabled bool
	channel.client.queue.sync(func() { disabled = channel.options.DisableAttachOnSubscribe })
	if disabled {
		return nil
	}
	if err := channel.Attach(ctx); err != nil {
		off()
		return err
	}
	return nil
}

func (channel *Channel) setOptions(options ChannelOptions) {
	channel.options = options
	if channel.state == ChannelAttached || channel.state == ChannelAttaching {
		channel.requestAttach(nil)
	}
}

// setState publishes state and emits the change. It runs on the serial
// queue.
func (channel *Channel) setState(state ChannelState, reason *ErrorInfo, resumed bool) {
	previous := channel.state
	channel.lock.Lock()
	channel.state = state
	channel.errorReason = reason
	channel.lock.Unlock()

	channel.client.metrics.channelTransitions.WithLabelValues(state.String()).Inc()
	event := channel.client.logger.Debug()
	if reason != nil {
		event = channel.client.logger.Warn().Err(reason)
	}
	event.Str("channel", channel.name).Str("from", previous.String()).Str("state", state.String()).Msg("channel state changed")

	channel.emitter.emit(state.Event(), ChannelStateChange{
		Previous: previous,
		Current:  state,
		Event:    state.Event(),
		Reason:   reason,
		Resumed:  resumed,
	})
	channel.presence.onChannelState(state, reason)
}

func (channel *Channel) emitUpdate(reason *ErrorInfo, resumed bool) {
	channel.lock.Lock()
	channel.errorReason = reason
	channel.lock.Unlock()
	channel.emitter.emit(ChannelEventUpdate, ChannelStateChange{
		Previous: channel.state,
		Current:  channel.state,
		Event:    ChannelEventUpdate,
		Reason:   reason,
		Resumed:  resumed,
	})
}

func (channel *Channel) setSerial(serial string) {
	channel.lock.Lock()
	channel.channelSerial = serial
	channel.lock.Unlock()
}

func (channel *Channel) connectionBlocksAttach() bool {
	switch channel.client.connection.state {
	case ConnectionClosing, ConnectionClosed, ConnectionSuspended, ConnectionFailed:
		return true
	}
	return false
}

func (channel *Channel) attach(result *Result) {
	if channel.state == ChannelAttached {
		result.resolve(nil)
		return
	}
	if channel.connectionBlocksAttach() {
		result.resolve(channel.client.connectionUnavailable())
		return
	}
	channel.attaching.add(result)
	if channel.state == ChannelAttaching {
		return
	}
	if channel.state == ChannelDetaching {
		channel.detachTimer.cancel()
		channel.detaching.resolveAll(NewError(ErrorCodeChannelOperationFailed, "detach superseded by attach"))
	}
	channel.requestAttach(nil)
}

// requestAttach enters ATTACHING and sends ATTACH once the connection is
// CONNECTED.
func (channel *Channel) requestAttach(reason *ErrorInfo) {
	channel.retryTimer.cancel()
	if channel.state != ChannelAttaching {
		channel.setState(ChannelAttaching, reason, false)
	}
	if channel.client.connection.state == ConnectionConnected {
		channel.sendAttach()
	}
}

func (channel *Channel) sendAttach() {
	attach := &ProtocolMessage{
		Action:  ActionAttach,
		Channel: channel.name,
		Params:  channel.options.Params,
		Flags:   channel.options.modeFlags(),
	}
	if channel.attachResume {
		attach.Flags |= FlagAttachResume
	}
	if serial := channel.channelSerial; serial != "" {
		attach.ChannelSerial = serial
	}

	channel.attachTimer.cancel()
	channel.attachTimer = channel.client.timers.after(channel.client.options.RealtimeRequestTimeout, func() {
		if channel.state != ChannelAttaching {
			return
		}
		channel.enterSuspended(NewError(ErrorCodeChannelNoResponse, "channel attach timed out"), true)
	})
	if err := channel.client.sendEnvelope(attach); err != nil {
		channel.client.logger.Debug().Err(err).Str("channel", channel.name).Msg("attach not sent, waiting for timeout")
	}
}

func (channel *Channel) sendDetach() {
	channel.detachTimer.cancel()
	channel.detachTimer = channel.client.timers.after(channel.client.options.RealtimeRequestTimeout, func() {
		if channel.state != ChannelDetaching {
			return
		}
		reason := NewError(ErrorCodeChannelNoResponse, "channel detach timed out")
		channel.detaching.resolveAll(reason)
		if channel.detachPrevious == ChannelAttaching {
			channel.requestAttach(reason)
			return
		}
		channel.setState(channel.detachPrevious, reason, false)
	})
	if err := channel.client.sendEnvelope(&ProtocolMessage{Action: ActionDetach, Channel: channel.name}); err != nil {
		channel.client.logger.Debug().Err(err).Str("channel", channel.name).Msg("detach not sent, waiting for timeout")
	}
}

// enterSuspended moves the channel to SUSPENDED and fails its queued
// publishes. With retry an attach is retried after the channel retry
// backoff while the connection is CONNECTED.
func (channel *Channel) enterSuspended(reason *ErrorInfo, retry bool) {
	channel.attachTimer.cancel()
	channel.retryTimer.cancel()
	channel.setState(ChannelSuspended, reason, false)
	channel.attaching.resolveAll(reason)
	channel.failQueued(reason)
	if !retry {
		return
	}

	if channel.retries == nil {
		options := channel.client.options
		channel.retries = newRetrySequence(NewBackoffRetryDelay(options.ChannelRetryTimeout, options.MaxRetryDelay, options.Jitter))
	}
	attempt := channel.retries.next()
	channel.client.logger.Debug().Str("channel", channel.name).Int("attempt", attempt.number).Dur("delay", attempt.delay).Msg("scheduling channel reattach")
	channel.retryTimer = channel.client.timers.after(attempt.delay, func() {
		if channel.state != ChannelSuspended || channel.client.connection.state != ConnectionConnected {
			return
		}
		channel.requestAttach(nil)
	})
}

func (channel *Channel) enterFailed(reason *ErrorInfo) {
	channel.cancelTimers()
	channel.retries = nil
	channel.attachResume = false
	channel.setState(ChannelFailed, reason, false)
	channel.attaching.resolveAll(reason)
	channel.detaching.resolveAll(reason)
	channel.failQueued(reason)
}

func (channel *Channel) enterDetached(reason *ErrorInfo, attachErr *ErrorInfo) {
	channel.cancelTimers()
	channel.retries = nil
	channel.attachResume = false
	channel.setState(ChannelDetached, reason, false)
	channel.attaching.resolveAll(attachErr)
	channel.detaching.resolveAll(nil)
	queueErr := attachErr
	if queueErr == nil {
		queueErr = NewError(ErrorCodeChannelInvalidState, "channel detached")
	}
	channel.failQueued(queueErr)
}

func (channel *Channel) cancelTimers() {
	channel.attachTimer.cancel()
	channel.retryTimer.cancel()
	channel.detachTimer.cancel()
}

func (channel *Channel) onAttached(message *ProtocolMessage) {
	resumed := message.HasFlag(FlagResumed)
	hasPresence := message.HasFlag(FlagHasPresence)
	channel.lock.Lock()
	channel.modes = message.Flags & (FlagPresence | FlagPublish | FlagSubscribe | FlagPresenceSubscribe)
	channel.lock.Unlock()
	if message.ChannelSerial != "" {
		channel.setSerial(message.ChannelSerial)
	}

	switch channel.state {
	case ChannelAttached:
		channel.attachTimer.cancel()
		if !resumed {
			channel.emitUpdate(message.Error, false)
			channel.presence.onAttached(hasPresence, false)
		}
	case ChannelAttaching, ChannelSuspended:
		channel.cancelTimers()
		channel.retries = nil
		channel.attachResume = true
		channel.setState(ChannelAttached, message.Error, resumed)
		channel.attaching.resolveAll(nil)
		channel.presence.onAttached(hasPresence, resumed)
		channel.flushQueued()
	default:
		channel.client.logger.Debug().Str("channel", channel.name).Str("state", channel.state.String()).Msg("ignoring ATTACHED")
	}
}

func (channel *Channel) onDetached(message *ProtocolMessage) {
	reason := message.Error
	switch channel.state {
	case ChannelDetaching:
		channel.enterDetached(reason, nil)
	case ChannelAttached, ChannelSuspended:
		if reason == nil {
			reason = NewError(ErrorCodeChannelOperationFailed, "channel detached by service")
		}
		channel.requestAttach(reason)
	case ChannelAttaching:
		if reason == nil {
			reason = NewError(ErrorCodeChannelOperationFailed, "channel attach rejected")
		}
		channel.enterSuspended(reason, true)
	}
}

func (channel *Channel) onError(message *ProtocolMessage) {
	reason := message.Error
	if reason == nil {
		reason = NewError(ErrorCodeChannelOperationFailed, "channel error without details")
	}
	channel.enterFailed(reason)
}

func (channel *Channel) detach(result *Result) {
	switch channel.state {
	case ChannelInitialized, ChannelDetached:
		result.resolve(nil)
		return
	case ChannelDetaching:
		channel.detaching.add(result)
		return
	case ChannelFailed:
		result.resolve(NewError(ErrorCodeChannelInvalidState, "unable to detach: channel is FAILED"))
		return
	case ChannelSuspended:
		channel.detaching.add(result)
		channel.enterDetached(nil, NewError(ErrorCodeChannelOperationFailed, "attach superseded by detach"))
		return
	}

	if channel.connectionBlocksAttach() {
		result.resolve(channel.client.connectionUnavailable())
		return
	}
	channel.detaching.add(result)
	channel.attaching.resolveAll(NewError(ErrorCodeChannelOperationFailed, "attach superseded by detach"))
	channel.detachPrevious = channel.state
	channel.attachTimer.cancel()
	channel.retryTimer.cancel()
	channel.setState(ChannelDetaching, nil, false)
	if channel.client.connection.state == ConnectionConnected {
		channel.sendDetach()
	}
}

// publish sends messages when ATTACHED and buffers them while the channel
// is on its way there. INITIALIZED and DETACHED channels attach implicitly.
func (channel *Channel) publish(messages []*Message, result *Result) {
	if len(messages) == 0 {
		result.resolve(nil)
		return
	}
	if size, limit := messagesSize(messages), channel.client.maxMessageSize; limit > 0 && size > limit {
		result.resolve(NewError(ErrorCodeMessageTooLarge, "message size", size, "exceeds the limit of", limit))
		return
	}
	switch channel.state {
	case ChannelDetaching, ChannelFailed:
		result.resolve(NewError(ErrorCodeChannelInvalidState, "unable to publish: channel is", channel.state.String()))
		return
	}
	switch channel.client.connection.state {
	case ConnectionClosing, ConnectionClosed, ConnectionSuspended, ConnectionFailed:
		result.resolve(channel.client.connectionUnavailable())
		return
	}

	envelope := &ProtocolMessage{Action: ActionMessage, Channel: channel.name, Messages: messages}
	if channel.state == ChannelAttached {
		channel.client.sendMessage(envelope, result)
		return
	}
	if limit := channel.client.options.ChannelQueueLimit; limit > 0 && len(channel.queued) >= limit {
		result.resolve(NewError(ErrorCodeChannelInvalidState, "channel queue limit reached"))
		return
	}
	channel.queued = append(channel.queued, &pendingMessage{message: envelope, result: result})
	if channel.state == ChannelInitialized || channel.state == ChannelDetached {
		channel.attach(newResult())
	}
}

func (channel *Channel) flushQueued() {
	queued := channel.queued
	channel.queued = nil
	for _, entry := range queued {
		channel.client.sendMessage(entry.message, entry.result)
	}
}

func (channel *Channel) failQueued(reason *ErrorInfo) {
	queued := channel.queued
	channel.queued = nil
	resolvePending(queued, reason)
}

func (channel *Channel) onMessage(message *ProtocolMessage) {
	if channel.state != ChannelAttached {
		channel.client.metrics.droppedEnvelopes.WithLabelValues("detached").Inc()
		channel.client.logger.Debug().Str("channel", channel.name).Str("state", channel.state.String()).Msg("dropping message for unattached channel")
		return
	}
	if message.ChannelSerial != "" {
		channel.setSerial(message.ChannelSerial)
	}
	message.populateMessageFields()
	for _, item := range message.Messages {
		if item == nil {
			continue
		}
		channel.messages.emit(item.Name, item)
	}
}

// onConnected re-attaches after the connection (re)connects. Without
// continuity ATTACHED channels fall back to ATTACHING with the
// discontinuity error.
func (channel *Channel) onConnected(resumed bool, reason *ErrorInfo) {
	switch channel.state {
	case ChannelAttaching:
		channel.sendAttach()
	case ChannelSuspended:
		channel.requestAttach(nil)
	case ChannelAttached:
		if resumed {
			channel.sendAttach()
			return
		}
		discontinuity := NewError(ErrorCodeConnectionDiscontinuity, "connection resumed without continuity")
		if reason != nil {
			discontinuity.Cause = reason
		}
		channel.attachResume = false
		channel.setState(ChannelAttaching, discontinuity, false)
		channel.sendAttach()
	case ChannelDetaching:
		channel.sendDetach()
	}
}

func (channel *Channel) onConnectionSuspended(reason *ErrorInfo) {
	switch channel.state {
	case ChannelAttaching, ChannelAttached:
		channel.enterSuspended(reason, false)
	case ChannelDetaching:
		channel.enterDetached(nil, nil)
	}
}

func (channel *Channel) onConnectionFailed(reason *ErrorInfo) {
	switch channel.state {
	case ChannelAttaching, ChannelAttached, ChannelDetaching, ChannelSuspended:
		channel.enterFailed(reason)
	default:
		channel.failQueued(reason)
	}
}

func (channel *Channel) onConnectionClosed() {
	closed := NewError(ErrorCodeConnectionClosed, "connection closed")
	switch channel.state {
	case ChannelAttaching, ChannelAttached, ChannelDetaching, ChannelSuspended:
		channel.enterDetached(nil, closed)
	default:
		channel.failQueued(closed)
	}
}

// messagesSize follows the service's accounting: name, client id, data and
// extras count towards the limit.
func messagesSize(messages []*Message) int {
	total := 0
	for _, message := range messages {
		if message == nil {
			continue
		}
		total += len(message.Name) + len(message.ClientID) + dataSize(message.Data)
		if len(message.Extras) > 0 {
			if encoded, err := json.Marshal(message.Extras); err == nil {
				total += len(encoded)
			}
		}
	}
	return total
}

func dataSize(data interface{}) int {
	switch value := data.(type) {
	case nil:
		return 0
	case string:
		return len(value)
	case []byte:
		return len(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return 0
		}
		return len(encoded)
	}
}
