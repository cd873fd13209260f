package realtime

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Channels is the registry of a client's channels. Channels are created on
// first use and live until released.
type Channels struct {
	client *Client

	lock     sync.RWMutex
	channels map[string]*Channel
}

func newChannels(client *Client) *Channels {
	return &Channels{client: client, channels: make(map[string]*Channel)}
}

// Get returns the channel called name, creating it if needed.
func (registry *Channels) Get(name string) *Channel {
	return registry.GetWithOptions(name, nil)
}

// GetWithOptions returns the channel called name. When options is not nil
// they replace the channel's options; an attached channel re-attaches with
// them.
func (registry *Channels) GetWithOptions(name string, options *ChannelOptions) *Channel {
	registry.lock.Lock()
	channel, ok := registry.channels[name]
	if !ok {
		initial := ChannelOptions{}
		if options != nil {
			initial = *options
		}
		channel = newChannel(registry.client, name, initial)
		registry.channels[name] = channel
	}
	registry.lock.Unlock()

	if ok && options != nil {
		updated := *options
		registry.client.queue.dispatch(func() { channel.setOptions(updated) })
	}
	return channel
}

// Exists reports whether a channel called name has been created.
func (registry *Channels) Exists(name string) bool {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	_, ok := registry.channels[name]
	return ok
}

// Iterate returns the registered channels ordered by name.
func (registry *Channels) Iterate() []*Channel {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	channels := make([]*Channel, 0, len(registry.channels))
	for _, name := range slices.Sorted(maps.Keys(registry.channels)) {
		channels = append(channels, registry.channels[name])
	}
	return channels
}

// Release detaches the channel called name and removes it from the
// registry. Listeners of the released channel are dropped.
func (registry *Channels) Release(ctx context.Context, name string) error {
	registry.lock.RLock()
	channel, ok := registry.channels[name]
	registry.lock.RUnlock()
	if !ok {
		return nil
	}
	if err := channel.Detach(ctx); err != nil {
		return err
	}

	registry.lock.Lock()
	if registry.channels[name] == channel {
		delete(registry.channels, name)
	}
	registry.lock.Unlock()
	channel.Off()
	channel.Unsubscribe()
	channel.presence.Unsubscribe()
	return nil
}

func (registry *Channels) lookup(name string) *Channel {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return registry.channels[name]
}

// route delivers a channel-scoped envelope. It runs on the serial queue.
func (registry *Channels) route(message *ProtocolMessage) {
	channel := registry.lookup(message.Channel)
	if channel == nil {
		registry.client.metrics.droppedEnvelopes.WithLabelValues("unknown_channel").Inc()
		registry.client.logger.Warn().Str("channel", message.Channel).Str("action", message.Action.String()).Msg("dropping envelope for unknown channel")
		return
	}
	switch message.Action {
	case ActionAttached:
		channel.onAttached(message)
	case ActionDetached:
		channel.onDetached(message)
	case ActionMessage:
		channel.onMessage(message)
	case ActionPresence:
		channel.presence.onPresence(message)
	case ActionSync:
		channel.presence.onSync(message)
	case ActionError:
		channel.onError(message)
	}
}

// serials returns the channel serial of every attached channel.
func (registry *Channels) serials() map[string]string {
	serials := make(map[string]string)
	for _, channel := range registry.Iterate() {
		channel.lock.RLock()
		if channel.state == ChannelAttached && channel.channelSerial != "" {
			serials[channel.name] = channel.channelSerial
		}
		channel.lock.RUnlock()
	}
	return serials
}

// restoreSerials seeds channel serials from a recovery key so the channels
// attach from where the recovered connection left off.
func (registry *Channels) restoreSerials(serials map[string]string) {
	for name, serial := range serials {
		channel := registry.Get(name)
		if channel.channelSerial == "" {
			channel.setSerial(serial)
		}
	}
}

func (registry *Channels) onConnected(resumed bool, reason *ErrorInfo) {
	for _, channel := range registry.Iterate() {
		channel.onConnected(resumed, reason)
	}
}

func (registry *Channels) onResumeLost(reason *ErrorInfo) {
	registry.client.logger.Debug().Err(reason).Msg("channels lose attach continuity")
	for _, channel := range registry.Iterate() {
		channel.attachResume = false
	}
}

func (registry *Channels) onConnectionSuspended(reason *ErrorInfo) {
	for _, channel := range registry.Iterate() {
		channel.onConnectionSuspended(reason)
	}
}

func (registry *Channels) onConnectionFailed(reason *ErrorInfo) {
	for _, channel := range registry.Iterate() {
		channel.onConnectionFailed(reason)
	}
}

func (registry *Channels) onConnectionClosed() {
	for _, channel := range registry.Iterate() {
		channel.onConnectionClosed()
	}
}
