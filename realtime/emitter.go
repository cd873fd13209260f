package realtime

import "sync"

type emitterListener[E comparable, V any] struct {
	id       uint64
	event    E
	filtered bool
	once     bool
	handler  func(V)
}

// eventEmitter fans events out to listeners on the dispatch queue, so
// handlers never run on the emitting goroutine. Registration is guarded by
// lock because it happens on application goroutines.
type eventEmitter[E comparable, V any] struct {
	lock      sync.Mutex
	nextID    uint64
	listeners []*emitterListener[E, V]
	dispatch  *serialQueue
}

func newEventEmitter[E comparable, V any](dispatch *serialQueue) *eventEmitter[E, V] {
	return &eventEmitter[E, V]{dispatch: dispatch}
}

func (emitter *eventEmitter[E, V]) add(listener *emitterListener[E, V]) func() {
	emitter.lock.Lock()
	emitter.nextID++
	listener.id = emitter.nextID
	emitter.listeners = append(emitter.listeners, listener)
	emitter.lock.Unlock()

	id := listener.id
	return func() { emitter.remove(id) }
}

func (emitter *eventEmitter[E, V]) on(handler func(V)) func() {
	return emitter.add(&emitterListener[E, V]{handler: handler})
}

func (emitter *eventEmitter[E, V]) onEvent(event E, handler func(V)) func() {
	return emitter.add(&emitterListener[E, V]{event: event, filtered: true, handler: handler})
}

func (emitter *eventEmitter[E, V]) once(handler func(V)) func() {
	return emitter.add(&emitterListener[E, V]{once: true, handler: handler})
}

func (emitter *eventEmitter[E, V]) onceEvent(event E, handler func(V)) func() {
	return emitter.add(&emitterListener[E, V]{event: event, filtered: true, once: true, handler: handler})
}

func (emitter *eventEmitter[E, V]) remove(id uint64) {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()
	for index, listener := range emitter.listeners {
		if listener.id == id {
			emitter.listeners = append(emitter.listeners[:index], emitter.listeners[index+1:]...)
			return
		}
	}
}

func (emitter *eventEmitter[E, V]) off() {
	emitter.lock.Lock()
	emitter.listeners = nil
	emitter.lock.Unlock()
}

func (emitter *eventEmitter[E, V]) emit(event E, value V) {
	emitter.lock.Lock()
	matched := make([]func(V), 0, len(emitter.listeners))
	kept := emitter.listeners[:0]
	for _, listener := range emitter.listeners {
		if listener.filtered && listener.event != event {
			kept = append(kept, listener)
			continue
		}
		matched = append(matched, listener.handler)
		if !listener.once {
			kept = append(kept, listener)
		}
	}
	for index := len(kept); index < len(emitter.listeners); index++ {
		emitter.listeners[index] = nil
	}
	emitter.listeners = kept
	emitter.lock.Unlock()

	for _, handler := range matched {
		handler := handler
		emitter.dispatch.dispatch(func() { handler(value) })
	}
}
