package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterFiltersAndRemoves(t *testing.T) {
	queue := newSerialQueue("events", zerolog.Nop(), true)
	emitter := newEventEmitter[string, int](queue)

	var all, filtered, once []int
	emitter.on(func(value int) { all = append(all, value) })
	offFiltered := emitter.onEvent("b", func(value int) { filtered = append(filtered, value) })
	emitter.once(func(value int) { once = append(once, value) })

	emitter.emit("a", 1)
	emitter.emit("b", 2)
	offFiltered()
	emitter.emit("b", 3)
	queue.sync(func() {})

	assert.Equal(t, []int{1, 2, 3}, all)
	assert.Equal(t, []int{2}, filtered)
	assert.Equal(t, []int{1}, once)

	emitter.off()
	emitter.emit("a", 4)
	queue.sync(func() {})
	assert.Equal(t, []int{1, 2, 3}, all)
}

func TestEventEmitterOnceEvent(t *testing.T) {
	queue := newSerialQueue("events", zerolog.Nop(), true)
	emitter := newEventEmitter[string, int](queue)
	var got []int
	emitter.onceEvent("ready", func(value int) { got = append(got, value) })
	emitter.emit("other", 1)
	emitter.emit("ready", 2)
	emitter.emit("ready", 3)
	queue.sync(func() {})
	assert.Equal(t, []int{2}, got)
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	queue := newSerialQueue("events", zerolog.Nop(), true)
	emitter := newEventEmitter[string, int](queue)
	var delivered atomic.Int32
	emitter.on(func(int) { panic("listener bug") })
	emitter.on(func(int) { delivered.Add(1) })

	emitter.emit("a", 1)
	emitter.emit("a", 2)
	queue.sync(func() {})
	assert.Equal(t, int32(2), delivered.Load())
}

func TestSerialQueueRunsInOrder(t *testing.T) {
	queue := newSerialQueue("state", zerolog.Nop(), false)
	var order []int
	for index := 0; index < 100; index++ {
		queue.dispatch(func() { order = append(order, index) })
	}
	queue.dispatch(nil)
	queue.sync(func() {})
	require.Len(t, order, 100)
	for index, value := range order {
		require.Equal(t, index, value)
	}
}

func TestSchedulerTimers(t *testing.T) {
	mock := clock.NewMock()
	queue := newSerialQueue("state", zerolog.Nop(), false)
	timers := scheduler{clock: mock, queue: queue}

	var fired, cancelled atomic.Int32
	var handle, stopped *timerHandle
	queue.sync(func() {
		handle = timers.after(time.Second, func() { fired.Add(1) })
		stopped = timers.after(time.Second, func() { cancelled.Add(1) })
		stopped.cancel()
	})
	assert.False(t, stopped.active())

	mock.Add(500 * time.Millisecond)
	queue.sync(func() {})
	assert.Zero(t, fired.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, testTimeout, time.Millisecond)
	queue.sync(func() { assert.False(t, handle.active()) })
	assert.Zero(t, cancelled.Load())

	var nilHandle *timerHandle
	nilHandle.cancel()
	assert.False(t, nilHandle.active())
}

func TestResultResolvesOnce(t *testing.T) {
	result := newResult()
	assert.NoError(t, result.Err())
	first := NewError(ErrorCodeChannelOperationFailed, "first")
	result.resolve(first)
	result.resolve(nil)
	<-result.Done()
	assert.Same(t, first, result.Err())
	assert.Same(t, first, result.Wait(context.Background()))

	pending := newResult()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pending.Wait(ctx), ctx.Err())

	var list resultList
	list.add(pending)
	list.add(nil)
	list.resolveAll(nil)
	<-pending.Done()
	assert.NoError(t, pending.Err())
	assert.Empty(t, list)
	assert.NoError(t, resolvedResult(nil).Wait(testContext(t)))
}
