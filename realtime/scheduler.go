package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// serialQueue runs tasks one at a time in submission order. A worker
// goroutine is started on demand and exits once the queue drains.
type serialQueue struct {
	lock    sync.Mutex
	tasks   []func()
	running bool
	name    string
	logger  zerolog.Logger
	recover bool
}

func newSerialQueue(name string, logger zerolog.Logger, recoverPanics bool) *serialQueue {
	return &serialQueue{name: name, logger: logger, recover: recoverPanics}
}

func (queue *serialQueue) dispatch(task func()) {
	if task == nil {
		return
	}
	queue.lock.Lock()
	queue.tasks = append(queue.tasks, task)
	if queue.running {
		queue.lock.Unlock()
		return
	}
	queue.running = true
	queue.lock.Unlock()
	go queue.drain()
}

// sync runs task on the queue and waits for it. It must not be called from
// a task already running on the same queue.
func (queue *serialQueue) sync(task func()) {
	done := make(chan struct{})
	queue.dispatch(func() {
		defer close(done)
		task()
	})
	<-done
}

func (queue *serialQueue) drain() {
	for {
		queue.lock.Lock()
		if len(queue.tasks) == 0 {
			queue.running = false
			queue.tasks = nil
			queue.lock.Unlock()
			return
		}
		task := queue.tasks[0]
		queue.tasks[0] = nil
		queue.tasks = queue.tasks[1:]
		queue.lock.Unlock()

		queue.run(task)
	}
}

func (queue *serialQueue) run(task func()) {
	if queue.recover {
		defer func() {
			if value := recover(); value != nil {
				queue.logger.Error().Str("queue", queue.name).Interface("panic", value).Msg("listener panicked")
			}
		}()
	}
	task()
}

// timerHandle is a cancellable timer whose body runs on the serial queue.
// cancelled is only read and written on that queue, so a timer that fired
// concurrently with its cancellation never runs its body.
type timerHandle struct {
	timer     *clock.Timer
	cancelled bool
}

func (handle *timerHandle) cancel() {
	if handle == nil || handle.cancelled {
		return
	}
	handle.cancelled = true
	if handle.timer != nil {
		handle.timer.Stop()
	}
}

func (handle *timerHandle) active() bool {
	return handle != nil && !handle.cancelled
}

type scheduler struct {
	clock clock.Clock
	queue *serialQueue
}

// after schedules body on the serial queue once delay elapses. It must be
// called from the serial queue.
func (timers scheduler) after(delay time.Duration, body func()) *timerHandle {
	if delay < 0 {
		delay = 0
	}
	handle := &timerHandle{}
	handle.timer = timers.clock.AfterFunc(delay, func() {
		timers.queue.dispatch(func() {
			if handle.cancelled {
				return
			}
			handle.cancelled = true
			body()
		})
	})
	return handle
}
