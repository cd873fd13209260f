package serial

import "sync/atomic"

// Sequencer hands out consecutive serial numbers.
type Sequencer struct {
	next int64
}

func NewSequencer(start int64) *Sequencer {
	return &Sequencer{next: start}
}

// Next returns the next serial and advances the sequencer.
func (sequencer *Sequencer) Next() int64 {
	if sequencer == nil {
		return 0
	}
	return atomic.AddInt64(&sequencer.next, 1) - 1
}

// Peek returns the serial Next would return.
func (sequencer *Sequencer) Peek() int64 {
	if sequencer == nil {
		return 0
	}
	return atomic.LoadInt64(&sequencer.next)
}

// Reset makes start the next serial handed out.
func (sequencer *Sequencer) Reset(start int64) {
	if sequencer == nil {
		return
	}
	atomic.StoreInt64(&sequencer.next, start)
}
