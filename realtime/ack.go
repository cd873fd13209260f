package realtime

import (
	"sort"

	"github.com/Thejuampi/realtime-client-go/realtime/internal/serial"
)

// pendingMessage is an outbound envelope and the Result resolved when the
// service acknowledges it.
type pendingMessage struct {
	message *ProtocolMessage
	result  *Result
}

// ackTracker assigns msgSerials and matches ACK/NACK ranges against the
// envelopes awaiting acknowledgement. It is owned by the serial queue.
type ackTracker struct {
	serials *serial.Sequencer
	pending []*pendingMessage
}

func newAckTracker() *ackTracker {
	return &ackTracker{serials: serial.NewSequencer(0)}
}

// assign gives message the next serial and records it as pending.
func (tracker *ackTracker) assign(message *ProtocolMessage, result *Result) *pendingMessage {
	message.MsgSerial = tracker.serials.Next()
	entry := &pendingMessage{message: message, result: result}
	tracker.pending = append(tracker.pending, entry)
	return entry
}

// release drops entry, which must be the most recently assigned, and hands
// its serial to the next envelope.
func (tracker *ackTracker) release(entry *pendingMessage) {
	last := len(tracker.pending) - 1
	if last < 0 || tracker.pending[last] != entry {
		return
	}
	tracker.pending[last] = nil
	tracker.pending = tracker.pending[:last]
	tracker.serials.Reset(entry.message.MsgSerial)
}

// take removes and returns, in serial order, the pending entries whose
// serial lies in [msgSerial, msgSerial+count).
func (tracker *ackTracker) take(msgSerial int64, count int) []*pendingMessage {
	if count <= 0 {
		count = 1
	}
	end := msgSerial + int64(count)
	matched := make([]*pendingMessage, 0, count)
	kept := tracker.pending[:0]
	for _, entry := range tracker.pending {
		if entry.message.MsgSerial >= msgSerial && entry.message.MsgSerial < end {
			matched = append(matched, entry)
			continue
		}
		kept = append(kept, entry)
	}
	for index := len(kept); index < len(tracker.pending); index++ {
		tracker.pending[index] = nil
	}
	tracker.pending = kept
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].message.MsgSerial < matched[j].message.MsgSerial
	})
	return matched
}

// drain removes and returns every pending entry.
func (tracker *ackTracker) drain() []*pendingMessage {
	drained := tracker.pending
	tracker.pending = nil
	return drained
}

// reset restarts serial numbering for a new connection.
func (tracker *ackTracker) reset(next int64) {
	tracker.serials.Reset(next)
}

func (tracker *ackTracker) nextSerial() int64 {
	return tracker.serials.Peek()
}

func (tracker *ackTracker) len() int {
	return len(tracker.pending)
}

func resolvePending(entries []*pendingMessage, err error) {
	for _, entry := range entries {
		if entry.result != nil {
			entry.result.resolve(err)
		}
	}
}
