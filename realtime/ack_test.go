package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackMessages(tracker *ackTracker, count int) []*pendingMessage {
	entries := make([]*pendingMessage, 0, count)
	for index := 0; index < count; index++ {
		entries = append(entries, tracker.assign(&ProtocolMessage{Action: ActionMessage, Channel: "news"}, newResult()))
	}
	return entries
}

func TestAckTrackerAssignsSerials(t *testing.T) {
	tracker := newAckTracker()
	entries := trackMessages(tracker, 3)
	for index, entry := range entries {
		assert.Equal(t, int64(index), entry.message.MsgSerial)
	}
	assert.Equal(t, int64(3), tracker.nextSerial())
	assert.Equal(t, 3, tracker.len())

	tracker.reset(10)
	assert.Equal(t, int64(10), tracker.nextSerial())
}

func TestAckTrackerTakesExactRange(t *testing.T) {
	tracker := newAckTracker()
	tracker.reset(3)
	trackMessages(tracker, 7)

	matched := tracker.take(5, 3)
	require.Len(t, matched, 3)
	for index, entry := range matched {
		assert.Equal(t, int64(5+index), entry.message.MsgSerial)
	}
	assert.Equal(t, 4, tracker.len())

	assert.Empty(t, tracker.take(5, 3), "a repeated ack should match nothing")
	single := tracker.take(9, 0)
	require.Len(t, single, 1)
	assert.Equal(t, int64(9), single[0].message.MsgSerial)

	remaining := tracker.drain()
	require.Len(t, remaining, 3)
	assert.Equal(t, []int64{3, 4, 8}, []int64{remaining[0].message.MsgSerial, remaining[1].message.MsgSerial, remaining[2].message.MsgSerial})
	assert.Zero(t, tracker.len())
}

func TestResolvePending(t *testing.T) {
	tracker := newAckTracker()
	entries := trackMessages(tracker, 2)
	failure := NewError(ErrorCodeConnectionClosed, "closed")
	resolvePending(tracker.drain(), failure)
	for _, entry := range entries {
		<-entry.result.Done()
		assert.Same(t, failure, entry.result.Err())
	}
}

func TestAckTrackerReleaseReturnsSerial(t *testing.T) {
	tracker := newAckTracker()
	entries := trackMessages(tracker, 2)

	tracker.release(entries[0])
	assert.Equal(t, 2, tracker.len(), "only the latest assignment can be released")
	assert.Equal(t, int64(2), tracker.nextSerial())

	tracker.release(entries[1])
	assert.Equal(t, 1, tracker.len())
	assert.Equal(t, int64(1), tracker.nextSerial())
	next := trackMessages(tracker, 1)
	assert.Equal(t, int64(1), next[0].message.MsgSerial)
}
