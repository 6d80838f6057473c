package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id byte, critical bool) outMsg {
	return outMsg{data: []byte{id}, critical: critical}
}

func drain(o *outbox) []outMsg {
	var out []outMsg
	for {
		m, ok := o.pop()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestOutboxFIFO(t *testing.T) {
	o := newOutbox(4)
	require.NoError(t, o.push(frame(1, true)))
	require.NoError(t, o.push(frame(2, false)))
	require.NoError(t, o.push(frame(3, true)))

	got := drain(o)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{1}, got[0].data)
	assert.Equal(t, []byte{2}, got[1].data)
	assert.Equal(t, []byte{3}, got[2].data)
	assert.Zero(t, o.droppedCount())
}

func TestOutboxDropsOldestNonCritical(t *testing.T) {
	o := newOutbox(3)
	require.NoError(t, o.push(frame(1, false)))
	require.NoError(t, o.push(frame(2, true)))
	require.NoError(t, o.push(frame(3, false)))

	// Full. The next push evicts frame 1, the oldest droppable one.
	require.NoError(t, o.push(frame(4, true)))

	got := drain(o)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{2}, got[0].data)
	assert.Equal(t, []byte{3}, got[1].data)
	assert.Equal(t, []byte{4}, got[2].data)
	assert.Equal(t, uint64(1), o.droppedCount())
}

func TestOutboxCriticalOverflow(t *testing.T) {
	o := newOutbox(2)
	require.NoError(t, o.push(frame(1, true)))
	require.NoError(t, o.push(frame(2, true)))

	err := o.push(frame(3, true))
	assert.ErrorIs(t, err, errOutboxOverflow)

	// The queued criticals survive untouched.
	got := drain(o)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{1}, got[0].data)
	assert.Equal(t, []byte{2}, got[1].data)
}

func TestOutboxFullOfCriticalsDropsIncomingDelta(t *testing.T) {
	o := newOutbox(2)
	require.NoError(t, o.push(frame(1, true)))
	require.NoError(t, o.push(frame(2, true)))

	// A delta that cannot fit is the one to lose; not an error.
	require.NoError(t, o.push(frame(3, false)))
	assert.Equal(t, uint64(1), o.droppedCount())

	got := drain(o)
	require.Len(t, got, 2)
}

func TestOutboxClosedPushIsNoop(t *testing.T) {
	o := newOutbox(2)
	require.NoError(t, o.push(frame(1, true)))
	o.close()

	require.NoError(t, o.push(frame(2, true)))
	_, ok := o.pop()
	assert.False(t, ok)
}

func TestOutboxWakeSignal(t *testing.T) {
	o := newOutbox(2)
	require.NoError(t, o.push(frame(1, false)))

	select {
	case <-o.wake():
	default:
		t.Fatal("push did not signal the writer")
	}
}
