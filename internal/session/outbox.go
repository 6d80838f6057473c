package session

import "sync"

// outMsg is one queued outbound frame. Critical frames are lifecycle
// events, responses, and errors; they are never dropped. Non-critical
// frames are stream deltas a reconnecting client can recover from a
// snapshot.
type outMsg struct {
	data     []byte
	critical bool
}

// outbox is the bounded queue between event producers and the session's
// single writer goroutine. Producers never block: when the queue is full,
// the oldest non-critical frame is discarded to make room. A critical
// frame that cannot fit even then is a hard failure; the session closes
// rather than silently lose it.
type outbox struct {
	mu     sync.Mutex
	queue  []outMsg
	limit  int
	closed bool

	dropped uint64

	// signal wakes the writer; capacity one so producers never block on it.
	signal chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push queues a frame. It returns errOutboxOverflow when a critical frame
// cannot be queued, and nil otherwise; a discarded non-critical frame is
// not an error.
func (o *outbox) push(m outMsg) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}

	if len(o.queue) >= o.limit {
		if !o.dropOldestNonCritical() {
			if m.critical {
				o.mu.Unlock()
				return errOutboxOverflow
			}
			// Queue full of criticals; the incoming delta is the one to lose.
			o.dropped++
			o.mu.Unlock()
			return nil
		}
	}

	o.queue = append(o.queue, m)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestNonCritical discards the oldest droppable frame. Caller holds
// the lock.
func (o *outbox) dropOldestNonCritical() bool {
	for i, m := range o.queue {
		if !m.critical {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.dropped++
			return true
		}
	}
	return false
}

// pop removes the oldest frame.
func (o *outbox) pop() (outMsg, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outMsg{}, false
	}
	m := o.queue[0]
	// Shift rather than reslice so the backing array does not pin old
	// frames.
	copy(o.queue, o.queue[1:])
	o.queue = o.queue[:len(o.queue)-1]
	return m, true
}

// wake returns the channel the writer parks on.
func (o *outbox) wake() <-chan struct{} {
	return o.signal
}

// close discards everything queued and makes later pushes no-ops.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// droppedCount reports how many non-critical frames were discarded.
func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
