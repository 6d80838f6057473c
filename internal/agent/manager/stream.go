package manager

import (
	"context"
	"sync"
	"time"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// snapshotTailLimit bounds the backfill when a stream subscriber does
	// not name a position.
	snapshotTailLimit = 200

	// snapshotPageSize is the read granularity for fromSeq backfills.
	snapshotPageSize = 500
)

// FetchTimeline reads one timeline page. The read runs under the snapshot
// deadline; a slow disk produces a TIMEOUT error instead of a hung
// request.
func (m *Manager) FetchTimeline(ctx context.Context, req protocol.FetchAgentTimelineRequest) (*protocol.FetchAgentTimelineResponse, error) {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *protocol.FetchAgentTimelineResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := inst.FetchTimeline(req)
		done <- result{resp, err}
	}()

	timer := time.NewTimer(m.snapshotTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, errors.Timeout("fetch_agent_timeline")
	case <-timer.C:
		return nil, errors.Timeout("fetch_agent_timeline")
	}
}

// StreamSubscription is a live timeline tap. Rows carries the snapshot
// backfill; live delivery stays gated until Open so the caller can put
// the snapshot on the wire first.
type StreamSubscription struct {
	Rows []protocol.TimelineRow

	sub      bus.Subscription
	tap      *streamTap
	afterSeq uint64
}

// Open releases live delivery. Rows that arrived while the gate was shut
// are delivered first, minus anything Rows already covered.
func (s *StreamSubscription) Open() {
	s.tap.openAfter(s.afterSeq)
}

// Close tears the live tap down.
func (s *StreamSubscription) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// streamTap gates live rows behind the snapshot read. Rows arriving while
// the snapshot is read are buffered; openAfter drains the buffer and flips
// to pass-through, dropping rows the snapshot already covered.
type streamTap struct {
	deliver func(protocol.AgentStream)

	mu       sync.Mutex
	open     bool
	afterSeq uint64
	buffer   []protocol.AgentStream
}

func (t *streamTap) handle(_ context.Context, e *bus.Event) error {
	var msg protocol.AgentStream
	if err := bus.DecodeData(e, &msg); err != nil {
		return err
	}
	t.mu.Lock()
	if !t.open {
		t.buffer = append(t.buffer, msg)
		t.mu.Unlock()
		return nil
	}
	drop := msg.Event.Seq <= t.afterSeq
	t.mu.Unlock()
	if !drop {
		t.deliver(msg)
	}
	return nil
}

// openAfter delivers buffered rows newer than afterSeq and switches the
// tap to pass-through. The gate is held while draining so a concurrent
// publish cannot overtake the buffered rows.
func (t *streamTap) openAfter(afterSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterSeq = afterSeq
	for _, msg := range t.buffer {
		if msg.Event.Seq <= afterSeq {
			continue
		}
		t.deliver(msg)
	}
	t.buffer = nil
	t.open = true
}

// SubscribeAgentStream opens a snapshot-then-live timeline subscription.
// The returned subscription carries the backfill rows; once the caller
// invokes Open, deliver is invoked for every later row in canonical
// append order, never for a row the backfill already covered. deliver
// runs on the bus delivery goroutine and must not block.
func (m *Manager) SubscribeAgentStream(ctx context.Context, req protocol.SubscribeAgentStreamRequest, deliver func(protocol.AgentStream)) (*StreamSubscription, error) {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return nil, err
	}
	tl, err := inst.TimelineLog()
	if err != nil {
		return nil, err
	}

	tap := &streamTap{deliver: deliver}
	sub, err := m.bus.Subscribe(events.BuildAgentStreamSubject(req.AgentID), tap.handle)
	if err != nil {
		return nil, errors.Internal("subscribing to agent stream", err)
	}

	rows, err := m.backfill(ctx, tl, req.FromSeq)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	afterSeq := uint64(0)
	if req.FromSeq != nil {
		afterSeq = *req.FromSeq
	}
	if len(rows) > 0 {
		afterSeq = rows[len(rows)-1].Seq
	}

	return &StreamSubscription{Rows: rows, sub: sub, tap: tap, afterSeq: afterSeq}, nil
}

// backfill reads the snapshot rows for a new subscriber: everything after
// fromSeq when given, otherwise the newest snapshotTailLimit rows. The
// read runs under the snapshot deadline.
func (m *Manager) backfill(ctx context.Context, tl *store.TimelineLog, fromSeq *uint64) ([]protocol.TimelineRow, error) {
	type result struct {
		rows []protocol.TimelineRow
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := readBackfill(tl, fromSeq)
		done <- result{rows, err}
	}()

	timer := time.NewTimer(m.snapshotTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.Internal("reading timeline snapshot", r.err)
		}
		return r.rows, nil
	case <-ctx.Done():
		return nil, errors.Timeout("subscribe_agent_stream snapshot")
	case <-timer.C:
		return nil, errors.Timeout("subscribe_agent_stream snapshot")
	}
}

func readBackfill(tl *store.TimelineLog, fromSeq *uint64) ([]protocol.TimelineRow, error) {
	if fromSeq == nil {
		return tl.Tail(snapshotTailLimit)
	}
	var rows []protocol.TimelineRow
	cursor := *fromSeq
	for {
		page, err := tl.After(cursor, snapshotPageSize)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < snapshotPageSize {
			return rows, nil
		}
		cursor = page[len(page)-1].Seq
	}
}
