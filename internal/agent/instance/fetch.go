package instance

import (
	"github.com/paseo/paseo/internal/agent/timeline"
	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// DefaultFetchLimit applies when a timeline query has no limit.
	DefaultFetchLimit = 100

	// MaxFetchLimit caps a timeline query's page size.
	MaxFetchLimit = 500

	// maxFetchRounds bounds the window expansion of projected queries.
	maxFetchRounds = 16
)

// FetchTimeline pages through the agent's timeline. Canonical queries
// return rows verbatim. Projected queries widen the canonical window until
// exactly limit projected entries fill the page at the requested boundary,
// so merging never shortchanges a page while older rows remain.
func (a *Instance) FetchTimeline(req protocol.FetchAgentTimelineRequest) (*protocol.FetchAgentTimelineResponse, error) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil, errors.NotFound("agent", a.id)
	}
	tl := a.timeline
	a.mu.Unlock()

	direction := req.Direction
	if direction == "" {
		direction = protocol.FetchTail
	}
	switch direction {
	case protocol.FetchHead, protocol.FetchTail:
	case protocol.FetchBefore, protocol.FetchAfter:
		if req.Cursor == nil {
			return nil, errors.Invalidf("direction '%s' requires a cursor", direction)
		}
	default:
		return nil, errors.Invalidf("unknown direction '%s'", direction)
	}

	switch req.Projection {
	case "", protocol.ProjectionCanonical, protocol.ProjectionProjected:
	default:
		return nil, errors.Invalidf("unknown projection '%s'", req.Projection)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	if req.Projection != protocol.ProjectionProjected && !req.Collapse() {
		return a.fetchCanonical(tl, direction, req.Cursor, limit)
	}
	return a.fetchProjected(tl, direction, req, limit)
}

func (a *Instance) fetchCanonical(tl *store.TimelineLog, direction string, cursor *protocol.TimelineCursor, limit int) (*protocol.FetchAgentTimelineResponse, error) {
	rows, err := a.fetchRows(tl, direction, cursor, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.TimelineEntry, len(rows))
	for i, row := range rows {
		entries[i] = protocol.TimelineEntry{Seq: row.Seq, CreatedAt: row.CreatedAt, Item: row.Item}
	}
	return a.buildPage(tl, entries, direction), nil
}

func (a *Instance) fetchProjected(tl *store.TimelineLog, direction string, req protocol.FetchAgentTimelineRequest, limit int) (*protocol.FetchAgentTimelineResponse, error) {
	opts := timeline.ProjectOptions{
		Projection:            req.Projection,
		CollapseToolLifecycle: req.Collapse(),
	}
	first, last := tl.FirstSeq(), tl.LastSeq()

	grow := limit * 3
	if grow < 64 {
		grow = 64
	}
	for round := 0; ; round++ {
		rows, err := a.fetchRows(tl, direction, req.Cursor, grow)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return a.buildPage(tl, nil, direction), nil
		}

		// covered means the window reached the edge it grows toward: the
		// log start for backward queries, the log end for forward ones.
		var covered bool
		switch direction {
		case protocol.FetchTail, protocol.FetchBefore:
			covered = rows[0].Seq == first
		default:
			covered = rows[len(rows)-1].Seq == last
		}

		entries := timeline.Project(rows, opts)
		if !covered && len(entries) > 0 {
			// The entry touching the truncated window edge may be a
			// partial merge; drop it and let the next page carry it whole.
			switch direction {
			case protocol.FetchTail, protocol.FetchBefore:
				entries = entries[1:]
			default:
				entries = entries[:len(entries)-1]
			}
		}

		if covered || len(entries) >= limit || round == maxFetchRounds {
			switch direction {
			case protocol.FetchTail, protocol.FetchBefore:
				if len(entries) > limit {
					entries = entries[len(entries)-limit:]
				}
			default:
				if len(entries) > limit {
					entries = entries[:limit]
				}
			}
			return a.buildPage(tl, entries, direction), nil
		}
		grow *= 2
	}
}

func (a *Instance) fetchRows(tl *store.TimelineLog, direction string, cursor *protocol.TimelineCursor, n int) ([]protocol.TimelineRow, error) {
	var rows []protocol.TimelineRow
	var err error
	switch direction {
	case protocol.FetchHead:
		rows, err = tl.Head(n)
	case protocol.FetchTail:
		rows, err = tl.Tail(n)
	case protocol.FetchBefore:
		rows, err = tl.Before(cursor.Seq, n)
	case protocol.FetchAfter:
		rows, err = tl.After(cursor.Seq, n)
	}
	if err != nil {
		return nil, errors.Internal("reading timeline", err)
	}
	return rows, nil
}

// buildPage wraps entries into a response with cursors and continuation
// flags derived from the canonical seqs the entries cover.
func (a *Instance) buildPage(tl *store.TimelineLog, entries []protocol.TimelineEntry, direction string) *protocol.FetchAgentTimelineResponse {
	resp := &protocol.FetchAgentTimelineResponse{
		AgentID: a.id,
		Entries: entries,
	}
	if resp.Entries == nil {
		resp.Entries = []protocol.TimelineEntry{}
	}

	first, last := tl.FirstSeq(), tl.LastSeq()
	if len(entries) == 0 {
		if last == 0 {
			return resp
		}
		// A cursor past the edge still has rows on its other side.
		switch direction {
		case protocol.FetchBefore:
			resp.HasNewer = true
		case protocol.FetchAfter:
			resp.HasOlder = true
		}
		return resp
	}

	oldest := entrySourceFrom(entries[0])
	newest := entrySourceTo(entries[len(entries)-1])
	resp.HasOlder = oldest > first
	resp.HasNewer = newest < last
	resp.StartCursor = &protocol.TimelineCursor{Seq: oldest}
	resp.EndCursor = &protocol.TimelineCursor{Seq: newest}
	return resp
}

// entrySourceFrom returns the oldest canonical seq an entry covers.
func entrySourceFrom(e protocol.TimelineEntry) uint64 {
	if len(e.SourceRanges) > 0 {
		return e.SourceRanges[0].From
	}
	return e.Seq
}

// entrySourceTo returns the newest canonical seq an entry covers.
func entrySourceTo(e protocol.TimelineEntry) uint64 {
	if n := len(e.SourceRanges); n > 0 {
		return e.SourceRanges[n-1].To
	}
	return e.Seq
}
