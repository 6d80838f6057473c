package timeline

import "github.com/paseo/paseo/pkg/protocol"

// ProjectOptions selects how canonical rows are transformed for clients.
type ProjectOptions struct {
	// Projection is canonical or projected. Canonical returns rows as
	// appended; projected merges streaming fragments.
	Projection string

	// CollapseToolLifecycle keeps only the newest row per tool callId.
	CollapseToolLifecycle bool
}

// Project transforms canonical rows into the requested view. Entries stay
// in ascending seq order and every returned seq is a real canonical seq,
// so cursors derived from a projection remain valid against the log. An
// entry built from more than one canonical row lists the underlying spans
// in SourceRanges.
//
// Projecting a whole range gives the same result as projecting sub-ranges
// and concatenating, as long as the split does not bisect a fragment run
// or a tool call lifecycle.
func Project(rows []protocol.TimelineRow, opts ProjectOptions) []protocol.TimelineEntry {
	out := make([]protocol.TimelineEntry, len(rows))
	for i, row := range rows {
		out[i] = protocol.TimelineEntry{Seq: row.Seq, CreatedAt: row.CreatedAt, Item: row.Item}
	}
	if opts.Projection == protocol.ProjectionProjected {
		out = mergeFragments(out)
	}
	if opts.CollapseToolLifecycle {
		out = collapseTools(out)
	}
	return out
}

// mergeable reports whether an item type participates in fragment merging.
func mergeable(itemType string) bool {
	return itemType == protocol.ItemAssistantMessage || itemType == protocol.ItemReasoning
}

// sameFragmentRun reports whether b continues the streaming run started by a.
// Fragments belong together when they share a type and a messageId; rows
// without a messageId merge only with adjacent rows that also lack one.
func sameFragmentRun(a, b protocol.TimelineItem) bool {
	if a.Type != b.Type {
		return false
	}
	return a.MessageID == b.MessageID
}

// sourcesOf materializes an entry's canonical spans. Entries built from a
// single untouched row carry no explicit ranges.
func sourcesOf(e protocol.TimelineEntry) []protocol.SeqRange {
	if len(e.SourceRanges) > 0 {
		return e.SourceRanges
	}
	return []protocol.SeqRange{{From: e.Seq, To: e.Seq}}
}

// mergeRanges appends spans to rs, coalescing contiguous neighbors.
func mergeRanges(rs []protocol.SeqRange, more []protocol.SeqRange) []protocol.SeqRange {
	for _, r := range more {
		if n := len(rs); n > 0 && rs[n-1].To+1 == r.From {
			rs[n-1].To = r.To
			continue
		}
		rs = append(rs, r)
	}
	return rs
}

// mergeFragments folds runs of streaming fragments into single entries.
// The merged entry keeps the seq and timestamp of the run's last fragment
// with the concatenated text and the combined source span.
func mergeFragments(entries []protocol.TimelineEntry) []protocol.TimelineEntry {
	out := make([]protocol.TimelineEntry, 0, len(entries))
	for _, e := range entries {
		if len(out) > 0 && mergeable(e.Item.Type) {
			last := &out[len(out)-1]
			if mergeable(last.Item.Type) && sameFragmentRun(last.Item, e.Item) {
				merged := e
				merged.Item.Text = last.Item.Text + e.Item.Text
				if merged.Item.Summary == "" {
					merged.Item.Summary = last.Item.Summary
				}
				merged.SourceRanges = mergeRanges(sourcesOf(*last), sourcesOf(e))
				*last = merged
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// collapseTools keeps, for each tool callId, only the newest entry. Its
// SourceRanges cover every canonical row of the lifecycle, so a collapsed
// call started at seq 2 and finished at seq 5 reports both spans. Entries
// of other types pass through.
func collapseTools(entries []protocol.TimelineEntry) []protocol.TimelineEntry {
	type lifecycle struct {
		lastIdx int
		sources []protocol.SeqRange
	}
	calls := make(map[string]*lifecycle)
	for i, e := range entries {
		if e.Item.Type != protocol.ItemToolCall || e.Item.CallID == "" {
			continue
		}
		lc := calls[e.Item.CallID]
		if lc == nil {
			lc = &lifecycle{}
			calls[e.Item.CallID] = lc
		}
		lc.lastIdx = i
		lc.sources = mergeRanges(lc.sources, sourcesOf(e))
	}

	out := make([]protocol.TimelineEntry, 0, len(entries))
	for i, e := range entries {
		if e.Item.Type == protocol.ItemToolCall && e.Item.CallID != "" {
			lc := calls[e.Item.CallID]
			if lc.lastIdx != i {
				continue
			}
			if len(lc.sources) > 1 || lc.sources[0].From != lc.sources[0].To {
				e.SourceRanges = lc.sources
			}
		}
		out = append(out, e)
	}
	return out
}
