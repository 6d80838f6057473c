// Package timeline implements the domain logic over an agent's append-only
// timeline: tool lifecycle validation, client-facing projections, and the
// curated text rendering used by the MCP tools.
package timeline

import (
	"fmt"

	"github.com/paseo/paseo/pkg/protocol"
)

// ToolTracker validates tool_call lifecycle transitions as rows are
// appended. A call starts running and terminates exactly once; updates
// while running are allowed, updates after a terminal status are not.
type ToolTracker struct {
	statuses map[string]string // callId -> last observed status
}

// NewToolTracker creates an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{statuses: make(map[string]string)}
}

// terminal reports whether a tool status ends the lifecycle.
func terminal(status string) bool {
	switch status {
	case protocol.ToolStatusCompleted, protocol.ToolStatusFailed, protocol.ToolStatusCanceled:
		return true
	}
	return false
}

// Observe checks one tool_call item against the lifecycle rules and
// records its status. Items of other types pass through untouched.
func (t *ToolTracker) Observe(item protocol.TimelineItem) error {
	if item.Type != protocol.ItemToolCall {
		return nil
	}
	if item.CallID == "" {
		return fmt.Errorf("tool_call item is missing callId")
	}

	switch item.Status {
	case protocol.ToolStatusRunning, protocol.ToolStatusCompleted,
		protocol.ToolStatusFailed, protocol.ToolStatusCanceled:
	default:
		return fmt.Errorf("tool_call %s has invalid status %q", item.CallID, item.Status)
	}

	prev, seen := t.statuses[item.CallID]
	if seen && terminal(prev) {
		return fmt.Errorf("tool_call %s already terminated with %s, got %s", item.CallID, prev, item.Status)
	}
	// A call that was never observed may arrive directly in a terminal
	// status: fast tools report start and result in one event.
	t.statuses[item.CallID] = item.Status
	return nil
}

// Open returns the callIds still running, in no particular order.
func (t *ToolTracker) Open() []string {
	var open []string
	for id, status := range t.statuses {
		if !terminal(status) {
			open = append(open, id)
		}
	}
	return open
}

// CancelOpen marks every running call canceled and returns their callIds.
// Used when a turn is canceled or a provider dies mid-call.
func (t *ToolTracker) CancelOpen() []string {
	open := t.Open()
	for _, id := range open {
		t.statuses[id] = protocol.ToolStatusCanceled
	}
	return open
}

// Seed replays existing rows into the tracker, ignoring violations. Used
// when reopening a persisted timeline.
func (t *ToolTracker) Seed(rows []protocol.TimelineRow) {
	for _, row := range rows {
		item := row.Item
		if item.Type != protocol.ItemToolCall || item.CallID == "" {
			continue
		}
		if prev, seen := t.statuses[item.CallID]; seen && terminal(prev) {
			continue
		}
		t.statuses[item.CallID] = item.Status
	}
}
