package timeline

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/paseo/paseo/pkg/protocol"
)

func assistantRow(seq uint64, messageID, text string) protocol.TimelineRow {
	return protocol.TimelineRow{
		Seq:  seq,
		Item: protocol.TimelineItem{Type: protocol.ItemAssistantMessage, MessageID: messageID, Text: text},
	}
}

func userRow(seq uint64, text string) protocol.TimelineRow {
	return protocol.TimelineRow{
		Seq:  seq,
		Item: protocol.TimelineItem{Type: protocol.ItemUserMessage, Text: text},
	}
}

func toolRow(seq uint64, callID, status string) protocol.TimelineRow {
	return protocol.TimelineRow{Seq: seq, Item: toolItem(callID, status)}
}

func TestProject_CanonicalIsIdentity(t *testing.T) {
	rows := []protocol.TimelineRow{
		userRow(1, "hi"),
		assistantRow(2, "m1", "he"),
		assistantRow(3, "m1", "llo"),
	}
	got := Project(rows, ProjectOptions{Projection: protocol.ProjectionCanonical})
	if len(got) != len(rows) {
		t.Fatalf("Expected %d entries, got %d", len(rows), len(got))
	}
	for i, e := range got {
		if e.Seq != rows[i].Seq || !reflect.DeepEqual(e.Item, rows[i].Item) {
			t.Errorf("Canonical projection must not change row %d: %+v", i, e)
		}
		if e.SourceRanges != nil {
			t.Errorf("Untouched rows carry no source ranges, got %+v", e.SourceRanges)
		}
	}
}

func TestProject_MergesFragments(t *testing.T) {
	rows := []protocol.TimelineRow{
		userRow(1, "question"),
		assistantRow(2, "m1", "first "),
		assistantRow(3, "m1", "answer"),
		userRow(4, "another"),
		assistantRow(5, "m2", "second"),
	}

	got := Project(rows, ProjectOptions{Projection: protocol.ProjectionProjected})
	if len(got) != 4 {
		t.Fatalf("Expected 4 rows, got %d: %+v", len(got), got)
	}
	if got[1].Item.Text != "first answer" {
		t.Errorf("Expected merged text 'first answer', got %q", got[1].Item.Text)
	}
	if got[1].Seq != 3 {
		t.Errorf("Merged row must keep the last fragment's seq, got %d", got[1].Seq)
	}
	wantRanges := []protocol.SeqRange{{From: 2, To: 3}}
	if !reflect.DeepEqual(got[1].SourceRanges, wantRanges) {
		t.Errorf("Expected source ranges %+v, got %+v", wantRanges, got[1].SourceRanges)
	}
	if got[3].Item.Text != "second" {
		t.Errorf("Expected 'second', got %q", got[3].Item.Text)
	}
	if got[3].SourceRanges != nil {
		t.Errorf("Single-fragment entry carries no source ranges, got %+v", got[3].SourceRanges)
	}
}

func TestProject_DifferentMessageIDsDoNotMerge(t *testing.T) {
	rows := []protocol.TimelineRow{
		assistantRow(1, "m1", "a"),
		assistantRow(2, "m2", "b"),
	}
	got := Project(rows, ProjectOptions{Projection: protocol.ProjectionProjected})
	if len(got) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(got))
	}
}

func TestProject_ReasoningMerges(t *testing.T) {
	rows := []protocol.TimelineRow{
		{Seq: 1, Item: protocol.TimelineItem{Type: protocol.ItemReasoning, MessageID: "r1", Text: "let me "}},
		{Seq: 2, Item: protocol.TimelineItem{Type: protocol.ItemReasoning, MessageID: "r1", Text: "think"}},
	}
	got := Project(rows, ProjectOptions{Projection: protocol.ProjectionProjected})
	if len(got) != 1 || got[0].Item.Text != "let me think" {
		t.Fatalf("Expected merged reasoning, got %+v", got)
	}
}

func TestProject_CollapseToolLifecycle(t *testing.T) {
	rows := []protocol.TimelineRow{
		toolRow(1, "c1", protocol.ToolStatusRunning),
		userRow(2, "while tool runs"),
		toolRow(3, "c1", protocol.ToolStatusCompleted),
		toolRow(4, "c2", protocol.ToolStatusRunning),
	}

	got := Project(rows, ProjectOptions{CollapseToolLifecycle: true})
	if len(got) != 3 {
		t.Fatalf("Expected 3 rows, got %d: %+v", len(got), got)
	}
	if got[1].Item.Type != protocol.ItemToolCall || got[1].Item.Status != protocol.ToolStatusCompleted {
		t.Errorf("Expected c1 collapsed to completed at position 1, got %+v", got[1].Item)
	}
	wantRanges := []protocol.SeqRange{{From: 1, To: 1}, {From: 3, To: 3}}
	if !reflect.DeepEqual(got[1].SourceRanges, wantRanges) {
		t.Errorf("Collapsed call must list both lifecycle rows, got %+v", got[1].SourceRanges)
	}
	// Still-running calls survive
	if got[2].Item.CallID != "c2" || got[2].Item.Status != protocol.ToolStatusRunning {
		t.Errorf("Expected running c2 kept, got %+v", got[2].Item)
	}
	if got[2].SourceRanges != nil {
		t.Errorf("Single-row call carries no source ranges, got %+v", got[2].SourceRanges)
	}
}

func TestProject_SeqsStayMonotonic(t *testing.T) {
	rows := []protocol.TimelineRow{
		toolRow(1, "c1", protocol.ToolStatusRunning),
		assistantRow(2, "m1", "a"),
		assistantRow(3, "m1", "b"),
		toolRow(4, "c1", protocol.ToolStatusCompleted),
	}
	got := Project(rows, ProjectOptions{Projection: protocol.ProjectionProjected, CollapseToolLifecycle: true})
	var prev uint64
	for _, row := range got {
		if row.Seq <= prev {
			t.Fatalf("Seq not strictly increasing: %+v", got)
		}
		prev = row.Seq
	}
}

// genTimeline builds random well-formed canonical timelines: user rows,
// assistant fragment runs, and complete tool lifecycles.
func genTimeline() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 2)).Map(func(kinds []int) []protocol.TimelineRow {
		var rows []protocol.TimelineRow
		seq := uint64(0)
		next := func() uint64 { seq++; return seq }
		for i, kind := range kinds {
			switch kind {
			case 0:
				rows = append(rows, userRow(next(), fmt.Sprintf("msg %d", i)))
			case 1:
				id := fmt.Sprintf("m%d", i)
				rows = append(rows, assistantRow(next(), id, "part1 "))
				rows = append(rows, assistantRow(next(), id, "part2"))
			case 2:
				id := fmt.Sprintf("c%d", i)
				rows = append(rows, toolRow(next(), id, protocol.ToolStatusRunning))
				rows = append(rows, toolRow(next(), id, protocol.ToolStatusCompleted))
			}
		}
		return rows
	})
}

// Projecting a whole timeline must equal projecting at any boundary that
// does not bisect a fragment run or tool lifecycle and concatenating the
// parts. Clients rely on this when they stitch a backfill snapshot onto
// live rows.
func TestProject_ConcatenationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	opts := ProjectOptions{Projection: protocol.ProjectionProjected, CollapseToolLifecycle: true}

	properties.Property("split at unit boundary and concatenate", prop.ForAll(
		func(rows []protocol.TimelineRow, splitHint int) bool {
			whole := Project(rows, opts)

			// Find a unit boundary at or after the hint: never between
			// fragments of a run or between a tool start and its finish.
			split := unitBoundary(rows, splitHint)
			head := Project(rows[:split], opts)
			tail := Project(rows[split:], opts)
			combined := append(append([]protocol.TimelineEntry{}, head...), tail...)

			return reflect.DeepEqual(whole, combined)
		},
		genTimeline(),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

// unitBoundary clamps split to a position that does not separate rows
// belonging to one fragment run or one tool call.
func unitBoundary(rows []protocol.TimelineRow, split int) int {
	if split > len(rows) {
		split = len(rows)
	}
	for split > 0 && split < len(rows) {
		prev, cur := rows[split-1].Item, rows[split].Item
		joined := (mergeable(cur.Type) && mergeable(prev.Type) && sameFragmentRun(prev, cur)) ||
			(cur.Type == protocol.ItemToolCall && prev.Type == protocol.ItemToolCall && cur.CallID == prev.CallID)
		if !joined {
			break
		}
		split--
	}
	return split
}
