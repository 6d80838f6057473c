package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paseo/paseo/pkg/protocol"
)

func testOptions() TimelineOptions {
	return TimelineOptions{Logger: newTestLogger()}
}

func textItem(text string) protocol.TimelineItem {
	return protocol.TimelineItem{Type: protocol.ItemAssistantMessage, Text: text}
}

func appendN(t *testing.T, l *TimelineLog, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(textItem(fmt.Sprintf("row %d", i)), time.Now()); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
}

func TestTimeline_AppendAssignsDenseSeq(t *testing.T) {
	l, err := OpenTimeline(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	defer l.Close()

	for want := uint64(1); want <= 5; want++ {
		row, err := l.Append(textItem("x"), time.Now())
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if row.Seq != want {
			t.Errorf("Seq = %d, want %d", row.Seq, want)
		}
		if row.CreatedAt.IsZero() {
			t.Error("CreatedAt not stamped")
		}
	}
	if l.LastSeq() != 5 {
		t.Errorf("LastSeq() = %d, want 5", l.LastSeq())
	}
}

func TestTimeline_ReopenContinuesSeq(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	appendN(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if reopened.LastSeq() != 3 {
		t.Fatalf("LastSeq() after reopen = %d, want 3", reopened.LastSeq())
	}
	row, err := reopened.Append(textItem("continued"), time.Now())
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if row.Seq != 4 {
		t.Errorf("Seq = %d, want 4", row.Seq)
	}

	rows, err := reopened.Range(1, 4)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Range(1,4) returned %d rows", len(rows))
	}
	if rows[3].Item.Text != "continued" {
		t.Errorf("rows[3].Item.Text = %q", rows[3].Item.Text)
	}
}

func TestTimeline_RotatesByRowCount(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SegmentMaxRows = 3

	l, err := OpenTimeline(dir, opts)
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	appendN(t, l, 7)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	names, err := filepath.Glob(filepath.Join(dir, "timeline-*.log"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("segments = %d (%v), want 3", len(names), names)
	}

	reopened, err := OpenTimeline(dir, opts)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	rows, err := reopened.Range(1, 7)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(rows) != 7 {
		t.Errorf("Range across segments returned %d rows, want 7", len(rows))
	}
	for i, row := range rows {
		if row.Seq != uint64(i+1) {
			t.Errorf("rows[%d].Seq = %d, want %d", i, row.Seq, i+1)
		}
	}
}

func TestTimeline_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SegmentMaxBytes = 200

	l, err := OpenTimeline(dir, opts)
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	defer l.Close()

	// Each row is well over 100 bytes, so no two fit in one segment.
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(textItem(string(long)), time.Now()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	names, _ := filepath.Glob(filepath.Join(dir, "timeline-*.log"))
	if len(names) != 3 {
		t.Errorf("segments = %d (%v), want 3 (one oversized row each)", len(names), names)
	}
}

func TestTimeline_Paging(t *testing.T) {
	l, err := OpenTimeline(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	defer l.Close()
	appendN(t, l, 10)

	head, err := l.Head(3)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if len(head) != 3 || head[0].Seq != 1 || head[2].Seq != 3 {
		t.Errorf("Head(3) = %v", seqsOf(head))
	}

	tail, err := l.Tail(3)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(tail) != 3 || tail[0].Seq != 8 || tail[2].Seq != 10 {
		t.Errorf("Tail(3) = %v", seqsOf(tail))
	}

	before, err := l.Before(5, 2)
	if err != nil {
		t.Fatalf("Before() error = %v", err)
	}
	if len(before) != 2 || before[0].Seq != 3 || before[1].Seq != 4 {
		t.Errorf("Before(5,2) = %v", seqsOf(before))
	}

	after, err := l.After(5, 2)
	if err != nil {
		t.Fatalf("After() error = %v", err)
	}
	if len(after) != 2 || after[0].Seq != 6 || after[1].Seq != 7 {
		t.Errorf("After(5,2) = %v", seqsOf(after))
	}

	afterEnd, err := l.After(10, 5)
	if err != nil {
		t.Fatalf("After(end) error = %v", err)
	}
	if len(afterEnd) != 0 {
		t.Errorf("After(10,5) = %v, want empty", seqsOf(afterEnd))
	}

	beforeStart, err := l.Before(1, 5)
	if err != nil {
		t.Fatalf("Before(start) error = %v", err)
	}
	if len(beforeStart) != 0 {
		t.Errorf("Before(1,5) = %v, want empty", seqsOf(beforeStart))
	}

	wholeTail, err := l.Tail(100)
	if err != nil {
		t.Fatalf("Tail(100) error = %v", err)
	}
	if len(wholeTail) != 10 {
		t.Errorf("Tail(100) = %d rows, want all 10", len(wholeTail))
	}
}

func seqsOf(rows []protocol.TimelineRow) []uint64 {
	out := make([]uint64, len(rows))
	for i, r := range rows {
		out[i] = r.Seq
	}
	return out
}

func TestTimeline_UnknownItemSurvivesDisk(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}

	raw := `{"type":"vendor_extension","blob":{"a":[1,2]}}`
	item := protocol.UnknownItem(json.RawMessage(raw))
	if _, err := l.Append(item, time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	rows, err := reopened.Range(1, 1)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	out, err := json.Marshal(rows[0].Item)
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	if string(out) != raw {
		t.Errorf("item after disk round trip = %s, want %s", out, raw)
	}
}

func TestTimeline_SkipsCorruptLineOnOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	appendN(t, l, 2)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Simulate a crash mid-append: a torn, newline-less trailing line.
	path := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString(`{"seq":3,"createdAt":"2026-01-02T15:`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	reopened, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if reopened.LastSeq() != 2 {
		t.Fatalf("LastSeq() = %d, want 2 (torn row dropped)", reopened.LastSeq())
	}

	// The next append must start on a fresh line, not extend the torn one.
	row, err := reopened.Append(textItem("fresh"), time.Now())
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if row.Seq != 3 {
		t.Errorf("Seq = %d, want 3", row.Seq)
	}
	rows, err := reopened.Range(3, 3)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Item.Text != "fresh" {
		t.Errorf("rows = %+v, want the fresh row", rows)
	}
}

func TestTimeline_Destroy(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "agent-1")
	l, err := OpenTimeline(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenTimeline() error = %v", err)
	}
	appendN(t, l, 2)

	if err := l.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("timeline dir still exists after Destroy")
	}
	if _, err := l.Append(textItem("x"), time.Now()); err == nil {
		t.Error("Append after Destroy should fail")
	}
}

func TestStore_TimelinePerAgent(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), newTestLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	a, err := s.Timeline("agent-a")
	if err != nil {
		t.Fatalf("Timeline(a) error = %v", err)
	}
	b, err := s.Timeline("agent-b")
	if err != nil {
		t.Fatalf("Timeline(b) error = %v", err)
	}
	if a == b {
		t.Fatal("distinct agents share a timeline log")
	}

	again, err := s.Timeline("agent-a")
	if err != nil {
		t.Fatalf("Timeline(a) again error = %v", err)
	}
	if again != a {
		t.Error("Timeline(a) not cached")
	}

	if _, err := a.Append(textItem("for a"), time.Now()); err != nil {
		t.Fatalf("Append(a) error = %v", err)
	}
	if b.LastSeq() != 0 {
		t.Errorf("agent-b LastSeq = %d, want 0", b.LastSeq())
	}

	if err := s.DropTimeline("agent-a"); err != nil {
		t.Fatalf("DropTimeline() error = %v", err)
	}
	fresh, err := s.Timeline("agent-a")
	if err != nil {
		t.Fatalf("Timeline(a) after drop error = %v", err)
	}
	if fresh.LastSeq() != 0 {
		t.Errorf("LastSeq after drop = %d, want 0", fresh.LastSeq())
	}
}
