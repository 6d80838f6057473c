package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// Default segment bounds; a segment rolls over when either is exceeded.
const (
	DefaultSegmentMaxBytes = 512 * 1024
	DefaultSegmentMaxRows  = 1000
)

// TimelineOptions configures a timeline log.
type TimelineOptions struct {
	SegmentMaxBytes int64
	SegmentMaxRows  int
	Logger          *logger.Logger
}

func (o TimelineOptions) withDefaults() TimelineOptions {
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if o.SegmentMaxRows <= 0 {
		o.SegmentMaxRows = DefaultSegmentMaxRows
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// rowRef locates one row on disk.
type rowRef struct {
	seg int
	off int64
	n   int
}

type segment struct {
	path string
	num  int
}

// TimelineLog is one agent's append-only timeline, stored as numbered
// JSON-line segments. There is exactly one writer (the agent instance);
// reads resolve rows through an in-memory seq index and per-call read
// handles, so they never disturb the writer.
type TimelineLog struct {
	dir  string
	opts TimelineOptions

	mu         sync.RWMutex
	segments   []segment
	index      map[uint64]rowRef
	firstSeq   uint64
	lastSeq    uint64
	active     *os.File
	activeSize int64
	activeRows int

	// pendingNewline is set when the active segment ends in a torn line
	// from a crash; the next append starts on a fresh line.
	pendingNewline bool

	closed bool
}

// ErrClosed is returned by operations on a closed timeline log.
var ErrClosed = errors.New("timeline log closed")

func segmentName(num int) string {
	return fmt.Sprintf("timeline-%06d.log", num)
}

// OpenTimeline opens (or creates) the timeline log in dir, scanning all
// segments to rebuild the seq index. Unreadable lines are skipped and
// logged; the log stays usable.
func OpenTimeline(dir string, opts TimelineOptions) (*TimelineLog, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create timeline dir: %w", err)
	}

	l := &TimelineLog{
		dir:   dir,
		opts:  opts,
		index: make(map[uint64]rowRef),
	}

	names, err := filepath.Glob(filepath.Join(dir, "timeline-*.log"))
	if err != nil {
		return nil, fmt.Errorf("scan timeline dir: %w", err)
	}
	sort.Strings(names)

	for _, path := range names {
		var num int
		if _, err := fmt.Sscanf(filepath.Base(path), "timeline-%06d.log", &num); err != nil {
			opts.Logger.Warn("ignoring unrecognized timeline file", zap.String("path", path))
			continue
		}
		l.segments = append(l.segments, segment{path: path, num: num})
	}

	for i, seg := range l.segments {
		if err := l.scanSegment(i, seg.path); err != nil {
			return nil, err
		}
	}

	if len(l.segments) == 0 {
		if err := l.openFreshSegmentLocked(1); err != nil {
			return nil, err
		}
	} else {
		last := l.segments[len(l.segments)-1]
		f, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open active segment: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat active segment: %w", err)
		}
		l.active = f
		l.activeSize = info.Size()
	}

	return l, nil
}

// scanSegment indexes one segment's rows. The final segment may end in a
// torn line after a crash; that line is skipped and overwritten territory
// is fenced off with a leading newline on the next append.
func (l *TimelineLog) scanSegment(segIdx int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	rows := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			if !complete && segIdx == len(l.segments)-1 {
				l.pendingNewline = true
			}
			var row protocol.TimelineRow
			if jerr := json.Unmarshal(line, &row); jerr != nil || row.Seq == 0 {
				l.opts.Logger.Warn("skipping unreadable timeline row",
					zap.String("segment", filepath.Base(path)),
					zap.Int64("offset", offset))
			} else {
				l.index[row.Seq] = rowRef{seg: segIdx, off: offset, n: len(line)}
				if l.firstSeq == 0 || row.Seq < l.firstSeq {
					l.firstSeq = row.Seq
				}
				if row.Seq > l.lastSeq {
					l.lastSeq = row.Seq
				}
				rows++
			}
			offset += int64(len(line))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("scan segment %s: %w", path, err)
		}
	}

	if segIdx == len(l.segments)-1 {
		l.activeRows = rows
	}
	return nil
}

func (l *TimelineLog) openFreshSegmentLocked(num int) error {
	path := filepath.Join(l.dir, segmentName(num))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	l.segments = append(l.segments, segment{path: path, num: num})
	l.active = f
	l.activeSize = 0
	l.activeRows = 0
	l.pendingNewline = false
	return nil
}

// Append assigns the next seq, stamps the row, and writes it to the
// active segment, rolling over when the segment is full.
func (l *TimelineLog) Append(item protocol.TimelineItem, at time.Time) (protocol.TimelineRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return protocol.TimelineRow{}, ErrClosed
	}

	row := protocol.TimelineRow{
		Seq:       l.lastSeq + 1,
		CreatedAt: at.UTC(),
		Item:      item,
	}

	data, err := json.Marshal(row)
	if err != nil {
		return protocol.TimelineRow{}, fmt.Errorf("marshal timeline row: %w", err)
	}
	data = append(data, '\n')

	if l.activeRows >= l.opts.SegmentMaxRows ||
		(l.activeRows > 0 && l.activeSize+int64(len(data)) > l.opts.SegmentMaxBytes) {
		next := l.segments[len(l.segments)-1].num + 1
		if err := l.active.Close(); err != nil {
			return protocol.TimelineRow{}, fmt.Errorf("close full segment: %w", err)
		}
		if err := l.openFreshSegmentLocked(next); err != nil {
			return protocol.TimelineRow{}, err
		}
	}

	if l.pendingNewline {
		if _, err := l.active.Write([]byte("\n")); err != nil {
			return protocol.TimelineRow{}, fmt.Errorf("terminate torn line: %w", err)
		}
		l.activeSize++
		l.pendingNewline = false
	}

	offset := l.activeSize
	if _, err := l.active.Write(data); err != nil {
		return protocol.TimelineRow{}, fmt.Errorf("append timeline row: %w", err)
	}

	l.index[row.Seq] = rowRef{seg: len(l.segments) - 1, off: offset, n: len(data)}
	if l.firstSeq == 0 {
		l.firstSeq = row.Seq
	}
	l.lastSeq = row.Seq
	l.activeSize += int64(len(data))
	l.activeRows++

	return row, nil
}

// LastSeq returns the newest sequence number, 0 when empty.
func (l *TimelineLog) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// FirstSeq returns the oldest sequence number, 0 when empty.
func (l *TimelineLog) FirstSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstSeq
}

// Range returns rows with from <= seq <= to, in seq order. Seqs missing
// from the index (skipped corrupt rows) are silently absent.
func (l *TimelineLog) Range(from, to uint64) ([]protocol.TimelineRow, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	if from < l.firstSeq {
		from = l.firstSeq
	}
	if to > l.lastSeq {
		to = l.lastSeq
	}
	var refs []rowRef
	var seqs []uint64
	for seq := from; seq != 0 && seq <= to; seq++ {
		if ref, ok := l.index[seq]; ok {
			refs = append(refs, ref)
			seqs = append(seqs, seq)
		}
	}
	paths := make([]string, len(l.segments))
	for i, seg := range l.segments {
		paths[i] = seg.path
	}
	l.mu.RUnlock()

	return l.readRefs(paths, refs, seqs)
}

// Head returns the oldest n rows.
func (l *TimelineLog) Head(n int) ([]protocol.TimelineRow, error) {
	first, last := l.FirstSeq(), l.LastSeq()
	if first == 0 || n <= 0 {
		return nil, nil
	}
	to := first + uint64(n) - 1
	if to > last {
		to = last
	}
	return l.Range(first, to)
}

// Tail returns the newest n rows in seq order.
func (l *TimelineLog) Tail(n int) ([]protocol.TimelineRow, error) {
	first, last := l.FirstSeq(), l.LastSeq()
	if last == 0 || n <= 0 {
		return nil, nil
	}
	from := first
	if uint64(n) <= last-first {
		from = last - uint64(n) + 1
	}
	return l.Range(from, last)
}

// Before returns up to n rows with seq < cursor, in seq order.
func (l *TimelineLog) Before(cursor uint64, n int) ([]protocol.TimelineRow, error) {
	if cursor <= 1 || n <= 0 {
		return nil, nil
	}
	to := cursor - 1
	from := l.FirstSeq()
	if uint64(n) <= to-from {
		from = to - uint64(n) + 1
	}
	return l.Range(from, to)
}

// After returns up to n rows with seq > cursor, in seq order.
func (l *TimelineLog) After(cursor uint64, n int) ([]protocol.TimelineRow, error) {
	if n <= 0 {
		return nil, nil
	}
	from := cursor + 1
	to := from + uint64(n) - 1
	if last := l.LastSeq(); to > last {
		to = last
	}
	return l.Range(from, to)
}

func (l *TimelineLog) readRefs(paths []string, refs []rowRef, seqs []uint64) ([]protocol.TimelineRow, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	handles := make(map[int]*os.File)
	defer func() {
		for _, f := range handles {
			f.Close()
		}
	}()

	rows := make([]protocol.TimelineRow, 0, len(refs))
	for i, ref := range refs {
		f, ok := handles[ref.seg]
		if !ok {
			var err error
			f, err = os.Open(paths[ref.seg])
			if err != nil {
				return nil, fmt.Errorf("open segment for read: %w", err)
			}
			handles[ref.seg] = f
		}

		buf := make([]byte, ref.n)
		if _, err := f.ReadAt(buf, ref.off); err != nil {
			return nil, fmt.Errorf("read row seq %d: %w", seqs[i], err)
		}
		var row protocol.TimelineRow
		if err := json.Unmarshal(buf, &row); err != nil {
			return nil, fmt.Errorf("decode row seq %d: %w", seqs[i], err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close flushes and closes the writer. Further operations fail.
func (l *TimelineLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			l.active.Close()
			return fmt.Errorf("sync active segment: %w", err)
		}
		return l.active.Close()
	}
	return nil
}

// Destroy closes the log and removes its directory.
func (l *TimelineLog) Destroy() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}
