package walog

import (
	"encoding/binary"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Iterator yields messages from a Log in offset order, scanning forward
// through segments as each one is exhausted. It opens segment files lazily
// and is not safe for concurrent use.
type Iterator struct {
	l      *Log
	offset uint64
	file   afero.File

	segs    []SegmentView
	segIdx  int
	started bool

	err error
}

// Iter returns an iterator over every message in the log, in append order.
func (l *Log) Iter() *Iterator { return l.IterFrom(0) }

// IterFrom returns an iterator starting at the first message whose global
// offset is >= start. Per the original engine's contract, the returned
// iterator may yield a small number of messages with a smaller offset than
// requested: segments are not sliced, so iteration starts at the beginning
// of the segment containing start, not at the exact message. Once that
// first segment is exhausted, iteration continues into every later segment
// in turn, regardless of how many rollovers lie between start and the log's
// tail.
func (l *Log) IterFrom(start uint64) *Iterator {
	return &Iterator{l: l, offset: start}
}

// openNextSegment closes the currently open segment file, if any, and opens
// the next one in it.segs, advancing segIdx. It reports false once segs is
// exhausted.
func (it *Iterator) openNextSegment() bool {
	if it.file != nil {
		_ = it.file.Close()
		it.file = nil
	}
	if it.segIdx >= len(it.segs) {
		return false
	}
	view := it.segs[it.segIdx]
	it.segIdx++
	f, err := it.l.fs.Open(filepath.Join(it.l.root, view.info.name()))
	if err != nil {
		it.err = errors.Wrap(err, "walog: open segment for iteration")
		return false
	}
	it.file = f
	return true
}

// Next returns the next message payload, or ok=false at end of log or on
// error (distinguishable via Err).
func (it *Iterator) Next() ([]byte, bool) {
	if it.err != nil {
		return nil, false
	}
	if !it.started {
		it.started = true
		it.segs = it.l.SegmentsFrom(it.offset)
		if !it.openNextSegment() {
			return nil, false
		}
	}

	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(it.file, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// This segment is exhausted. Every segment but the last is
				// complete by construction (Append only ever writes whole
				// records, and Open truncates a torn tail before this
				// iterator can see it), so running out of bytes here means
				// "move to the next segment", not "stop for good".
				if it.openNextSegment() {
					continue
				}
				return nil, false
			}
			it.err = errors.Wrap(err, "walog: read header")
			return nil, false
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(it.file, buf); err != nil {
			it.err = errors.Wrap(ErrSegmentCorrupt, err.Error())
			return nil, false
		}
		it.offset++
		return buf, true
	}
}

// Err reports the terminal error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's open segment file, if any.
func (it *Iterator) Close() error {
	if it.file == nil {
		return nil
	}
	return it.file.Close()
}

// SegmentView is a read-only snapshot of one on-disk segment.
type SegmentView struct {
	l    *Log
	info segment
}

// Offset is the global message offset of the segment's first message.
func (v SegmentView) Offset() uint64 { return v.info.minOffset }

// Size is the segment's byte length as of the snapshot.
func (v SegmentView) Size() int64 { return v.info.size }

// Open opens a fresh read handle onto the segment's file.
func (v SegmentView) Open() (afero.File, error) {
	return v.l.fs.Open(filepath.Join(v.l.root, v.info.name()))
}

// Segments returns a snapshot of every segment, oldest first. The last
// segment yielded may still be appended to.
func (l *Log) Segments() []SegmentView { return l.SegmentsFrom(0) }

// SegmentsFrom returns a snapshot of every segment that may contain
// messages at or after offset.
func (l *Log) SegmentsFrom(offset uint64) []SegmentView {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := 0
	for i, s := range l.segments {
		if s.minOffset <= offset {
			pos = i
		}
	}
	out := make([]SegmentView, 0, len(l.segments)-pos)
	for _, s := range l.segments[pos:] {
		out = append(out, SegmentView{l: l, info: s})
	}
	return out
}
