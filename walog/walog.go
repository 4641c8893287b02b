// Package walog implements the engine's durable, segmented, append-only
// write-ahead log: the on-disk record of every committed transaction.
//
// Segments are named by the zero-padded global offset of their first
// message and roll over once the open segment would exceed a configured
// byte budget. The filesystem is reached through afero.Fs so tests can run
// the exact same code against an in-memory filesystem.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	headerLen = 4

	// DefaultMaxSegmentBytes is the segment rollover budget used when the
	// caller doesn't override it via engcfg.
	DefaultMaxSegmentBytes int64 = 1 << 30
)

// ErrSegmentCorrupt is a terminal iteration error: a segment's header or
// length claims more bytes than the file actually holds.
var ErrSegmentCorrupt = errors.New("walog: segment corrupt")

type segment struct {
	minOffset uint64
	size      int64
}

func (s segment) name() string { return fmt.Sprintf("%020d.log", s.minOffset) }

// Log is a segmented append-only message log.
type Log struct {
	mu sync.Mutex

	fs   afero.Fs
	root string
	log  *zap.SugaredLogger

	maxSegmentBytes int64

	segments      []segment
	totalSize     int64
	openFile      afero.File
	openWriter    *bufio.Writer
	openMaxOffset uint64 // number of messages committed so far across all segments
}

// Open scans root for existing segments, reopens the last one for append,
// and recovers openMaxOffset by counting complete messages in it. A
// partially written tail record is truncated away.
func Open(fs afero.Fs, root string, maxSegmentBytes int64, log *zap.SugaredLogger) (*Log, error) {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "walog: mkdir root")
	}

	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.Wrap(err, "walog: read root")
	}

	var segments []segment
	var totalSize int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".log")
		off, perr := strconv.ParseUint(stem, 10, 64)
		if perr != nil {
			continue
		}
		segments = append(segments, segment{minOffset: off, size: e.Size()})
		totalSize += e.Size()
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].minOffset < segments[j].minOffset })
	if len(segments) == 0 {
		segments = []segment{{minOffset: 0, size: 0}}
	}

	l := &Log{
		fs:              fs,
		root:            root,
		log:             log,
		maxSegmentBytes: maxSegmentBytes,
		segments:        segments,
		totalSize:       totalSize,
	}

	last := segments[len(segments)-1]
	path := filepath.Join(root, last.name())

	maxOffset, validSize, err := recoverSegment(fs, path, last.size)
	if err != nil {
		return nil, errors.Wrap(err, "walog: recover last segment")
	}
	if validSize != last.size {
		log.Warnw("walog: truncating partial tail record", "segment", last.name(), "was", last.size, "now", validSize)
		if terr := fs.Truncate(path, validSize); terr != nil {
			return nil, errors.Wrap(terr, "walog: truncate partial tail")
		}
		l.totalSize -= last.size - validSize
		l.segments[len(l.segments)-1].size = validSize
	}
	l.openMaxOffset = last.minOffset + maxOffset

	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: open last segment")
	}
	l.openFile = f
	l.openWriter = bufio.NewWriter(f)
	return l, nil
}

// recoverSegment counts complete messages in the file at path, returning
// the number of complete records in that one segment and the byte size of
// the valid (non-partial) prefix.
func recoverSegment(fs afero.Fs, path string, size int64) (count uint64, validSize int64, err error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	var cursor int64
	var hdr [headerLen]byte
	for cursor < size {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break // partial header: stop at cursor
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		want := int64(headerLen) + int64(n)
		if cursor+want > size {
			break // partial payload: stop at cursor
		}
		if _, err := f.Seek(int64(n), io.SeekCurrent); err != nil {
			return 0, 0, err
		}
		cursor += want
		count++
	}
	return count, cursor, nil
}

// Append writes one message to the open segment, rolling over to a fresh
// segment first if this message would exceed the byte budget.
func (l *Log) Append(message []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := int64(headerLen + len(message))
	if l.openSegment().size+size > l.maxSegmentBytes {
		if err := l.rollover(); err != nil {
			return err
		}
	}

	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(message)))
	if _, err := l.openWriter.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "walog: append header")
	}
	if _, err := l.openWriter.Write(message); err != nil {
		return errors.Wrap(err, "walog: append payload")
	}

	l.openSegmentMut().size += size
	l.openMaxOffset++
	l.totalSize += size
	return nil
}

func (l *Log) rollover() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	next := segment{minOffset: l.openMaxOffset, size: 0}
	l.segments = append(l.segments, next)
	path := filepath.Join(l.root, next.name())
	f, err := l.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "walog: create segment")
	}
	l.log.Infow("walog: rolled over segment", "segment", next.name())
	l.openFile = f
	l.openWriter = bufio.NewWriter(f)
	return nil
}

// Flush writes any buffered bytes to the OS; it does not fsync.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.openWriter.Flush(); err != nil {
		return errors.Wrap(err, "walog: flush")
	}
	return nil
}

// SyncAll flushes and fsyncs the open segment, declaring durability.
func (l *Log) SyncAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.openFile.Sync(); err != nil {
		l.log.Errorw("walog: fsync failed", "error", err)
		return errors.Wrap(err, "walog: sync_all")
	}
	return nil
}

// Close flushes and releases the open segment file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.openFile.Close()
}

// Size reports the total bytes across every segment.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSize
}

// MaxOffset reports the number of messages committed so far.
func (l *Log) MaxOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openMaxOffset
}

func (l *Log) openSegment() segment    { return l.segments[len(l.segments)-1] }
func (l *Log) openSegmentMut() *segment { return &l.segments[len(l.segments)-1] }

