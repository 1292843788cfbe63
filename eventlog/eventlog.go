// Package eventlog tails the guest serial log and turns host event lines
// into typed events.
//
// The read position is persisted after every delivered event. Delivery is
// therefore at-most-once: an event handed out right before a crash is not
// replayed on restart.
package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/protocol"
	"github.com/projecteru2/vmbridge/storage"
	storejson "github.com/projecteru2/vmbridge/storage/json"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

const (
	chunkSize           = 32 << 10
	defaultMaxLineBytes = 4096
	defaultPollInterval = 100 * time.Millisecond
)

// Reader yields events from a growing log file. Not safe for concurrent use.
type Reader struct {
	path    string
	codec   *protocol.Codec
	maxLine int
	poll    time.Duration
	cursor  storage.Store[types.Cursor]
	now     func() time.Time

	f     *os.File
	inode uint64
	// offset is the file position of buf[0]; everything before it is consumed.
	offset int64
	buf    []byte

	// discarding is set while skipping the tail of an oversized line; head
	// keeps its first bytes so a recognisable event can still be reported.
	discarding bool
	head       []byte
}

// New creates a Reader for conf.EventLog. Call Open before Next.
func New(conf *config.Config, codec *protocol.Codec) *Reader {
	r := &Reader{
		path:    conf.EventLog,
		codec:   codec,
		maxLine: conf.Protocol.MaxLineBytes,
		poll:    conf.Timing.PollInterval,
		cursor:  storejson.New[types.Cursor](conf.CursorLock(), conf.CursorFile()),
		now:     time.Now,
	}
	if r.maxLine <= 0 {
		r.maxLine = defaultMaxLineBytes
	}
	if r.poll <= 0 {
		r.poll = defaultPollInterval
	}
	return r
}

// Open positions the reader. Without a saved cursor it starts at the end of
// the file so historic requests are not replayed; fromStart forces offset 0.
func (r *Reader) Open(ctx context.Context, fromStart bool) error {
	logger := log.WithFunc("eventlog.Open")

	var saved types.Cursor
	if err := r.cursor.With(ctx, func(c *types.Cursor) error {
		saved = *c
		return nil
	}); err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	size, inode, err := statLog(r.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Infof(ctx, "%s does not exist yet, waiting for it", r.path)
		r.offset = 0
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case fromStart:
		r.offset = 0
	case saved.Path != r.path:
		r.offset = size
	case saved.Inode != inode || saved.Offset > size:
		logger.Infof(ctx, "%s was replaced or truncated since last run, reading from start", r.path)
		r.offset = 0
	default:
		r.offset = saved.Offset
	}
	if err := r.open(); err != nil {
		return err
	}
	logger.Infof(ctx, "tailing %s from offset %d", r.path, r.offset)
	return nil
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Offset is the position right after the last consumed line.
func (r *Reader) Offset() int64 { return r.offset }

// Next blocks until the next event or ctx is done. Lines that are not host
// events are skipped.
func (r *Reader) Next(ctx context.Context) (types.Event, error) {
	for {
		if ev, ok := r.scan(ctx); ok {
			return ev, nil
		}
		n, err := r.fill(ctx)
		if err != nil {
			return types.Event{}, err
		}
		if n > 0 {
			continue
		}
		if err := utils.Sleep(ctx, r.poll); err != nil {
			return types.Event{}, err
		}
	}
}

// scan consumes complete lines from buf until one yields an event.
func (r *Reader) scan(ctx context.Context) (types.Event, bool) {
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			r.overflow()
			return types.Event{}, false
		}
		line := r.buf[:i]
		r.buf = r.buf[i+1:]
		r.offset += int64(i + 1)

		var ev types.Event
		var ok bool
		switch {
		case r.discarding:
			ev, ok = r.oversized(r.head)
			r.discarding, r.head = false, nil
		case len(line) > r.maxLine:
			ev, ok = r.oversized(line[:r.maxLine])
		default:
			ev, ok = r.codec.Parse(string(line), r.now())
		}
		if !ok {
			continue
		}
		r.save(ctx)
		return ev, true
	}
}

// overflow drops a partial line that already exceeds the limit so buf stays
// bounded while the rest of the line streams in.
func (r *Reader) overflow() {
	if len(r.buf) <= r.maxLine {
		return
	}
	if !r.discarding {
		r.head = append([]byte(nil), r.buf[:r.maxLine]...)
		r.discarding = true
	}
	r.offset += int64(len(r.buf))
	r.buf = r.buf[:0]
}

// oversized reports a synthetic invalid event when the head of an overlong
// line still names a known event.
func (r *Reader) oversized(head []byte) (types.Event, bool) {
	ev, ok := r.codec.Parse(string(head), r.now())
	if !ok {
		return types.Event{}, false
	}
	ev.Text, ev.Key, ev.Button, ev.X, ev.Y = "", "", "", 0, 0
	ev.Invalid = protocol.ReasonInvalidPayload
	return ev, true
}

// fill appends newly written bytes to buf and handles truncation and
// replacement of the file.
func (r *Reader) fill(ctx context.Context) (int, error) {
	if r.f == nil {
		if err := r.open(); errors.Is(err, os.ErrNotExist) {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
	}

	chunk := make([]byte, chunkSize)
	n, err := r.f.ReadAt(chunk, r.offset+int64(len(r.buf)))
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
		return n, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read %s: %w", r.path, err)
	}
	return 0, r.checkRotation(ctx)
}

func (r *Reader) checkRotation(ctx context.Context) error {
	size, inode, err := statLog(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	readPos := r.offset + int64(len(r.buf))
	if inode == r.inode && size >= readPos {
		return nil
	}
	log.WithFunc("eventlog.Next").Infof(ctx, "%s was replaced or truncated, reading from start", r.path)
	_ = r.Close()
	r.offset, r.buf, r.discarding, r.head = 0, nil, false, nil
	if err := r.open(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r *Reader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	// Inode of the opened file, not of whatever the path names now.
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil { //nolint:gosec // fd fits in int
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", r.path, err)
	}
	r.f, r.inode = f, st.Ino
	return nil
}

// save persists the cursor. Failures are logged only.
func (r *Reader) save(ctx context.Context) {
	cur := types.Cursor{Path: r.path, Offset: r.offset, Inode: r.inode, UpdatedAt: r.now()}
	if err := r.cursor.Update(ctx, func(c *types.Cursor) error {
		*c = cur
		return nil
	}); err != nil {
		log.WithFunc("eventlog.save").Warnf(ctx, "persist cursor at %d: %v", r.offset, err)
	}
}

// ResetCursor makes the next Open read path from the beginning.
func ResetCursor(ctx context.Context, conf *config.Config) error {
	store := storejson.New[types.Cursor](conf.CursorLock(), conf.CursorFile())
	_, inode, _ := statLog(conf.EventLog)
	return store.Update(ctx, func(c *types.Cursor) error {
		*c = types.Cursor{Path: conf.EventLog, Offset: 0, Inode: inode, UpdatedAt: time.Now()}
		return nil
	})
}

// LoadCursor returns the saved cursor, zero when none exists.
func LoadCursor(ctx context.Context, conf *config.Config) (types.Cursor, error) {
	var cur types.Cursor
	err := storejson.New[types.Cursor](conf.CursorLock(), conf.CursorFile()).With(ctx, func(c *types.Cursor) error {
		cur = *c
		return nil
	})
	return cur, err
}

// statLog returns the size and inode of path in one stat call. Errors are
// *os.PathError so callers can test for os.ErrNotExist.
func statLog(path string) (size int64, inode uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return st.Size, st.Ino, nil
}
