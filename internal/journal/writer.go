package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

var (
	ErrQueueFull      = errors.New("journal queue full")
	ErrClosed         = errors.New("journal writer closed")
	ErrNotStarted     = errors.New("journal writer not started")
	ErrAlreadyStarted = errors.New("journal writer already started")
)

// Writer appends records to journal segments from a buffered queue.
// A single goroutine owns the open segment.
type Writer struct {
	cfg     Config
	ch      chan request
	stopped chan struct{}
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error

	started atomic.Bool
	closed  atomic.Bool
	mu      sync.RWMutex
}

type request struct {
	header  schema.EventHeader
	payload []byte
	// barrier requests carry no record; done is signalled once every
	// earlier record is flushed and synced.
	done chan error
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

// NewWriter creates a journal writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:     cfg,
		ch:      make(chan request, cfg.QueueSize),
		stopped: make(chan struct{}),
	}, nil
}

// Dir returns the journal directory.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.stopped)
		w.run(ctx)
	}()
	return nil
}

// Close stops the writer after writing every queued record.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// TryAppend enqueues a record without blocking.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	req, err := w.prepare(header, payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Append enqueues a record, waiting for queue space until ctx is done.
func (w *Writer) Append(ctx context.Context, header schema.EventHeader, payload []byte) error {
	req, err := w.prepare(header, payload)
	if err != nil {
		return err
	}
	return w.send(ctx, req)
}

// Sync blocks until every record appended before the call is on disk.
func (w *Writer) Sync(ctx context.Context) error {
	done := make(chan error, 1)
	if err := w.send(ctx, request{done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-w.stopped:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) prepare(header schema.EventHeader, payload []byte) (request, error) {
	if !w.started.Load() {
		return request{}, ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return request{}, err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return request{}, ErrPayloadTooLarge
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return request{header: header, payload: cp}, nil
}

func (w *Writer) send(ctx context.Context, req request) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.ch <- req:
		return nil
	case <-w.stopped:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg       *segment
		segID     uint64
		headerBuf = make([]byte, recordHeaderSize)
		flushC    <-chan time.Time
	)
	if w.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}
	defer func() {
		if err := closeSegment(seg); err != nil {
			w.setErr(err)
		}
	}()

	handle := func(req request) bool {
		if req.done != nil {
			err := w.Err()
			if err == nil {
				err = syncSegment(seg)
				w.setErr(err)
			}
			req.done <- err
			return err == nil
		}
		if err := w.write(&seg, &segID, headerBuf, req); err != nil {
			w.setErr(err)
			return false
		}
		if w.cfg.SyncEveryRecord {
			if err := syncSegment(seg); err != nil {
				w.setErr(err)
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req, ok := <-w.ch:
					if !ok || !handle(req) {
						return
					}
				default:
					return
				}
			}
		case req, ok := <-w.ch:
			if !ok || !handle(req) {
				return
			}
		case <-flushC:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
			}
		}
	}
}

func (w *Writer) write(seg **segment, segID *uint64, headerBuf []byte, req request) error {
	now := time.Now().UTC()
	size := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if w.shouldRotate(*seg, now, size) {
		if err := closeSegment(*seg); err != nil {
			return err
		}
		opened, err := w.openSegment(segID, now)
		if err != nil {
			return err
		}
		*seg = opened
	}

	encodeHeader(headerBuf, req.header, len(req.payload))
	var sumBuf [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(sumBuf[:], checksum(headerBuf, req.payload))

	for _, part := range [][]byte{headerBuf, req.payload, sumBuf[:]} {
		if _, err := (*seg).buf.Write(part); err != nil {
			return err
		}
	}
	(*seg).size += size
	return nil
}

func (w *Writer) shouldRotate(seg *segment, now time.Time, next int64) bool {
	switch {
	case seg == nil:
		return true
	case seg.size > 0 && seg.size+next > w.cfg.SegmentMaxBytes:
		return true
	case w.cfg.SegmentMaxAge > 0 && now.Sub(seg.openedAt) >= w.cfg.SegmentMaxAge:
		return true
	default:
		return false
	}
}

func (w *Writer) openSegment(segID *uint64, now time.Time) (*segment, error) {
	ts := now.Format("20060102-150405")
	for {
		*segID++
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, ts, *segID, fileSuffix)
		file, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, err
		}
		return &segment{
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

func syncSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		return err
	}
	return seg.file.Sync()
}

func closeSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	if err := syncSegment(seg); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *Writer) setErr(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}
