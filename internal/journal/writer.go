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

	"github.com/yanun0323/logs"
)

var (
	ErrQueueFull      = errors.New("journal queue full")
	ErrClosed         = errors.New("journal writer closed")
	ErrNotStarted     = errors.New("journal writer not started")
	ErrAlreadyStarted = errors.New("journal writer already started")
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultQueueSize             = 1024
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
	segmentExt                   = ".okj"
)

// Config controls journal writer behavior.
type Config struct {
	Dir                string        `yaml:"dir" json:"dir"`
	SegmentMaxBytes    int64         `yaml:"segment_max_bytes" json:"segment_max_bytes"`
	SegmentMaxDuration time.Duration `yaml:"segment_max_duration" json:"segment_max_duration"`
	QueueSize          int           `yaml:"queue_size" json:"queue_size"`
	BufferSize         int           `yaml:"buffer_size" json:"buffer_size"`
	FilePrefix         string        `yaml:"file_prefix" json:"file_prefix"`
	// SyncEveryBatch fsyncs the segment after each drained batch.
	SyncEveryBatch bool `yaml:"sync_every_batch" json:"sync_every_batch"`
}

// WithDefaults fills zero fields with the defaults.
func (c Config) WithDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid journal config: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("invalid journal config: SegmentMaxBytes must be > 0")
	}
	if c.SegmentMaxDuration < 0 {
		return fmt.Errorf("invalid journal config: SegmentMaxDuration must be >= 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid journal config: QueueSize must be > 0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid journal config: BufferSize must be > 0")
	}
	return nil
}

// Publisher receives every batch after it reached the segment file.
type Publisher interface {
	Publish(ctx context.Context, entries []Entry) error
	Close() error
}

// Writer appends entries to CRC-framed segment files from a buffered queue.
// The journal is an audit trail; the ledger store stays authoritative.
type Writer struct {
	cfg       Config
	publisher Publisher
	ch        chan Entry
	wg        sync.WaitGroup
	err       atomic.Value

	started uint32
	closed  uint32
}

// NewWriter creates a journal writer and ensures the target directory exists.
// publisher may be nil.
func NewWriter(cfg Config, publisher Publisher) (*Writer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:       cfg,
		publisher: publisher,
		ch:        make(chan Entry, cfg.QueueSize),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops accepting entries, writes what is queued and closes the
// publisher.
func (w *Writer) Close() error {
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.wg.Wait()
	if w.publisher != nil {
		if err := w.publisher.Close(); err != nil {
			logs.Warnf("close journal publisher, err: %+v", err)
		}
	}
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Record enqueues an entry without blocking.
func (w *Writer) Record(e Entry) error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&w.started) == 0 {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	select {
	case w.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg   *segment
		segID uint64
		batch = make([]Entry, 0, 64)
	)
	defer func() {
		if err := closeSegment(seg); err != nil {
			w.setErr(err)
		}
	}()

	for {
		var (
			e  Entry
			ok bool
		)
		select {
		case <-ctx.Done():
			batch = w.drain(batch[:0])
			w.writeBatch(context.WithoutCancel(ctx), &seg, &segID, batch)
			return
		case e, ok = <-w.ch:
			if !ok {
				return
			}
		}

		batch = w.drain(append(batch[:0], e))
		if !w.writeBatch(ctx, &seg, &segID, batch) {
			return
		}
	}
}

func (w *Writer) drain(batch []Entry) []Entry {
	for len(batch) < cap(batch) {
		select {
		case e, ok := <-w.ch:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) writeBatch(ctx context.Context, seg **segment, segID *uint64, batch []Entry) bool {
	if len(batch) == 0 {
		return true
	}
	for _, e := range batch {
		if err := w.writeEntry(seg, segID, e); err != nil {
			w.setErr(err)
			return false
		}
	}
	if err := (*seg).buf.Flush(); err != nil {
		w.setErr(err)
		return false
	}
	if w.cfg.SyncEveryBatch {
		if err := (*seg).file.Sync(); err != nil {
			w.setErr(err)
			return false
		}
	}
	if w.publisher != nil {
		if err := w.publisher.Publish(ctx, batch); err != nil {
			logs.Warnf("publish %d journal entries, err: %+v", len(batch), err)
		}
	}
	return true
}

func (w *Writer) writeEntry(seg **segment, segID *uint64, e Entry) error {
	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	size := int64(recordHeaderSize + len(payload) + recordChecksumSize)
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

	var (
		header [recordHeaderSize]byte
		sum    [recordChecksumSize]byte
	)
	encodeHeader(header[:], e.Seq, e.At, len(payload))
	binary.LittleEndian.PutUint32(sum[:], checksum(header[:], payload))

	for _, part := range [][]byte{header[:], payload, sum[:]} {
		if _, err := (*seg).buf.Write(part); err != nil {
			return err
		}
	}
	(*seg).size += size
	return nil
}

func (w *Writer) shouldRotate(seg *segment, now time.Time, nextSize int64) bool {
	if seg == nil {
		return true
	}
	if seg.size+nextSize > w.cfg.SegmentMaxBytes {
		return true
	}
	if w.cfg.SegmentMaxDuration > 0 && now.Sub(seg.openedAt) >= w.cfg.SegmentMaxDuration {
		return true
	}
	return false
}

func (w *Writer) openSegment(segID *uint64, now time.Time) (*segment, error) {
	ts := now.Format("20060102-150405")
	for {
		*segID = *segID + 1
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, ts, *segID, segmentExt)
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

func (w *Writer) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	logs.Errorf("journal writer stopped, err: %+v", err)
	w.err.Store(err)
}

func closeSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}
