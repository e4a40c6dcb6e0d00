// Package vfs adapts a source.Reader to the block-device contract an array
// file engine expects: sized reads at arbitrary offsets, end-of-allocation
// bookkeeping and a physical size. Files are read-only.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/rs/zerolog"
)

var (
	// ErrIO wraps hard failures of the underlying reader.
	ErrIO = errors.New("vfs: i/o error")

	// ErrReadOnly is returned by every write.
	ErrReadOnly = errors.New("vfs: driver is read-only")

	// ErrClosed is returned by operations on a closed file.
	ErrClosed = errors.New("vfs: file closed")
)

// MemType tells the driver what kind of data the engine is addressing. The
// adapter treats all types alike; it is carried for engines that care.
type MemType int

const (
	MemDefault MemType = iota
	MemSuper
	MemBTree
	MemRaw
	MemGlobalHeap
	MemLocalHeap
	MemObjectHeader
)

// Stats counts adapter activity. Counters are shared by all files opened
// through one Driver.
type Stats struct {
	Opens      atomic.Int64
	Reads      atomic.Int64
	Seeks      atomic.Int64
	ShortReads atomic.Int64
	BytesRead  atomic.Int64
	IOErrors   atomic.Int64
}

// Observer receives counter updates, typically the process metrics.
type Observer interface {
	ObserveRead(bytes int64, seeked, short bool)
	ObserveIOError()
}

// Driver is the registration token handed to an engine. It owns nothing but
// the opener and the counters; each Open produces an independent File.
type Driver struct {
	name     string
	opener   source.Opener
	logger   zerolog.Logger
	observer Observer
	stats    Stats
}

// Option configures a Driver.
type Option func(*Driver)

// WithName sets the driver name used in logs. The default is "reader".
func WithName(name string) Option { return func(d *Driver) { d.name = name } }

func WithLogger(logger zerolog.Logger) Option { return func(d *Driver) { d.logger = logger } }

func WithObserver(o Observer) Option { return func(d *Driver) { d.observer = o } }

// Register creates the driver for opener. It is the explicit setup step an
// engine requires before it can open anything.
func Register(opener source.Opener, opts ...Option) *Driver {
	d := &Driver{name: "reader", opener: opener, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "vfs").Str("driver", d.name).Logger()
	return d
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) Stats() *Stats { return &d.stats }

// Open resolves name through the opener and caches its size. The returned
// File owns the reader until Close.
func (d *Driver) Open(ctx context.Context, name string) (*File, error) {
	r, err := d.opener.Open(ctx, name)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, name, err)
	}
	size := r.Size()
	if size < 0 {
		r.Close()
		return nil, fmt.Errorf("%w: open %s: negative size %d", ErrIO, name, size)
	}

	d.stats.Opens.Add(1)
	d.logger.Debug().Str("name", name).Int64("size", size).Msg("Opened file")
	return &File{driver: d, name: name, reader: r, size: uint64(size)}, nil
}

// File is one open handle. It is not safe for concurrent use.
type File struct {
	driver *Driver
	name   string
	reader source.Reader
	size   uint64
	eoa    uint64

	// pos is the reader position as last observed. posValid is cleared
	// after a failed read, when the position is unknown.
	pos      uint64
	posValid bool
	closed   bool
}

func (f *File) Name() string { return f.name }

// Read fills buf with the bytes at offset. Bytes past the end of the data
// are zero and do not make the read fail; only a reader error does.
func (f *File) Read(_ MemType, offset uint64, buf []byte) error {
	if f.closed {
		return ErrClosed
	}
	clear(buf)
	if len(buf) == 0 {
		return nil
	}

	seeked := false
	if !f.posValid || f.pos != offset {
		if _, err := f.reader.Seek(int64(offset), io.SeekStart); err != nil {
			return f.fail(fmt.Errorf("%w: seek %s to %d: %v", ErrIO, f.name, offset, err))
		}
		f.pos, f.posValid = offset, true
		seeked = true
	}

	filled := 0
	for filled < len(buf) {
		n, err := f.reader.Read(buf[filled:])
		filled += n
		f.pos += uint64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return f.fail(fmt.Errorf("%w: read %s at %d: %v", ErrIO, f.name, offset, err))
		}
		if n == 0 {
			break
		}
	}

	short := filled < len(buf)
	s := &f.driver.stats
	s.Reads.Add(1)
	s.BytesRead.Add(int64(filled))
	if seeked {
		s.Seeks.Add(1)
	}
	if short {
		s.ShortReads.Add(1)
		f.driver.logger.Trace().
			Str("name", f.name).
			Uint64("offset", offset).
			Int("requested", len(buf)).
			Int("filled", filled).
			Msg("Short read zero-filled")
	}
	if f.driver.observer != nil {
		f.driver.observer.ObserveRead(int64(filled), seeked, short)
	}
	return nil
}

func (f *File) fail(err error) error {
	f.posValid = false
	f.driver.stats.IOErrors.Add(1)
	if f.driver.observer != nil {
		f.driver.observer.ObserveIOError()
	}
	f.driver.logger.Warn().Err(err).Str("name", f.name).Msg("Read failed")
	return err
}

// Write always fails.
func (f *File) Write(MemType, uint64, []byte) error { return ErrReadOnly }

// EOA returns the end-of-allocation address last set by the engine.
func (f *File) EOA(MemType) uint64 { return f.eoa }

func (f *File) SetEOA(_ MemType, addr uint64) error {
	if f.closed {
		return ErrClosed
	}
	f.eoa = addr
	return nil
}

// EOF returns the physical size captured at open.
func (f *File) EOF(MemType) uint64 { return f.size }

// Close releases the reader. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.reader.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, f.name, err)
	}
	return nil
}
