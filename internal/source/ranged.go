package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// fetchFunc returns up to n bytes of the object starting at off.
type fetchFunc func(ctx context.Context, off, n int64) ([]byte, error)

// rangeReader presents a ranged-fetch API as a Reader. Bytes are fetched one
// aligned block at a time and the last block is kept, so the small metadata
// reads an array engine issues do not each become a network round trip.
//
// Every fetch runs under the context given to Open, not the context of the
// operation that triggered the read. Callers open files with a context that
// lives as long as the file; cancelling it fails all later reads.
type rangeReader struct {
	ctx       context.Context
	size      int64
	blockSize int64
	fetch     fetchFunc

	pos      int64
	block    []byte
	blockOff int64
	closed   bool
}

func newRangeReader(ctx context.Context, size, blockSize int64, fetch fetchFunc) *rangeReader {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &rangeReader{ctx: ctx, size: size, blockSize: blockSize, fetch: fetch, blockOff: -1}
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	if r.blockOff < 0 || r.pos < r.blockOff || r.pos >= r.blockOff+int64(len(r.block)) {
		start := r.pos - r.pos%r.blockSize
		n := min(r.blockSize, r.size-start)
		data, err := r.fetch(r.ctx, start, n)
		if err != nil {
			// The position is left untouched so the read can be retried.
			return 0, err
		}
		r.block, r.blockOff = data, start
		if r.pos >= r.blockOff+int64(len(r.block)) {
			return 0, io.ErrUnexpectedEOF
		}
	}

	n := copy(p, r.block[r.pos-r.blockOff:])
	r.pos += int64(n)
	return n, nil
}

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("source: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("source: negative position")
	}
	r.pos = abs
	return abs, nil
}

func (r *rangeReader) Size() int64 { return r.size }

func (r *rangeReader) Close() error {
	r.closed = true
	r.block = nil
	return nil
}
