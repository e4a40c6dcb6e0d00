package source

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryOpener serves in-memory objects. It is used by tests and by hosts
// that already hold the file bytes.
type MemoryOpener struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{files: make(map[string][]byte)}
}

// Put stores data under name, replacing any previous object.
func (o *MemoryOpener) Put(name string, data []byte) {
	o.mu.Lock()
	o.files[name] = data
	o.mu.Unlock()
}

func (o *MemoryOpener) Open(_ context.Context, name string) (Reader, error) {
	o.mu.RLock()
	data, ok := o.files[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return NewBytesReader(data), nil
}

func (o *MemoryOpener) Type() string { return "memory" }

func (o *MemoryOpener) Close() error { return nil }

// NewBytesReader wraps data as a Reader.
func NewBytesReader(data []byte) Reader {
	return &bytesReader{Reader: bytes.NewReader(data)}
}

type bytesReader struct {
	*bytes.Reader
	closed bool
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	return r.Reader.Read(p)
}

func (r *bytesReader) Close() error {
	r.closed = true
	return nil
}
