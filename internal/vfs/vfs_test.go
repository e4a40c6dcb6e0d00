package vfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader records seeks and can trickle bytes or fail on demand.
type scriptedReader struct {
	*bytes.Reader
	seeks   int
	maxRead int
	failAt  int // fail the Nth read (1-based); 0 disables
	reads   int
	closed  bool
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	r.reads++
	if r.failAt > 0 && r.reads == r.failAt {
		return 0, errors.New("disk on fire")
	}
	if r.maxRead > 0 && len(p) > r.maxRead {
		p = p[:r.maxRead]
	}
	return r.Reader.Read(p)
}

func (r *scriptedReader) Seek(off int64, whence int) (int64, error) {
	r.seeks++
	return r.Reader.Seek(off, whence)
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

type scriptedOpener struct{ r *scriptedReader }

func (o *scriptedOpener) Open(context.Context, string) (source.Reader, error) { return o.r, nil }
func (o *scriptedOpener) Type() string                                         { return "scripted" }
func (o *scriptedOpener) Close() error                                         { return nil }

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func openScripted(t *testing.T, data []byte) (*File, *scriptedReader) {
	t.Helper()
	r := &scriptedReader{Reader: bytes.NewReader(data)}
	f, err := Register(&scriptedOpener{r: r}).Open(context.Background(), "test")
	require.NoError(t, err)
	return f, r
}

func TestReadPastEndIsZeroFilled(t *testing.T) {
	data := seq(100)
	f, _ := openScripted(t, data)

	buf := bytes.Repeat([]byte{0xff}, 20)
	require.NoError(t, f.Read(MemDefault, 90, buf))

	assert.Equal(t, data[90:], buf[:10])
	assert.Equal(t, make([]byte, 10), buf[10:])
	assert.Equal(t, int64(1), f.driver.Stats().ShortReads.Load())
}

func TestReadEntirelyPastEnd(t *testing.T) {
	f, _ := openScripted(t, seq(10))

	buf := bytes.Repeat([]byte{0xaa}, 8)
	require.NoError(t, f.Read(MemSuper, 512, buf))
	assert.Equal(t, make([]byte, 8), buf)
}

func TestReadLoopsOverShortReaderReads(t *testing.T) {
	data := seq(64)
	f, r := openScripted(t, data)
	r.maxRead = 3

	buf := make([]byte, 40)
	require.NoError(t, f.Read(MemRaw, 5, buf))
	assert.Equal(t, data[5:45], buf)
	assert.Equal(t, int64(40), f.driver.Stats().BytesRead.Load())
}

func TestSequentialReadsDoNotSeek(t *testing.T) {
	data := seq(50)
	f, r := openScripted(t, data)

	buf := make([]byte, 10)
	require.NoError(t, f.Read(MemDefault, 0, buf))
	require.NoError(t, f.Read(MemDefault, 10, buf))
	require.NoError(t, f.Read(MemDefault, 20, buf))
	assert.Equal(t, data[20:30], buf)
	assert.Equal(t, 1, r.seeks, "only the first read positions the reader")

	require.NoError(t, f.Read(MemDefault, 5, buf))
	assert.Equal(t, data[5:15], buf)
	assert.Equal(t, 2, r.seeks)
	assert.Equal(t, int64(2), f.driver.Stats().Seeks.Load())
}

func TestHardErrorFailsAndForcesReseek(t *testing.T) {
	data := seq(50)
	f, r := openScripted(t, data)
	r.failAt = 2
	r.maxRead = 4

	buf := make([]byte, 10)
	err := f.Read(MemDefault, 0, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, int64(1), f.driver.Stats().IOErrors.Load())

	seeks := r.seeks
	require.NoError(t, f.Read(MemDefault, 0, buf))
	assert.Equal(t, data[:10], buf)
	assert.Equal(t, seeks+1, r.seeks)
}

func TestWriteAlwaysFails(t *testing.T) {
	f, _ := openScripted(t, seq(4))
	assert.ErrorIs(t, f.Write(MemDefault, 0, []byte{1}), ErrReadOnly)
}

func TestAllocationBookkeeping(t *testing.T) {
	f, _ := openScripted(t, seq(100))

	assert.Equal(t, uint64(0), f.EOA(MemDefault))
	assert.Equal(t, uint64(100), f.EOF(MemDefault))

	require.NoError(t, f.SetEOA(MemDefault, 4096))
	assert.Equal(t, uint64(4096), f.EOA(MemDefault))
	assert.Equal(t, uint64(100), f.EOF(MemDefault), "physical size is independent of EOA")
}

func TestCloseReleasesReader(t *testing.T) {
	f, r := openScripted(t, seq(4))

	require.NoError(t, f.Close())
	assert.True(t, r.closed)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.Read(MemDefault, 0, make([]byte, 1)), ErrClosed)
	assert.ErrorIs(t, f.SetEOA(MemDefault, 1), ErrClosed)
}

func TestOpenMissing(t *testing.T) {
	d := Register(source.NewMemoryOpener(), WithName("mem"))
	assert.Equal(t, "mem", d.Name())

	_, err := d.Open(context.Background(), "absent")
	assert.ErrorIs(t, err, source.ErrNotFound)
}

type recordingObserver struct {
	bytes, seeks, shorts, errs int64
}

func (o *recordingObserver) ObserveRead(n int64, seeked, short bool) {
	o.bytes += n
	if seeked {
		o.seeks++
	}
	if short {
		o.shorts++
	}
}
func (o *recordingObserver) ObserveIOError() { o.errs++ }

func TestObserverReceivesReads(t *testing.T) {
	mem := source.NewMemoryOpener()
	mem.Put("x", seq(16))
	obs := &recordingObserver{}
	f, err := Register(mem, WithObserver(obs)).Open(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, f.Read(MemDefault, 8, make([]byte, 16)))
	assert.Equal(t, int64(8), obs.bytes)
	assert.Equal(t, int64(1), obs.seeks)
	assert.Equal(t, int64(1), obs.shorts)
}

var _ io.ReadSeeker = (*scriptedReader)(nil)
