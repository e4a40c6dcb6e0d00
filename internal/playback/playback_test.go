package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/engine/packfile"
	"github.com/basekick-labs/arcplay/internal/message"
	"github.com/basekick-labs/arcplay/internal/metrics"
	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/basekick-labs/arcplay/internal/vfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPack writes one integer channel per series, named /ch<i>. Record r
// of channel i holds the values [r, i].
func buildPack(series [][]int64, extra func(w *packfile.Writer) error) ([]byte, error) {
	codecs, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	w := packfile.NewWriter(codecs)
	for i, ts := range series {
		if len(ts) == 0 {
			continue
		}
		values := make([]int64, 0, 2*len(ts))
		for r := range ts {
			values = append(values, int64(r), int64(i))
		}
		name := fmt.Sprintf("/ch%d", i)
		if err := w.AddDataset(packfile.DatasetSpec{
			Name: name, Kind: engine.KindInteger, ElemSize: 8, Signed: true,
			Dims: []uint64{uint64(len(ts)), 2}, Filter: "zstd", RecordsPerChunk: 3,
		}, engine.PutInt64s(values)); err != nil {
			return nil, err
		}
		if err := w.AddDataset(packfile.DatasetSpec{
			Name: name + ".timestamp", Kind: engine.KindInteger, ElemSize: 8, Signed: true,
			Dims: []uint64{uint64(len(ts))},
		}, engine.PutInt64s(ts)); err != nil {
			return nil, err
		}
	}
	if extra != nil {
		if err := extra(w); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}

func openPack(data []byte, eng engine.Engine, window time.Duration, m *metrics.Metrics) (*Loader, error) {
	mem := source.NewMemoryOpener()
	mem.Put("test.pack", data)
	if eng == nil {
		eng = packfile.New(zerolog.Nop())
	}
	if m == nil {
		m = metrics.New(zerolog.Nop())
	}
	return Open(context.Background(), Options{
		Name:    "test.pack",
		Opener:  mem,
		Engine:  eng,
		Window:  window,
		Logger:  zerolog.Nop(),
		Metrics: m,
	})
}

func newLoader(t *testing.T, series [][]int64) *Loader {
	t.Helper()
	data, err := buildPack(series, nil)
	require.NoError(t, err)
	l, err := openPack(data, nil, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

type played struct {
	Channel uint16
	Time    int64
	Record  int64
}

func recordOf(msg message.Message) (int64, error) {
	var arr struct {
		Data []int64 `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &arr); err != nil {
		return 0, err
	}
	if len(arr.Data) != 2 || arr.Data[1] != int64(msg.ChannelID) {
		return 0, fmt.Errorf("unexpected payload %s", msg.Data)
	}
	return arr.Data[0], nil
}

func drain(it *Iterator) ([]played, error) {
	defer it.Close()
	var out []played
	for it.Next() {
		msg := it.At()
		rec, err := recordOf(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, played{msg.ChannelID, msg.LogTime, rec})
	}
	return out, it.Err()
}

func playAll(t *testing.T, l *Loader, args IteratorArgs) []played {
	t.Helper()
	it, err := l.CreateIterator(context.Background(), args)
	require.NoError(t, err)
	out, err := drain(it)
	require.NoError(t, err)
	return out
}

func ptr(v int64) *int64 { return &v }

func TestLoaderCatalog(t *testing.T) {
	l := newLoader(t, [][]int64{{10, 20, 30}, {5, 25}})

	chans := l.Channels()
	require.Len(t, chans, 2)
	assert.Equal(t, uint16(0), chans[0].ID)
	assert.Equal(t, "/ch0", chans[0].Topic)
	assert.Equal(t, message.SchemaNumericArray, chans[0].SchemaName)
	assert.Equal(t, message.EncodingJSON, chans[0].MessageEncoding)
	assert.Equal(t, uint64(3), chans[0].EstimatedMessageCount)
	assert.Equal(t, "/ch0.timestamp", chans[0].TimestampDataset)
	assert.Equal(t, "/ch1", chans[1].Topic)
	assert.Equal(t, "/ch1", l.Topic(1))
	assert.Empty(t, l.Topic(2))

	assert.Equal(t, TimeRange{Start: 5, End: 30, Valid: true}, l.TimeRange())
	assert.Empty(t, l.Diagnostics())
}

func TestIteratorMergesChannels(t *testing.T) {
	l := newLoader(t, [][]int64{{10, 20, 30}, {5, 20, 25}})

	got := playAll(t, l, IteratorArgs{})
	assert.Equal(t, []played{
		{1, 5, 0},
		{0, 10, 0},
		{0, 20, 1},
		{1, 20, 1},
		{1, 25, 2},
		{0, 30, 2},
	}, got)
}

func TestIteratorKeepsRecordOrderWithinTimestamp(t *testing.T) {
	l := newLoader(t, [][]int64{{7, 7, 3, 7}})

	got := playAll(t, l, IteratorArgs{})
	assert.Equal(t, []played{{0, 3, 2}, {0, 7, 0}, {0, 7, 1}, {0, 7, 3}}, got)
}

func TestIteratorBounds(t *testing.T) {
	l := newLoader(t, [][]int64{{0, 10, 20}})

	got := playAll(t, l, IteratorArgs{End: ptr(20)})
	assert.Equal(t, []played{{0, 0, 0}, {0, 10, 1}}, got)

	got = playAll(t, l, IteratorArgs{Start: ptr(10)})
	assert.Equal(t, []played{{0, 10, 1}, {0, 20, 2}}, got)

	got = playAll(t, l, IteratorArgs{Start: ptr(11), End: ptr(20)})
	assert.Empty(t, got)

	got = playAll(t, l, IteratorArgs{Start: ptr(10), End: ptr(10)})
	assert.Empty(t, got)
}

func TestIteratorSkipsGaps(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	data, err := buildPack([][]int64{{0, int64(time.Hour), int64(48 * time.Hour)}}, nil)
	require.NoError(t, err)
	l, err := openPack(data, nil, time.Second, m)
	require.NoError(t, err)
	defer l.Close()

	got := playAll(t, l, IteratorArgs{})
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), m.Snapshot()["windows_scanned_total"])
}

func TestIteratorChannelSubset(t *testing.T) {
	l := newLoader(t, [][]int64{{1, 2}, {1, 2}, {1, 2}})

	got := playAll(t, l, IteratorArgs{Channels: []uint16{2, 0, 2}})
	assert.Equal(t, []played{{0, 1, 0}, {2, 1, 0}, {0, 2, 1}, {2, 2, 1}}, got)

	_, err := l.CreateIterator(context.Background(), IteratorArgs{Channels: []uint16{9}})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestIteratorRejectsInvertedRange(t *testing.T) {
	l := newLoader(t, [][]int64{{1, 2}})
	_, err := l.CreateIterator(context.Background(), IteratorArgs{Start: ptr(5), End: ptr(1)})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestIteratorHonorsContext(t *testing.T) {
	l := newLoader(t, [][]int64{{1, 2}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it, err := l.CreateIterator(ctx, IteratorArgs{})
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestIteratorCloseIsIdempotent(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	data, err := buildPack([][]int64{{1}}, nil)
	require.NoError(t, err)
	l, err := openPack(data, nil, 0, m)
	require.NoError(t, err)
	defer l.Close()

	it, err := l.CreateIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID())
	assert.Equal(t, int64(1), m.Snapshot()["iterators_active"])

	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
	assert.Equal(t, int64(0), m.Snapshot()["iterators_active"])
}

// failingEngine wraps the pack engine and fails one record of one dataset.
type failingEngine struct {
	engine.Engine
	dataset string
	record  uint64
}

type failingFile struct {
	engine.File
	dataset string
	record  uint64
}

func (e failingEngine) Open(ctx context.Context, drv *vfs.Driver, codecs *codec.Registry, name string) (engine.File, error) {
	f, err := e.Engine.Open(ctx, drv, codecs, name)
	if err != nil {
		return nil, err
	}
	return failingFile{File: f, dataset: e.dataset, record: e.record}, nil
}

func (f failingFile) ReadSlice(ctx context.Context, dataset string, index uint64) (*engine.Buffer, error) {
	if dataset == f.dataset && index == f.record {
		return nil, vfs.ErrIO
	}
	return f.File.ReadSlice(ctx, dataset, index)
}

func TestIteratorStopsOnDecodeError(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	data, err := buildPack([][]int64{{1, 2, 3}, {1, 5}}, nil)
	require.NoError(t, err)
	eng := failingEngine{Engine: packfile.New(zerolog.Nop()), dataset: "/ch0", record: 1}
	l, err := openPack(data, eng, time.Nanosecond, m)
	require.NoError(t, err)
	defer l.Close()

	it, err := l.CreateIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	got, err := drain(it)

	assert.Equal(t, []played{{0, 1, 0}, {1, 1, 0}}, got)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, vfs.ErrIO)
	assert.False(t, it.Next())
	assert.Equal(t, int64(1), m.Snapshot()["decode_errors_total"])
}

// The default end bound is max+1, which cannot exceed MaxInt64, so a
// record stamped MaxInt64 is only reachable through backfill.
func TestDefaultEndSaturatesAtMaxInt64(t *testing.T) {
	l := newLoader(t, [][]int64{{1, math.MaxInt64}})

	assert.Equal(t, []played{{0, 1, 0}}, playAll(t, l, IteratorArgs{}))
	assert.Equal(t, []played{{0, 1, 0}}, playAll(t, l, IteratorArgs{End: ptr(math.MaxInt64)}))

	msgs, err := l.Backfill(context.Background(), nil, math.MaxInt64)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(math.MaxInt64), msgs[0].LogTime)
}

func TestBackfill(t *testing.T) {
	l := newLoader(t, [][]int64{{2, 5, 9}, {4, 4, 8}})
	ctx := context.Background()

	msgs, err := l.Backfill(ctx, []uint16{0}, 7)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].LogTime)
	assert.Equal(t, int64(5), msgs[0].PublishTime)
	rec, err := recordOf(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec)

	msgs, err = l.Backfill(ctx, []uint16{0}, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].LogTime)

	msgs, err = l.Backfill(ctx, []uint16{0}, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = l.Backfill(ctx, []uint16{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint16(0), msgs[0].ChannelID)
	assert.Equal(t, int64(5), msgs[0].LogTime)
	assert.Equal(t, uint16(1), msgs[1].ChannelID)
	assert.Equal(t, int64(4), msgs[1].LogTime)
	assert.Equal(t, int64(4), msgs[2].LogTime)

	_, err = l.Backfill(ctx, []uint16{3}, 5)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestBackfillDoesNotDisturbIterator(t *testing.T) {
	l := newLoader(t, [][]int64{{1, 2, 3}})
	it, err := l.CreateIterator(context.Background(), IteratorArgs{})
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next())
	_, err = l.Backfill(context.Background(), nil, 3)
	require.NoError(t, err)

	var times []int64
	for it.Next() {
		times = append(times, it.At().LogTime)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int64{2, 3}, times)
}

func TestOrphanDatasetIsReported(t *testing.T) {
	data, err := buildPack([][]int64{{1, 2}}, func(w *packfile.Writer) error {
		return w.AddDataset(packfile.DatasetSpec{
			Name: "/orphan", Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{2},
		}, engine.PutFloat64s([]float64{1, 2}))
	})
	require.NoError(t, err)
	l, err := openPack(data, nil, 0, nil)
	require.NoError(t, err)
	defer l.Close()

	require.Len(t, l.Channels(), 1)
	diags := l.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, "/orphan", diags[0].Dataset)
	assert.ErrorIs(t, diags[0], topic.ErrUnresolvedTimestamp)
}

func TestOpenWithoutChannels(t *testing.T) {
	data, err := buildPack(nil, nil)
	require.NoError(t, err)
	l, err := openPack(data, nil, 0, nil)
	require.NoError(t, err)
	defer l.Close()

	assert.Empty(t, l.Channels())
	assert.False(t, l.TimeRange().Valid)
	assert.Empty(t, playAll(t, l, IteratorArgs{}))
}

func TestOpenErrors(t *testing.T) {
	_, err := openPack([]byte("definitely not a pack file"), nil, 0, nil)
	assert.ErrorIs(t, err, engine.ErrFormat)

	mem := source.NewMemoryOpener()
	_, err = Open(context.Background(), Options{Name: "missing", Opener: mem, Engine: packfile.New(zerolog.Nop())})
	assert.ErrorIs(t, err, source.ErrNotFound)

	_, err = Open(context.Background(), Options{Name: "x"})
	assert.Error(t, err)
}

func TestClosedLoader(t *testing.T) {
	data, err := buildPack([][]int64{{1}}, nil)
	require.NoError(t, err)
	l, err := openPack(data, nil, 0, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.CreateIterator(context.Background(), IteratorArgs{})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = l.Backfill(context.Background(), nil, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
