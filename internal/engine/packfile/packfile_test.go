package packfile

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/basekick-labs/arcplay/internal/vfs"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func allCodecs(t *testing.T) *codec.Registry {
	t.Helper()
	r, err := codec.NewRegistry()
	require.NoError(t, err)
	return r
}

func buildSample(t *testing.T) []byte {
	t.Helper()
	w := NewWriter(allCodecs(t))
	w.AddGroup("/empty")

	require.NoError(t, w.AddDataset(DatasetSpec{
		Name: "/imu/accel", Kind: engine.KindFloat, ElemSize: 8,
		Dims: []uint64{5, 3}, Filter: "zstd", RecordsPerChunk: 2,
		Attrs: map[string]engine.Attribute{"units": engine.StringAttr("m/s^2")},
	}, engine.PutFloat64s([]float64{0, 1, 2, 10, 11, 12, 20, 21, 22, 30, 31, 32, 40, 41, 42})))

	require.NoError(t, w.AddDataset(DatasetSpec{
		Name: "imu/accel.timestamp", Kind: engine.KindInteger, ElemSize: 8, Signed: true,
		Dims: []uint64{5}, Filter: "lz4",
	}, engine.PutInt64s([]int64{100, 200, 200, 300, 400})))

	b, err := w.Bytes()
	require.NoError(t, err)
	return b
}

func openBytes(t *testing.T, data []byte, codecs *codec.Registry) (engine.File, error) {
	t.Helper()
	mem := source.NewMemoryOpener()
	mem.Put("sample.pack", data)
	return New(zerolog.Nop()).Open(context.Background(), vfs.Register(mem), codecs, "sample.pack")
}

func TestOpenAndEnumerate(t *testing.T) {
	f, err := openBytes(t, buildSample(t), allCodecs(t))
	require.NoError(t, err)
	defer f.Close()

	objs, err := f.Objects(context.Background())
	require.NoError(t, err)

	var names []string
	for _, o := range objs {
		names = append(names, o.Name+":"+o.Kind.String())
	}
	assert.Equal(t, []string{
		"/empty:group",
		"/imu:group",
		"/imu/accel:dataset",
		"/imu/accel.timestamp:dataset",
	}, names)

	accel := objs[2].Dataset
	require.NotNil(t, accel)
	assert.Equal(t, engine.KindFloat, accel.Kind)
	assert.Equal(t, []uint64{5, 3}, accel.Dims)
	units, ok := accel.Attr("units")
	require.True(t, ok)
	assert.Equal(t, "m/s^2", units.Str)
}

func TestReadSliceAcrossChunks(t *testing.T) {
	f, err := openBytes(t, buildSample(t), allCodecs(t))
	require.NoError(t, err)
	defer f.Close()

	for i, want := range [][]float64{{0, 1, 2}, {10, 11, 12}, {20, 21, 22}, {30, 31, 32}, {40, 41, 42}} {
		buf, err := f.ReadSlice(context.Background(), "/imu/accel", uint64(i))
		require.NoError(t, err)
		assert.Equal(t, []uint64{3}, buf.Dims)
		got, err := buf.Float64s()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = f.ReadSlice(context.Background(), "/imu/accel", 5)
	assert.ErrorIs(t, err, engine.ErrOutOfRange)

	_, err = f.ReadSlice(context.Background(), "/nope", 0)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestReadAll(t *testing.T) {
	f, err := openBytes(t, buildSample(t), allCodecs(t))
	require.NoError(t, err)
	defer f.Close()

	buf, err := f.ReadAll(context.Background(), "/imu/accel.timestamp")
	require.NoError(t, err)
	ts, err := buf.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 200, 300, 400}, ts)
}

func TestOpenRejectsNonPackData(t *testing.T) {
	_, err := openBytes(t, []byte("not an array file"), allCodecs(t))
	assert.ErrorIs(t, err, engine.ErrFormat)

	_, err = openBytes(t, nil, allCodecs(t))
	assert.ErrorIs(t, err, engine.ErrFormat)
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	data := buildSample(t)
	_, err := openBytes(t, data[:len(data)-10], allCodecs(t))
	assert.ErrorIs(t, err, engine.ErrFormat)
}

func TestCorruptCatalog(t *testing.T) {
	data := buildSample(t)
	data[len(data)-1] ^= 0xff
	_, err := openBytes(t, data, allCodecs(t))
	assert.ErrorIs(t, err, engine.ErrFormat)
	assert.ErrorIs(t, err, engine.ErrChecksum)
}

func TestOverflowingCatalogBounds(t *testing.T) {
	data := buildSample(t)
	catOff := binary.LittleEndian.Uint64(data[16:])
	binary.LittleEndian.PutUint64(data[24:], ^uint64(0)-catOff+11)

	var err error
	assert.NotPanics(t, func() { _, err = openBytes(t, data, allCodecs(t)) })
	assert.ErrorIs(t, err, engine.ErrFormat)
}

// rewriteCatalog re-encodes the catalog of a pack after edit and fixes up
// the superblock so the result still passes the checksum.
func rewriteCatalog(t *testing.T, data []byte, edit func(*catalog)) []byte {
	t.Helper()
	sb, err := parseSuperblock(data)
	require.NoError(t, err)

	var cat catalog
	require.NoError(t, msgpack.Unmarshal(data[sb.catalogOff:sb.catalogOff+sb.catalogLen], &cat))
	edit(&cat)
	raw, err := msgpack.Marshal(&cat)
	require.NoError(t, err)

	out := append([]byte(nil), data[:sb.catalogOff]...)
	out = append(out, raw...)
	sb.catalogLen = uint64(len(raw))
	sb.catalogSum = xxhash.Sum64(raw)
	sb.fileLen = uint64(len(out))
	copy(out, sb.marshal())
	return out
}

func TestMalformedDatasetGeometry(t *testing.T) {
	tests := []struct {
		name string
		edit func(d *datasetEntry)
	}{
		{"chunk offset wraps", func(d *datasetEntry) {
			d.Chunks[0].Offset = ^uint64(0) - 5
			d.Chunks[0].Length = 10
		}},
		{"chunk length wraps", func(d *datasetEntry) {
			d.Chunks[0].Length = ^uint64(0) - d.Chunks[0].Offset + 1
		}},
		{"record shape overflows", func(d *datasetEntry) { d.Dims[1] = 1 << 62 }},
		{"record larger than a chunk", func(d *datasetEntry) { d.Dims[1] = 1 << 30 }},
		{"raw length disagrees with shape", func(d *datasetEntry) { d.Chunks[0].RawLength = 1 << 40 }},
		{"leading extent huge", func(d *datasetEntry) { d.Dims[0] = ^uint64(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := rewriteCatalog(t, buildSample(t), func(c *catalog) {
				for i := range c.Datasets {
					if c.Datasets[i].Name == "/imu/accel" {
						tt.edit(&c.Datasets[i])
					}
				}
			})
			var err error
			assert.NotPanics(t, func() { _, err = openBytes(t, data, allCodecs(t)) })
			assert.ErrorIs(t, err, engine.ErrFormat)
		})
	}
}

func TestRewrittenCatalogStillOpens(t *testing.T) {
	data := rewriteCatalog(t, buildSample(t), func(*catalog) {})
	f, err := openBytes(t, data, allCodecs(t))
	require.NoError(t, err)
	defer f.Close()

	buf, err := f.ReadAll(context.Background(), "/imu/accel.timestamp")
	require.NoError(t, err)
	ts, err := buf.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 200, 300, 400}, ts)
}

func TestCorruptChunk(t *testing.T) {
	data := buildSample(t)
	data[superblockSize] ^= 0xff
	f, err := openBytes(t, data, allCodecs(t))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadSlice(context.Background(), "/imu/accel", 0)
	assert.ErrorIs(t, err, engine.ErrChecksum)
}

func TestMissingCodec(t *testing.T) {
	onlySnappy, err := codec.NewRegistry("snappy")
	require.NoError(t, err)

	f, err := openBytes(t, buildSample(t), onlySnappy)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadSlice(context.Background(), "/imu/accel", 0)
	assert.ErrorIs(t, err, codec.ErrUnknownFilter)
}

func TestUnknownTypeClassOpens(t *testing.T) {
	w := NewWriter(allCodecs(t))
	require.NoError(t, w.AddDataset(DatasetSpec{
		Name: "/future", Kind: engine.KindUnsupported, ClassCode: 42, ElemSize: 1, Dims: []uint64{2},
	}, []byte{1, 2}))
	b, err := w.Bytes()
	require.NoError(t, err)

	f, err := openBytes(t, b, allCodecs(t))
	require.NoError(t, err)
	objs, err := f.Objects(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, engine.KindUnsupported, objs[0].Dataset.Kind)
}

func TestWriterValidation(t *testing.T) {
	w := NewWriter(allCodecs(t))
	spec := DatasetSpec{Name: "/a", Kind: engine.KindInteger, ElemSize: 8, Dims: []uint64{2}}

	assert.Error(t, w.AddDataset(spec, make([]byte, 8)))
	require.NoError(t, w.AddDataset(spec, make([]byte, 16)))
	assert.Error(t, w.AddDataset(spec, make([]byte, 16)), "duplicate")

	spec.Name, spec.Filter = "/b", "lzf"
	assert.ErrorIs(t, w.AddDataset(spec, make([]byte, 16)), codec.ErrUnknownFilter)
}

func TestOpenRequiresRegistration(t *testing.T) {
	_, err := New(zerolog.Nop()).Open(context.Background(), nil, allCodecs(t), "x")
	assert.Error(t, err)
}
