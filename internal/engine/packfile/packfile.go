package packfile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/vfs"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Engine opens pack files.
type Engine struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "packfile").Logger()}
}

func (e *Engine) Name() string { return "pack" }

// Open reads and validates the superblock and catalog. Chunk data is read
// lazily by ReadSlice and ReadAll.
func (e *Engine) Open(ctx context.Context, drv *vfs.Driver, codecs *codec.Registry, name string) (engine.File, error) {
	if drv == nil {
		return nil, errors.New("packfile: open requires a registered vfs driver")
	}
	if codecs == nil {
		return nil, errors.New("packfile: open requires a codec registry")
	}

	h, err := drv.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	f := &File{h: h, codecs: codecs, logger: e.logger.With().Str("file", name).Logger()}
	if err := f.load(); err != nil {
		h.Close()
		return nil, err
	}

	f.logger.Debug().
		Int("datasets", len(f.datasets)).
		Uint64("size", h.EOF(vfs.MemDefault)).
		Msg("Opened pack file")
	return f, nil
}

// File is an open pack file.
type File struct {
	h      *vfs.File
	codecs *codec.Registry
	logger zerolog.Logger

	groups   []string
	datasets map[string]*datasetEntry
	objects  []engine.Object

	// Last decoded chunk. Records are usually read in order, so most
	// reads hit it.
	cacheName  string
	cacheIndex int
	cacheData  []byte
}

func (f *File) load() error {
	if err := f.h.SetEOA(vfs.MemSuper, superblockSize); err != nil {
		return err
	}
	probe := make([]byte, probeSize)
	if err := f.h.Read(vfs.MemSuper, 0, probe); err != nil {
		return err
	}
	sb, err := parseSuperblock(probe)
	if err != nil {
		return err
	}
	if physical := f.h.EOF(vfs.MemDefault); sb.fileLen > physical {
		return fmt.Errorf("%w: truncated file: superblock records %d bytes, found %d",
			engine.ErrFormat, sb.fileLen, physical)
	}
	if err := f.h.SetEOA(vfs.MemDefault, sb.fileLen); err != nil {
		return err
	}

	raw, err := f.readAt(vfs.MemObjectHeader, sb.catalogOff, sb.catalogLen)
	if err != nil {
		return err
	}
	if xxhash.Sum64(raw) != sb.catalogSum {
		return fmt.Errorf("%w: catalog: %w", engine.ErrFormat, engine.ErrChecksum)
	}

	var cat catalog
	if err := msgpack.Unmarshal(raw, &cat); err != nil {
		return fmt.Errorf("%w: catalog: %v", engine.ErrFormat, err)
	}

	f.datasets = make(map[string]*datasetEntry, len(cat.Datasets))
	groups := make(map[string]struct{})
	for _, g := range cat.Groups {
		groups[cleanName(g)] = struct{}{}
	}
	for i := range cat.Datasets {
		d := &cat.Datasets[i]
		d.Name = cleanName(d.Name)
		if err := d.validate(sb.fileLen); err != nil {
			return err
		}
		if _, dup := f.datasets[d.Name]; dup {
			return fmt.Errorf("%w: duplicate dataset %s", engine.ErrFormat, d.Name)
		}
		f.datasets[d.Name] = d
		for dir := path.Dir(d.Name); dir != "/"; dir = path.Dir(dir) {
			groups[dir] = struct{}{}
		}
	}

	for g := range groups {
		if g != "/" {
			f.objects = append(f.objects, engine.Object{Name: g, Kind: engine.ObjectGroup})
		}
	}
	for _, d := range f.datasets {
		f.objects = append(f.objects, engine.Object{Name: d.Name, Kind: engine.ObjectDataset, Dataset: d.info()})
	}
	sort.Slice(f.objects, func(i, j int) bool { return f.objects[i].Name < f.objects[j].Name })
	return nil
}

// readAt reads n bytes at off, refusing addresses past the allocated end.
func (f *File) readAt(mem vfs.MemType, off, n uint64) ([]byte, error) {
	if eoa := f.h.EOA(mem); off > eoa || n > eoa-off {
		return nil, fmt.Errorf("%w: address %d+%d beyond allocated end %d", engine.ErrFormat, off, n, eoa)
	}
	buf := make([]byte, n)
	if err := f.h.Read(mem, off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *File) Objects(ctx context.Context) ([]engine.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]engine.Object, len(f.objects))
	copy(out, f.objects)
	return out, nil
}

func (f *File) dataset(name string) (*datasetEntry, error) {
	d, ok := f.datasets[cleanName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, name)
	}
	return d, nil
}

func (f *File) chunk(d *datasetEntry, i int) ([]byte, error) {
	if f.cacheName == d.Name && f.cacheIndex == i && f.cacheData != nil {
		return f.cacheData, nil
	}

	c := d.Chunks[i]
	raw, err := f.readAt(vfs.MemRaw, c.Offset, c.Length)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(raw) != c.Sum {
		return nil, fmt.Errorf("%s chunk %d: %w", d.Name, i, engine.ErrChecksum)
	}
	filter, err := f.codecs.Lookup(c.Filter)
	if err != nil {
		return nil, fmt.Errorf("%s chunk %d: %w", d.Name, i, err)
	}
	data, err := filter.Decode(raw, int(c.RawLength))
	if err != nil {
		return nil, fmt.Errorf("%s chunk %d: %w", d.Name, i, err)
	}

	f.cacheName, f.cacheIndex, f.cacheData = d.Name, i, data
	return data, nil
}

func (f *File) ReadSlice(ctx context.Context, name string, index uint64) (*engine.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := f.dataset(name)
	if err != nil {
		return nil, err
	}
	if index >= d.Dims[0] {
		return nil, fmt.Errorf("%w: %s[%d] of %d", engine.ErrOutOfRange, d.Name, index, d.Dims[0])
	}

	data, err := f.chunk(d, int(index/d.RecordsPerChunk))
	if err != nil {
		return nil, err
	}
	rb, _ := d.recordBytes()
	start := (index % d.RecordsPerChunk) * rb
	if start+rb > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s[%d] past end of chunk", engine.ErrFormat, d.Name, index)
	}

	rec := make([]byte, rb)
	copy(rec, data[start:start+rb])
	return &engine.Buffer{
		Kind:     engine.KindFromCode(d.Class),
		ElemSize: d.ElemSize,
		Signed:   d.Signed,
		Dims:     append([]uint64(nil), d.Dims[1:]...),
		Data:     rec,
	}, nil
}

func (f *File) ReadAll(ctx context.Context, name string) (*engine.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := f.dataset(name)
	if err != nil {
		return nil, err
	}

	total, ok := d.totalBytes()
	if !ok {
		return nil, fmt.Errorf("%w: %s is too large to read whole", engine.ErrFormat, d.Name)
	}

	out := make([]byte, 0, min(total, maxChunkBytes))
	for i := range d.Chunks {
		data, err := f.chunk(d, i)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint64(len(out)) != total {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", engine.ErrFormat, d.Name, len(out), total)
	}
	return &engine.Buffer{
		Kind:     engine.KindFromCode(d.Class),
		ElemSize: d.ElemSize,
		Signed:   d.Signed,
		Dims:     append([]uint64(nil), d.Dims...),
		Data:     out,
	}, nil
}

func (f *File) Close() error {
	f.cacheData = nil
	return f.h.Close()
}

func cleanName(name string) string {
	return path.Clean("/" + name)
}
