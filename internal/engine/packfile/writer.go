package packfile

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultChunkBytes is the target uncompressed chunk size.
const defaultChunkBytes = 64 * 1024

// DatasetSpec describes a dataset to write.
type DatasetSpec struct {
	Name     string
	Kind     engine.Kind
	ElemSize int
	Signed   bool
	Dims     []uint64
	Attrs    map[string]engine.Attribute

	// Filter names the codec applied to chunks. Empty means "none".
	Filter string

	// RecordsPerChunk overrides the chunking derived from defaultChunkBytes.
	RecordsPerChunk uint64

	// ClassCode is written instead of Kind's code when Kind is
	// KindUnsupported, to produce type classes this build does not know.
	ClassCode int
}

// Writer assembles a pack file in memory.
type Writer struct {
	codecs   *codec.Registry
	groups   []string
	datasets []datasetEntry
	chunks   bytes.Buffer
	names    map[string]struct{}
}

func NewWriter(codecs *codec.Registry) *Writer {
	return &Writer{codecs: codecs, names: make(map[string]struct{})}
}

// AddGroup records an explicit, possibly empty group.
func (w *Writer) AddGroup(name string) {
	w.groups = append(w.groups, cleanName(name))
}

// AddDataset appends a dataset. data holds every record back to back.
func (w *Writer) AddDataset(spec DatasetSpec, data []byte) error {
	name := cleanName(spec.Name)
	if _, dup := w.names[name]; dup {
		return fmt.Errorf("dataset %s already written", name)
	}
	if len(spec.Dims) == 0 || spec.ElemSize <= 0 {
		return fmt.Errorf("dataset %s needs dimensions and an element size", name)
	}

	filterName := spec.Filter
	if filterName == "" {
		filterName = "none"
	}
	filter, err := w.codecs.LookupName(filterName)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", name, err)
	}

	entry := datasetEntry{
		Name:     name,
		Class:    spec.Kind.Code(),
		ElemSize: spec.ElemSize,
		Signed:   spec.Signed,
		Dims:     append([]uint64(nil), spec.Dims...),
	}
	if spec.Kind == engine.KindUnsupported {
		entry.Class = spec.ClassCode
	}

	total, ok := entry.totalBytes()
	if !ok {
		return fmt.Errorf("dataset %s: shape %v is too large", name, spec.Dims)
	}
	if uint64(len(data)) != total {
		return fmt.Errorf("dataset %s: got %d bytes, want %d", name, len(data), total)
	}
	rb, _ := entry.recordBytes()

	entry.RecordsPerChunk = spec.RecordsPerChunk
	if entry.RecordsPerChunk == 0 {
		entry.RecordsPerChunk = max(1, defaultChunkBytes/max(rb, 1))
	}

	for start := uint64(0); start < spec.Dims[0]; start += entry.RecordsPerChunk {
		end := min(start+entry.RecordsPerChunk, spec.Dims[0])
		raw := data[start*rb : end*rb]
		enc, err := filter.Encode(raw)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", name, err)
		}
		entry.Chunks = append(entry.Chunks, chunkEntry{
			Offset:    uint64(superblockSize + w.chunks.Len()),
			Length:    uint64(len(enc)),
			RawLength: uint64(len(raw)),
			Filter:    filter.ID(),
			Sum:       xxhash.Sum64(enc),
		})
		w.chunks.Write(enc)
	}

	keys := make([]string, 0, len(spec.Attrs))
	for k := range spec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := spec.Attrs[k]
		entry.Attrs = append(entry.Attrs, attrEntry{Name: k, Kind: int(a.Kind), Str: a.Str, Refs: a.Refs, Raw: a.Raw})
	}

	w.names[name] = struct{}{}
	w.datasets = append(w.datasets, entry)
	return nil
}

// Bytes returns the finished file.
func (w *Writer) Bytes() ([]byte, error) {
	cat, err := msgpack.Marshal(&catalog{Groups: w.groups, Datasets: w.datasets})
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}

	catOff := uint64(superblockSize + w.chunks.Len())
	sb := superblock{
		version:    version,
		catalogOff: catOff,
		catalogLen: uint64(len(cat)),
		catalogSum: xxhash.Sum64(cat),
		fileLen:    catOff + uint64(len(cat)),
	}

	out := make([]byte, 0, sb.fileLen)
	out = append(out, sb.marshal()...)
	out = append(out, w.chunks.Bytes()...)
	out = append(out, cat...)
	return out, nil
}

// WriteTo writes the finished file to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	b, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(b)
	return int64(n), err
}
