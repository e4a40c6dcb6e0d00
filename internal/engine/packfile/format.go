// Package packfile is an array file engine for the pack container: a fixed
// superblock, compressed record chunks and a msgpack catalog describing
// datasets, attributes and chunk locations.
//
// Layout:
//
//	0   superblock (48 bytes)
//	48  chunk data, each chunk compressed with a codec filter
//	... catalog (msgpack), located by the superblock
package packfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/basekick-labs/arcplay/internal/engine"
)

const (
	superblockSize = 48
	version        = 1

	// probeSize is how much is read at offset 0 on open. It is larger than
	// the superblock, so tiny files are read past their end.
	probeSize = 512

	// maxChunkBytes bounds the uncompressed size of one chunk.
	maxChunkBytes = 256 << 20
)

var magic = [8]byte{0x89, 'A', 'P', 'K', '\r', '\n', 0x1a, '\n'}

type superblock struct {
	version    uint16
	flags      uint16
	catalogOff uint64
	catalogLen uint64
	catalogSum uint64
	fileLen    uint64
}

func (s superblock) marshal() []byte {
	b := make([]byte, superblockSize)
	copy(b, magic[:])
	binary.LittleEndian.PutUint16(b[8:], s.version)
	binary.LittleEndian.PutUint16(b[10:], s.flags)
	binary.LittleEndian.PutUint64(b[16:], s.catalogOff)
	binary.LittleEndian.PutUint64(b[24:], s.catalogLen)
	binary.LittleEndian.PutUint64(b[32:], s.catalogSum)
	binary.LittleEndian.PutUint64(b[40:], s.fileLen)
	return b
}

func parseSuperblock(b []byte) (superblock, error) {
	if len(b) < superblockSize || [8]byte(b[:8]) != magic {
		return superblock{}, fmt.Errorf("%w: missing pack signature", engine.ErrFormat)
	}
	s := superblock{
		version:    binary.LittleEndian.Uint16(b[8:]),
		flags:      binary.LittleEndian.Uint16(b[10:]),
		catalogOff: binary.LittleEndian.Uint64(b[16:]),
		catalogLen: binary.LittleEndian.Uint64(b[24:]),
		catalogSum: binary.LittleEndian.Uint64(b[32:]),
		fileLen:    binary.LittleEndian.Uint64(b[40:]),
	}
	if s.version != version {
		return superblock{}, fmt.Errorf("%w: unsupported pack version %d", engine.ErrFormat, s.version)
	}
	if s.catalogOff < superblockSize || s.catalogOff > s.fileLen || s.catalogLen > s.fileLen-s.catalogOff {
		return superblock{}, fmt.Errorf("%w: catalog [%d,+%d) outside file of %d bytes",
			engine.ErrFormat, s.catalogOff, s.catalogLen, s.fileLen)
	}
	return s, nil
}

type catalog struct {
	Groups   []string       `msgpack:"groups"`
	Datasets []datasetEntry `msgpack:"datasets"`
}

type datasetEntry struct {
	Name            string       `msgpack:"name"`
	Class           int          `msgpack:"class"`
	ElemSize        int          `msgpack:"elem_size"`
	Signed          bool         `msgpack:"signed"`
	Dims            []uint64     `msgpack:"dims"`
	RecordsPerChunk uint64       `msgpack:"records_per_chunk"`
	Attrs           []attrEntry  `msgpack:"attrs,omitempty"`
	Chunks          []chunkEntry `msgpack:"chunks"`
}

type attrEntry struct {
	Name string   `msgpack:"name"`
	Kind int      `msgpack:"kind"`
	Str  string   `msgpack:"str,omitempty"`
	Refs []string `msgpack:"refs,omitempty"`
	Raw  string   `msgpack:"raw,omitempty"`
}

type chunkEntry struct {
	Offset    uint64 `msgpack:"off"`
	Length    uint64 `msgpack:"len"`
	RawLength uint64 `msgpack:"raw"`
	Filter    uint16 `msgpack:"filter"`
	Sum       uint64 `msgpack:"sum"`
}

func (d *datasetEntry) info() *engine.DatasetInfo {
	info := &engine.DatasetInfo{
		Name:     d.Name,
		Kind:     engine.KindFromCode(d.Class),
		ElemSize: d.ElemSize,
		Signed:   d.Signed,
		Dims:     append([]uint64(nil), d.Dims...),
		Attrs:    make(map[string]engine.Attribute, len(d.Attrs)),
	}
	for _, a := range d.Attrs {
		info.Attrs[a.Name] = engine.Attribute{
			Kind: engine.AttrKind(a.Kind),
			Str:  a.Str,
			Refs: append([]string(nil), a.Refs...),
			Raw:  a.Raw,
		}
	}
	return info
}

// validate checks that the chunks cover every record, lie within the file
// and decode to the size their records need.
func (d *datasetEntry) validate(fileLen uint64) error {
	if len(d.Dims) == 0 {
		return fmt.Errorf("%w: dataset %s has no dimensions", engine.ErrFormat, d.Name)
	}
	if d.ElemSize <= 0 {
		return fmt.Errorf("%w: dataset %s has element size %d", engine.ErrFormat, d.Name, d.ElemSize)
	}
	rb, ok := d.recordBytes()
	if !ok || rb > maxChunkBytes {
		return fmt.Errorf("%w: dataset %s has records larger than %d bytes", engine.ErrFormat, d.Name, maxChunkBytes)
	}

	records, per := d.Dims[0], d.RecordsPerChunk
	if records == 0 {
		if len(d.Chunks) != 0 {
			return fmt.Errorf("%w: dataset %s has %d chunks, want 0", engine.ErrFormat, d.Name, len(d.Chunks))
		}
		return nil
	}
	if per == 0 {
		return fmt.Errorf("%w: dataset %s has no chunking", engine.ErrFormat, d.Name)
	}
	if hi, lo := bits.Mul64(min(per, records), rb); hi != 0 || lo > maxChunkBytes {
		return fmt.Errorf("%w: dataset %s chunks exceed %d bytes", engine.ErrFormat, d.Name, maxChunkBytes)
	}

	want := records / per
	if records%per != 0 {
		want++
	}
	if uint64(len(d.Chunks)) != want {
		return fmt.Errorf("%w: dataset %s has %d chunks, want %d", engine.ErrFormat, d.Name, len(d.Chunks), want)
	}
	for i, c := range d.Chunks {
		if c.Offset < superblockSize || c.Offset > fileLen || c.Length > fileLen-c.Offset {
			return fmt.Errorf("%w: dataset %s chunk %d outside file", engine.ErrFormat, d.Name, i)
		}
		n := min(per, records-uint64(i)*per)
		if c.RawLength != n*rb {
			return fmt.Errorf("%w: dataset %s chunk %d holds %d bytes, want %d",
				engine.ErrFormat, d.Name, i, c.RawLength, n*rb)
		}
	}
	return nil
}

// recordBytes is the size of one record. It reports false when the shape
// overflows.
func (d *datasetEntry) recordBytes() (uint64, bool) {
	n := uint64(d.ElemSize)
	for _, dim := range d.Dims[1:] {
		hi, lo := bits.Mul64(n, dim)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// totalBytes is the size of the whole dataset. It reports false when it
// does not fit in memory.
func (d *datasetEntry) totalBytes() (uint64, bool) {
	rb, ok := d.recordBytes()
	if !ok {
		return 0, false
	}
	hi, lo := bits.Mul64(d.Dims[0], rb)
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return lo, true
}
