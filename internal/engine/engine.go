// Package engine defines the contract between playback and an array file
// engine: object discovery, dimension and attribute introspection, and typed
// slice reads by record index. Engines read through a vfs.Driver.
package engine

import (
	"context"
	"errors"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/vfs"
)

var (
	// ErrFormat means the engine cannot make sense of the file structure.
	ErrFormat = errors.New("engine: malformed file")

	// ErrNotFound is returned for unknown dataset names.
	ErrNotFound = errors.New("engine: dataset not found")

	// ErrOutOfRange is returned for record indices past the leading extent.
	ErrOutOfRange = errors.New("engine: record index out of range")

	// ErrChecksum is returned when stored data fails verification.
	ErrChecksum = errors.New("engine: checksum mismatch")
)

// Engine opens files through a registered driver.
type Engine interface {
	Name() string
	Open(ctx context.Context, drv *vfs.Driver, codecs *codec.Registry, name string) (File, error)
}

// File is an open array file. Implementations are not safe for concurrent
// use; callers serialize access per file.
type File interface {
	// Objects enumerates every object in the file in name order.
	Objects(ctx context.Context) ([]Object, error)

	// ReadSlice reads record index along the leading dimension of a dataset.
	ReadSlice(ctx context.Context, dataset string, index uint64) (*Buffer, error)

	// ReadAll reads a whole dataset.
	ReadAll(ctx context.Context, dataset string) (*Buffer, error)

	Close() error
}

// ObjectKind classifies entries of the file hierarchy.
type ObjectKind int

const (
	ObjectUnknown ObjectKind = iota
	ObjectGroup
	ObjectDataset
	ObjectNamedType
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectGroup:
		return "group"
	case ObjectDataset:
		return "dataset"
	case ObjectNamedType:
		return "named-type"
	default:
		return "unknown"
	}
}

// Object is one entry of the hierarchy. Dataset is set for datasets only.
type Object struct {
	Name    string
	Kind    ObjectKind
	Dataset *DatasetInfo
}

// DatasetInfo describes a dataset.
type DatasetInfo struct {
	Name     string
	Kind     Kind
	ElemSize int
	Signed   bool
	Dims     []uint64
	Attrs    map[string]Attribute
}

// Records is the leading dimension extent.
func (d *DatasetInfo) Records() uint64 {
	if len(d.Dims) == 0 {
		return 0
	}
	return d.Dims[0]
}

// RecordShape is the shape of one record: every dimension but the first.
func (d *DatasetInfo) RecordShape() []uint64 {
	if len(d.Dims) <= 1 {
		return nil
	}
	return d.Dims[1:]
}

// RecordBytes is the size in bytes of one record.
func (d *DatasetInfo) RecordBytes() uint64 {
	n := uint64(d.ElemSize)
	for _, dim := range d.RecordShape() {
		n *= dim
	}
	return n
}

// Attr returns the named attribute.
func (d *DatasetInfo) Attr(name string) (Attribute, bool) {
	a, ok := d.Attrs[name]
	return a, ok
}
