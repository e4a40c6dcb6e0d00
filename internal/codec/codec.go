// Package codec holds the compression filters an array engine may find on
// dataset chunks. Filters are registered explicitly into a Registry that the
// engine receives when a file is opened.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Filter ids. Values above 32000 follow the registered third-party filter
// range used by array file formats.
const (
	IDNone   uint16 = 0
	IDLZF    uint16 = 32000
	IDLZ4    uint16 = 32004
	IDZstd   uint16 = 32015
	IDS2     uint16 = 32100
	IDSnappy uint16 = 32101
)

var (
	// ErrUnknownFilter is returned for ids or names with no registered filter.
	ErrUnknownFilter = errors.New("codec: unknown filter")

	// ErrCorrupt is returned when a chunk does not decode to its recorded size.
	ErrCorrupt = errors.New("codec: corrupt chunk")
)

// Filter compresses and decompresses whole chunks.
type Filter interface {
	ID() uint16
	Name() string
	Encode(src []byte) ([]byte, error)
	// Decode returns exactly rawLen bytes or an error.
	Decode(src []byte, rawLen int) ([]byte, error)
}

// Registry maps ids and names to filters. It is built once and read-only
// afterwards.
type Registry struct {
	byID   map[uint16]Filter
	byName map[string]Filter
}

// builtins lists the filters NewRegistry can enable by name.
var builtins = map[string]func() (Filter, error){
	"none":   func() (Filter, error) { return noneFilter{}, nil },
	"zstd":   newZstdFilter,
	"s2":     func() (Filter, error) { return s2Filter{}, nil },
	"snappy": func() (Filter, error) { return snappyFilter{}, nil },
	"lz4":    func() (Filter, error) { return lz4Filter{}, nil },
}

// Available returns the names NewRegistry accepts.
func Available() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegistry enables the named built-in filters. With no names every
// built-in is enabled. "none" is always present.
func NewRegistry(names ...string) (*Registry, error) {
	if len(names) == 0 {
		names = Available()
	}
	r := &Registry{byID: make(map[uint16]Filter), byName: make(map[string]Filter)}
	r.add(noneFilter{})

	for _, name := range names {
		mk, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
		}
		f, err := mk()
		if err != nil {
			return nil, fmt.Errorf("codec %s: %w", name, err)
		}
		r.add(f)
	}
	return r, nil
}

// Register adds a filter, replacing any filter with the same id.
func (r *Registry) Register(f Filter) { r.add(f) }

func (r *Registry) add(f Filter) {
	r.byID[f.ID()] = f
	r.byName[f.Name()] = f
}

func (r *Registry) Lookup(id uint16) (Filter, error) {
	if f, ok := r.byID[id]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownFilter, id)
}

func (r *Registry) LookupName(name string) (Filter, error) {
	if f, ok := r.byName[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
}

// Names lists the enabled filters in name order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkLen(name string, out []byte, rawLen int) ([]byte, error) {
	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: %s produced %d bytes, want %d", ErrCorrupt, name, len(out), rawLen)
	}
	return out, nil
}

type noneFilter struct{}

func (noneFilter) ID() uint16   { return IDNone }
func (noneFilter) Name() string { return "none" }

func (noneFilter) Encode(src []byte) ([]byte, error) { return src, nil }

func (noneFilter) Decode(src []byte, rawLen int) ([]byte, error) {
	return checkLen("none", src, rawLen)
}
