// Package topic discovers playable channels in an array file and builds
// their timestamp indexes.
package topic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/caio/go-tdigest/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrUnresolvedTimestamp means a dataset has no usable time axis.
	ErrUnresolvedTimestamp = errors.New("unresolved timestamp")

	// ErrUnsupportedType means a dataset's element kind has no decoder.
	ErrUnsupportedType = errors.New("unsupported type")
)

// Attribute names with special meaning.
const (
	AttrDimensionList = "DIMENSION_LIST"
	AttrClass         = "CLASS"
	AttrUnits         = "units"

	dimensionScale = "DIMENSION_SCALE"
)

// Options tunes discovery.
type Options struct {
	// TimestampSuffix names a dataset's companion timestamp array.
	TimestampSuffix string
	// AuxSuffixes mark datasets that are never channels themselves.
	AuxSuffixes []string
	// TimeHint must appear in the name of a dimension-scale dataset for it
	// to be taken as the time axis.
	TimeHint string
	// DefaultUnit applies to timestamp arrays without a units attribute.
	DefaultUnit string
	ImageHints  []string
	Logger      zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		TimestampSuffix: ".timestamp",
		AuxSuffixes:     []string{".timestamp", ".parameters"},
		TimeHint:        "time",
		DefaultUnit:     "ns",
		ImageHints:      DefaultImageHints,
		Logger:          zerolog.Nop(),
	}
}

// Diagnostic explains why a dataset was not turned into a channel.
type Diagnostic struct {
	Dataset string
	Err     error
	Message string
	Hint    string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s", d.Dataset, d.Message)
}

func (d Diagnostic) Unwrap() error { return d.Err }

// PeriodStats summarizes the spacing between consecutive timestamps.
type PeriodStats struct {
	MedianNanos int64   `json:"median_period_ns"`
	P99Nanos    int64   `json:"p99_period_ns"`
	RateHz      float64 `json:"rate_hz"`
}

// Channel is one playable dataset.
type Channel struct {
	ID               uint16
	Topic            string
	Dataset          *engine.DatasetInfo
	TimestampDataset string
	Layout           Layout
	Index            *Index
	Stats            PeriodStats
}

// Catalog is the outcome of discovery. It is immutable.
type Catalog struct {
	Channels    []*Channel
	Diagnostics []Diagnostic

	start, end int64
	hasData    bool
}

// Channel returns the channel with the given id.
func (c *Catalog) Channel(id uint16) (*Channel, bool) {
	if int(id) >= len(c.Channels) {
		return nil, false
	}
	return c.Channels[id], true
}

// TimeRange is the inclusive span of all indexed timestamps.
func (c *Catalog) TimeRange() (start, end int64, ok bool) {
	return c.start, c.end, c.hasData
}

// Build enumerates the file and indexes every playable dataset. Datasets
// that cannot be played are reported as diagnostics; only failures to read
// the file itself are returned as errors.
func Build(ctx context.Context, file engine.File, opts Options) (*Catalog, error) {
	objs, err := file.Objects(ctx)
	if err != nil {
		return nil, err
	}

	b := &builder{
		file:     file,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "topic").Logger(),
		datasets: make(map[string]*engine.DatasetInfo),
		scales:   make(map[string]struct{}),
		cat:      &Catalog{},
	}
	var names []string
	for _, o := range objs {
		if o.Kind == engine.ObjectDataset && o.Dataset != nil {
			b.datasets[o.Name] = o.Dataset
			names = append(names, o.Name)
		}
	}
	for _, info := range b.datasets {
		if a, ok := info.Attr(AttrDimensionList); ok && a.Kind == engine.AttrReference {
			for _, ref := range a.Refs {
				if ref != "" {
					b.scales[path.Clean("/"+ref)] = struct{}{}
				}
			}
		}
	}

	for _, name := range names {
		if err := b.consider(ctx, b.datasets[name]); err != nil {
			return nil, err
		}
	}

	for _, d := range b.cat.Diagnostics {
		b.logger.Warn().
			Str("dataset", d.Dataset).
			Str("hint", d.Hint).
			Msg(d.Message)
	}
	start, end, _ := b.cat.TimeRange()
	b.logger.Info().
		Int("channels", len(b.cat.Channels)).
		Int("skipped", len(b.cat.Diagnostics)).
		Int64("start", start).
		Int64("end", end).
		Msg("Built topic catalog")
	return b.cat, nil
}

type builder struct {
	file     engine.File
	opts     Options
	logger   zerolog.Logger
	datasets map[string]*engine.DatasetInfo
	scales   map[string]struct{}
	cat      *Catalog
}

func (b *builder) skip(info *engine.DatasetInfo, err error, hint, format string, args ...any) {
	b.cat.Diagnostics = append(b.cat.Diagnostics, Diagnostic{
		Dataset: info.Name,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
	})
}

func (b *builder) auxiliary(info *engine.DatasetInfo) bool {
	for _, s := range b.opts.AuxSuffixes {
		if s != "" && strings.HasSuffix(info.Name, s) {
			return true
		}
	}
	if a, ok := info.Attr(AttrClass); ok && a.Str == dimensionScale {
		return true
	}
	_, referenced := b.scales[info.Name]
	return referenced
}

// timeAxis finds the timestamp dataset for info. A dimension reference
// whose target looks like a time axis wins over the name convention.
func (b *builder) timeAxis(info *engine.DatasetInfo) (name, hint string, err error) {
	if a, ok := info.Attr(AttrDimensionList); ok && a.Kind == engine.AttrReference {
		for dim, ref := range a.Refs {
			if ref == "" || !strings.Contains(strings.ToLower(path.Base(ref)), strings.ToLower(b.opts.TimeHint)) {
				continue
			}
			ref = path.Clean("/" + ref)
			if _, ok := b.datasets[ref]; !ok {
				return "", "repair the DIMENSION_LIST reference",
					fmt.Errorf("dimension %d refers to missing dataset %s", dim, ref)
			}
			if dim != 0 {
				return "", "attach the time scale to dimension 0",
					fmt.Errorf("time axis %s is attached to dimension %d, not the leading dimension", ref, dim)
			}
			return ref, "", nil
		}
	}

	companion := info.Name + b.opts.TimestampSuffix
	if _, ok := b.datasets[companion]; ok {
		return companion, "", nil
	}
	return "", fmt.Sprintf("add a %s%s dataset or attach a time dimension scale", path.Base(info.Name), b.opts.TimestampSuffix),
		errors.New("no timestamp dataset found")
}

func (b *builder) consider(ctx context.Context, info *engine.DatasetInfo) error {
	if b.auxiliary(info) {
		return nil
	}

	layout := Classify(info, b.opts.ImageHints)
	if layout == LayoutUnsupported {
		b.skip(info, ErrUnsupportedType, "convert the dataset to a numeric or string type",
			"element type %s (%d bytes) cannot be decoded", info.Kind, info.ElemSize)
		return nil
	}
	if len(info.Dims) == 0 {
		b.skip(info, ErrUnresolvedTimestamp, "store records along the first dimension",
			"dataset is a scalar, so no record dimension exists")
		return nil
	}

	tsName, hint, reason := b.timeAxis(info)
	if reason != nil {
		b.skip(info, ErrUnresolvedTimestamp, hint, "%v", reason)
		return nil
	}

	ts := b.datasets[tsName]
	if len(ts.Dims) != 1 || !ts.Kind.Numeric() {
		b.skip(info, ErrUnresolvedTimestamp, "store timestamps as a one-dimensional numeric array",
			"timestamp dataset %s has kind %s and %d dimensions", tsName, ts.Kind, len(ts.Dims))
		return nil
	}
	if ts.Dims[0] != info.Records() {
		b.skip(info, ErrUnresolvedTimestamp, "write one timestamp per record",
			"timestamp dataset %s has %d entries for %d records", tsName, ts.Dims[0], info.Records())
		return nil
	}

	unit := b.opts.DefaultUnit
	if a, ok := ts.Attr(AttrUnits); ok && a.Str != "" {
		unit = a.Str
	}
	scale, err := UnitScale(unit)
	if err != nil {
		b.skip(info, ErrUnresolvedTimestamp, "set the units attribute to ns, us, ms or s", "%v", err)
		return nil
	}

	buf, err := b.file.ReadAll(ctx, tsName)
	if err != nil {
		return fmt.Errorf("read timestamps %s: %w", tsName, err)
	}
	nanos, err := ToNanos(buf, scale)
	if err != nil {
		b.skip(info, ErrUnresolvedTimestamp, "store timestamps as nanoseconds since the epoch", "%s: %v", tsName, err)
		return nil
	}

	if len(b.cat.Channels) > math.MaxUint16 {
		b.skip(info, ErrUnsupportedType, "split the file", "channel limit of %d reached", math.MaxUint16+1)
		return nil
	}

	idx := NewIndex(nanos)
	ch := &Channel{
		ID:               uint16(len(b.cat.Channels)),
		Topic:            info.Name,
		Dataset:          info,
		TimestampDataset: tsName,
		Layout:           layout,
		Index:            idx,
		Stats:            periodStats(idx),
	}
	b.cat.Channels = append(b.cat.Channels, ch)

	if lo, ok := idx.Min(); ok {
		hi, _ := idx.Max()
		if !b.cat.hasData || lo < b.cat.start {
			b.cat.start = lo
		}
		if !b.cat.hasData || hi > b.cat.end {
			b.cat.end = hi
		}
		b.cat.hasData = true
	}

	b.logger.Debug().
		Str("topic", ch.Topic).
		Uint16("id", ch.ID).
		Str("layout", layout.String()).
		Int("records", idx.Records()).
		Msg("Indexed channel")
	return nil
}

// periodStats estimates the distribution of gaps between distinct
// timestamps.
func periodStats(idx *Index) PeriodStats {
	keys := idx.Keys()
	if len(keys) < 2 {
		return PeriodStats{}
	}
	td, err := tdigest.New()
	if err != nil {
		return PeriodStats{}
	}
	for i := 1; i < len(keys); i++ {
		if err := td.AddWeighted(float64(keys[i]-keys[i-1]), 1); err != nil {
			return PeriodStats{}
		}
	}
	s := PeriodStats{
		MedianNanos: int64(td.Quantile(0.5)),
		P99Nanos:    int64(td.Quantile(0.99)),
	}
	if s.MedianNanos > 0 {
		s.RateHz = 1e9 / float64(s.MedianNanos)
	}
	return s
}
