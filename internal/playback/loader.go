// Package playback serves an array file as a time-ordered message stream.
// A Loader owns the open file and its channel catalog; iterators and
// backfill queries read through it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/message"
	"github.com/basekick-labs/arcplay/internal/metrics"
	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/basekick-labs/arcplay/internal/vfs"
	"github.com/rs/zerolog"
)

// DefaultWindow is the span of timestamps decoded per merge step.
const DefaultWindow = time.Second

var (
	// ErrDecode wraps failures to materialize a record.
	ErrDecode = errors.New("decode failed")

	// ErrUnknownChannel is returned for channel ids not in the catalog.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidRange is returned when start is after end.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrClosed is returned by operations on a closed loader.
	ErrClosed = errors.New("loader closed")
)

// Options configures Open.
type Options struct {
	// Name is resolved by Opener.
	Name   string
	Opener source.Opener
	Engine engine.Engine

	// Codecs enables compression filters by name; empty enables all.
	Codecs []string

	// Window bounds how much of the timeline one merge step decodes.
	Window time.Duration

	Topic           topic.Options
	MessageEncoding string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// ChannelInfo is the catalog entry reported to hosts.
type ChannelInfo struct {
	ID                    uint16            `json:"id"`
	Topic                 string            `json:"topic"`
	SchemaName            string            `json:"schema_name"`
	MessageEncoding       string            `json:"message_encoding"`
	EstimatedMessageCount uint64            `json:"estimated_message_count"`
	Layout                string            `json:"layout"`
	Dims                  []uint64          `json:"dims"`
	TimestampDataset      string            `json:"timestamp_dataset"`
	Stats                 topic.PeriodStats `json:"stats"`
}

// TimeRange is the inclusive span of indexed timestamps. Valid is false
// when no channel holds any record.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Valid bool  `json:"valid"`
}

// Loader is an open file ready for playback. It is not safe for concurrent
// use; callers serialize access, including access through its iterators.
type Loader struct {
	name    string
	driver  *vfs.Driver
	file    engine.File
	catalog *topic.Catalog
	encoder *message.Encoder
	window  int64
	logger  zerolog.Logger
	metrics *metrics.Metrics
	closed  bool
}

// Open registers the codecs and the storage driver, opens the file through
// the engine and builds the channel catalog.
func Open(ctx context.Context, opts Options) (*Loader, error) {
	if opts.Opener == nil || opts.Engine == nil {
		return nil, errors.New("playback: opener and engine are required")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Get()
	}
	logger := opts.Logger.With().Str("component", "playback").Str("file", opts.Name).Logger()

	window := int64(opts.Window)
	if window <= 0 {
		window = int64(DefaultWindow)
	}
	enc, err := message.NewEncoder(opts.MessageEncoding)
	if err != nil {
		return nil, err
	}

	codecs, err := codec.NewRegistry(opts.Codecs...)
	if err != nil {
		return nil, err
	}
	drv := vfs.Register(opts.Opener,
		vfs.WithName(opts.Opener.Type()),
		vfs.WithLogger(opts.Logger),
		vfs.WithObserver(m),
	)

	file, err := opts.Engine.Open(ctx, drv, codecs, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Name, err)
	}

	topicOpts := withTopicDefaults(opts.Topic)
	topicOpts.Logger = opts.Logger
	cat, err := topic.Build(ctx, file, topicOpts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("index %s: %w", opts.Name, err)
	}

	m.IncFilesOpened()
	m.AddChannels(len(cat.Channels), len(cat.Diagnostics))

	l := &Loader{
		name:    opts.Name,
		driver:  drv,
		file:    file,
		catalog: cat,
		encoder: enc,
		window:  window,
		logger:  logger,
		metrics: m,
	}
	tr := l.TimeRange()
	logger.Info().
		Str("engine", opts.Engine.Name()).
		Int("channels", len(cat.Channels)).
		Int("diagnostics", len(cat.Diagnostics)).
		Int64("start", tr.Start).
		Int64("end", tr.End).
		Msg("File loaded")
	return l, nil
}

// withTopicDefaults fills unset discovery options.
func withTopicDefaults(o topic.Options) topic.Options {
	d := topic.DefaultOptions()
	if o.TimestampSuffix == "" {
		o.TimestampSuffix = d.TimestampSuffix
	}
	if o.AuxSuffixes == nil {
		o.AuxSuffixes = d.AuxSuffixes
	}
	if o.TimeHint == "" {
		o.TimeHint = d.TimeHint
	}
	if o.DefaultUnit == "" {
		o.DefaultUnit = d.DefaultUnit
	}
	if o.ImageHints == nil {
		o.ImageHints = d.ImageHints
	}
	return o
}

// Channels returns the catalog in id order.
func (l *Loader) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, len(l.catalog.Channels))
	for _, ch := range l.catalog.Channels {
		out = append(out, ChannelInfo{
			ID:                    ch.ID,
			Topic:                 ch.Topic,
			SchemaName:            message.SchemaName(ch.Layout),
			MessageEncoding:       l.encoder.Encoding(),
			EstimatedMessageCount: uint64(ch.Index.Records()),
			Layout:                ch.Layout.String(),
			Dims:                  ch.Dataset.Dims,
			TimestampDataset:      ch.TimestampDataset,
			Stats:                 ch.Stats,
		})
	}
	return out
}

func (l *Loader) TimeRange() TimeRange {
	start, end, ok := l.catalog.TimeRange()
	return TimeRange{Start: start, End: end, Valid: ok}
}

// Diagnostics lists the datasets that were not turned into channels.
func (l *Loader) Diagnostics() []topic.Diagnostic {
	return l.catalog.Diagnostics
}

// MessageEncoding is the payload encoding of every message.
func (l *Loader) MessageEncoding() string { return l.encoder.Encoding() }

// Lookup returns the id of the channel with the given topic.
func (l *Loader) Lookup(topicName string) (uint16, bool) {
	for _, ch := range l.catalog.Channels {
		if ch.Topic == topicName {
			return ch.ID, true
		}
	}
	return 0, false
}

// Topic returns the topic of channel id, or "" if there is none.
func (l *Loader) Topic(id uint16) string {
	if ch, ok := l.catalog.Channel(id); ok {
		return ch.Topic
	}
	return ""
}

// Window is the merge window in nanoseconds.
func (l *Loader) Window() int64 { return l.window }

// Driver exposes the storage driver, mainly for its counters.
func (l *Loader) Driver() *vfs.Driver { return l.driver }

// Close releases the file. Iterators must not be used afterwards.
func (l *Loader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.logger.Debug().Msg("Closing file")
	return l.file.Close()
}

// selectChannels resolves ids to channels in ascending id order, without
// duplicates. No ids selects every channel.
func (l *Loader) selectChannels(ids []uint16) ([]*topic.Channel, error) {
	set := roaring.New()
	if len(ids) == 0 {
		set.AddRange(0, uint64(len(l.catalog.Channels)))
	}
	for _, id := range ids {
		if _, ok := l.catalog.Channel(id); !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
		}
		set.Add(uint32(id))
	}

	out := make([]*topic.Channel, 0, set.GetCardinality())
	it := set.Iterator()
	for it.HasNext() {
		ch, _ := l.catalog.Channel(uint16(it.Next()))
		out = append(out, ch)
	}
	return out, nil
}

// decode materializes one record as a message stamped with ts.
func (l *Loader) decode(ctx context.Context, ch *topic.Channel, record uint64, ts int64) (message.Message, error) {
	buf, err := l.file.ReadSlice(ctx, ch.Topic, record)
	if err != nil {
		l.metrics.IncDecodeErrors()
		return message.Message{}, fmt.Errorf("%w: %s[%d]: %w", ErrDecode, ch.Topic, record, err)
	}
	data, err := l.encoder.Encode(ch.Layout, buf)
	if err != nil {
		l.metrics.IncDecodeErrors()
		return message.Message{}, fmt.Errorf("%w: %s[%d]: %w", ErrDecode, ch.Topic, record, err)
	}
	return message.Message{ChannelID: ch.ID, LogTime: ts, PublishTime: ts, Data: data}, nil
}

// Backfill returns, per channel, every record at the latest timestamp not
// after t, stamped with that timestamp. Channels without earlier data
// contribute nothing. Iterator state is not affected.
func (l *Loader) Backfill(ctx context.Context, ids []uint16, t int64) ([]message.Message, error) {
	if l.closed {
		return nil, ErrClosed
	}
	channels, err := l.selectChannels(ids)
	if err != nil {
		return nil, err
	}

	var out []message.Message
	for _, ch := range channels {
		ts, records, ok := ch.Index.LatestAtOrBefore(t)
		if !ok {
			continue
		}
		for _, rec := range records {
			msg, err := l.decode(ctx, ch, rec, ts)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
	}

	l.metrics.IncBackfill(len(out))
	l.logger.Debug().Int64("time", t).Int("channels", len(channels)).Int("messages", len(out)).Msg("Backfill")
	return out, nil
}

// IteratorArgs selects what an iterator plays. Start is inclusive and End
// exclusive; nil bounds cover the whole file.
type IteratorArgs struct {
	Channels []uint16
	Start    *int64
	End      *int64
}

func (l *Loader) bounds(args IteratorArgs) (int64, int64, error) {
	start, end := int64(math.MinInt64), int64(math.MaxInt64)
	if tr := l.TimeRange(); tr.Valid {
		start = tr.Start
		if tr.End < math.MaxInt64 {
			end = tr.End + 1
		}
	}
	if args.Start != nil {
		start = *args.Start
	}
	if args.End != nil {
		end = *args.End
	}
	if start > end {
		return 0, 0, fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, start, end)
	}
	return start, end, nil
}
