package demo

import (
	"context"
	"testing"
	"time"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine/packfile"
	"github.com/basekick-labs/arcplay/internal/metrics"
	"github.com/basekick-labs/arcplay/internal/playback"
	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoRecordingPlays(t *testing.T) {
	codecs, err := codec.NewRegistry()
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Duration = 2 * time.Second
	data, err := Build(codecs, opts)
	require.NoError(t, err)

	mem := source.NewMemoryOpener()
	mem.Put("demo.pack", data)
	l, err := playback.Open(context.Background(), playback.Options{
		Name:    "demo.pack",
		Opener:  mem,
		Engine:  packfile.New(zerolog.Nop()),
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(zerolog.Nop()),
	})
	require.NoError(t, err)
	defer l.Close()

	layouts := map[string]string{}
	for _, ch := range l.Channels() {
		layouts[ch.Topic] = ch.Layout
	}
	assert.Equal(t, map[string]string{
		"/camera/image": topic.LayoutImageMono16.String(),
		"/events/log":   topic.LayoutText.String(),
		"/gps/speed":    topic.LayoutNumeric.String(),
		"/imu/accel":    topic.LayoutNumeric.String(),
	}, layouts)

	diags := l.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, "/meta/calibration", diags[0].Dataset)

	tr := l.TimeRange()
	require.True(t, tr.Valid)
	assert.Equal(t, opts.Start.UnixNano(), tr.Start)
	assert.Equal(t, opts.Start.Add(opts.Duration).UnixNano(), tr.End)

	it, err := l.CreateIterator(context.Background(), playback.IteratorArgs{})
	require.NoError(t, err)
	defer it.Close()
	count, last := 0, int64(0)
	for it.Next() {
		require.GreaterOrEqual(t, it.At().LogTime, last)
		last = it.At().LogTime
		count++
	}
	require.NoError(t, it.Err())
	// 21 gps + 101 imu + 5 frames + 4 log lines
	assert.Equal(t, 131, count)
}

func TestBuildRejectsEmptyDuration(t *testing.T) {
	codecs, err := codec.NewRegistry()
	require.NoError(t, err)
	_, err = Build(codecs, Options{})
	assert.Error(t, err)
}
