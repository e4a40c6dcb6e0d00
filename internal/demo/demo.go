// Package demo writes a synthetic recording in the pack format. It exercises
// every channel layout and the different ways a dataset can declare its
// time axis.
package demo

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/engine/packfile"
)

// Options shapes the recording.
type Options struct {
	Start    time.Time
	Duration time.Duration
	// Filter compresses the bulk datasets; empty means zstd.
	Filter string
	Seed   uint64
}

func DefaultOptions() Options {
	return Options{
		Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration: 10 * time.Second,
		Filter:   "zstd",
		Seed:     1,
	}
}

const (
	frameSide = 16
	logWidth  = 48
)

// Build returns the encoded file. codecs must contain the chosen filter.
func Build(codecs *codec.Registry, opts Options) ([]byte, error) {
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("demo duration must be positive, got %s", opts.Duration)
	}
	if opts.Filter == "" {
		opts.Filter = "zstd"
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	start := opts.Start.UnixNano()
	w := packfile.NewWriter(codecs)
	w.AddGroup("/meta")

	steps := func(hz float64) int { return int(opts.Duration.Seconds()*hz) + 1 }

	// GPS speed at 10 Hz, companion timestamps in nanoseconds.
	n := steps(10)
	speed := make([]float64, n)
	gpsTS := make([]int64, n)
	for i := range speed {
		speed[i] = 12 + 3*math.Sin(float64(i)/15) + rng.NormFloat64()*0.2
		gpsTS[i] = start + int64(i)*int64(100*time.Millisecond)
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/gps/speed", Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{uint64(n)},
		Filter: opts.Filter,
		Attrs:  map[string]engine.Attribute{"units": engine.StringAttr("m/s")},
	}, engine.PutFloat64s(speed)); err != nil {
		return nil, err
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/gps/speed.timestamp", Kind: engine.KindInteger, ElemSize: 8, Signed: true,
		Dims: []uint64{uint64(n)}, Filter: "lz4",
		Attrs: map[string]engine.Attribute{"units": engine.StringAttr("ns")},
	}, engine.PutInt64s(gpsTS)); err != nil {
		return nil, err
	}

	// IMU acceleration at 50 Hz as float32 triples, timestamps in
	// microseconds.
	n = steps(50)
	accel := make([]float32, 0, 3*n)
	imuTS := make([]int64, n)
	for i := 0; i < n; i++ {
		accel = append(accel, float32(rng.NormFloat64()*0.05), float32(rng.NormFloat64()*0.05), float32(9.81+rng.NormFloat64()*0.02))
		imuTS[i] = start/1000 + int64(i)*20_000
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/imu/accel", Kind: engine.KindFloat, ElemSize: 4, Dims: []uint64{uint64(n), 3},
		Filter: "s2",
	}, engine.PutFloat32s(accel)); err != nil {
		return nil, err
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/imu/accel.timestamp", Kind: engine.KindInteger, ElemSize: 8, Signed: true,
		Dims: []uint64{uint64(n)}, Filter: "snappy",
		Attrs: map[string]engine.Attribute{"units": engine.StringAttr("us")},
	}, engine.PutInt64s(imuTS)); err != nil {
		return nil, err
	}

	// Camera frames at 2 Hz on a dimension scale in float seconds.
	n = steps(2)
	pixels := make([]uint16, 0, n*frameSide*frameSide)
	frameTime := make([]float64, n)
	for f := 0; f < n; f++ {
		for y := 0; y < frameSide; y++ {
			for x := 0; x < frameSide; x++ {
				pixels = append(pixels, uint16((x+y+f*4)%frameSide)*4096)
			}
		}
		frameTime[f] = float64(start)/1e9 + float64(f)*0.5
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/camera/image", Kind: engine.KindInteger, ElemSize: 2,
		Dims: []uint64{uint64(n), frameSide, frameSide}, Filter: opts.Filter, RecordsPerChunk: 4,
		Attrs: map[string]engine.Attribute{"DIMENSION_LIST": engine.RefAttr("/camera/frame_time", "", "")},
	}, engine.PutUint16s(pixels)); err != nil {
		return nil, err
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/camera/frame_time", Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{uint64(n)},
		Attrs: map[string]engine.Attribute{
			"CLASS": engine.StringAttr("DIMENSION_SCALE"),
			"units": engine.StringAttr("seconds since 1970-01-01"),
		},
	}, engine.PutFloat64s(frameTime)); err != nil {
		return nil, err
	}

	// A sparse text log with millisecond timestamps; two entries share one.
	events := []struct {
		at  time.Duration
		msg string
	}{
		{0, "recording started"},
		{opts.Duration / 3, "waypoint reached"},
		{opts.Duration / 3, "speed limit changed"},
		{opts.Duration, "recording stopped"},
	}
	text := make([]byte, 0, len(events)*logWidth)
	logTS := make([]int64, len(events))
	for i, e := range events {
		text = append(text, engine.PutString(e.msg, logWidth)...)
		logTS[i] = (start + int64(e.at)) / int64(time.Millisecond)
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/events/log", Kind: engine.KindString, ElemSize: logWidth, Dims: []uint64{uint64(len(events))},
	}, text); err != nil {
		return nil, err
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/events/log.timestamp", Kind: engine.KindInteger, ElemSize: 8, Signed: true,
		Dims:  []uint64{uint64(len(events))},
		Attrs: map[string]engine.Attribute{"units": engine.StringAttr("ms")},
	}, engine.PutInt64s(logTS)); err != nil {
		return nil, err
	}

	// Static data without a time axis; reported, never played.
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/meta/calibration", Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{3, 3},
	}, engine.PutFloat64s([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})); err != nil {
		return nil, err
	}
	if err := w.AddDataset(packfile.DatasetSpec{
		Name: "/gps/speed.parameters", Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{2},
	}, engine.PutFloat64s([]float64{0.1, 0.2})); err != nil {
		return nil, err
	}

	return w.Bytes()
}
