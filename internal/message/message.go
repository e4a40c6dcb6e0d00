// Package message turns decoded dataset records into message payloads.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/vmihailenco/msgpack/v5"
)

// Message encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Schema names reported in the channel catalog.
const (
	SchemaRawImage     = "arcplay.RawImage"
	SchemaNumericArray = "arcplay.NumericArray"
	SchemaText         = "arcplay.Text"
)

// Message is one timestamped record of a channel. It is not modified after
// it is produced.
type Message struct {
	ChannelID   uint16 `json:"channel_id"`
	LogTime     int64  `json:"log_time"`
	PublishTime int64  `json:"publish_time"`
	Data        []byte `json:"data"`
}

// RawImage is an uncompressed frame. Data rows are Step bytes apart;
// 16-bit pixels are little-endian.
type RawImage struct {
	Width    uint32 `json:"width" msgpack:"width"`
	Height   uint32 `json:"height" msgpack:"height"`
	Encoding string `json:"encoding" msgpack:"encoding"`
	Step     uint32 `json:"step" msgpack:"step"`
	Data     []byte `json:"data" msgpack:"data"`
}

// NumericArray is one record of a numeric dataset. Data holds []int64,
// []uint64 or []float64 in row-major order over Dimensions.
type NumericArray struct {
	Dimensions []uint64 `json:"dimensions" msgpack:"dimensions"`
	Data       any      `json:"data" msgpack:"data"`
}

// Text is one record of a string dataset.
type Text struct {
	Values []string `json:"values" msgpack:"values"`
}

// SchemaName returns the schema for a layout.
func SchemaName(l topic.Layout) string {
	switch {
	case l.IsImage():
		return SchemaRawImage
	case l == topic.LayoutText:
		return SchemaText
	default:
		return SchemaNumericArray
	}
}

// Encoder serializes payloads in one encoding.
type Encoder struct {
	encoding string
}

func NewEncoder(encoding string) (*Encoder, error) {
	switch e := strings.ToLower(encoding); e {
	case "", EncodingJSON:
		return &Encoder{encoding: EncodingJSON}, nil
	case EncodingMsgpack:
		return &Encoder{encoding: e}, nil
	default:
		return nil, fmt.Errorf("unsupported message encoding %q", encoding)
	}
}

func (e *Encoder) Encoding() string { return e.encoding }

// Encode builds the payload for one record.
func (e *Encoder) Encode(layout topic.Layout, buf *engine.Buffer) ([]byte, error) {
	v, err := payload(layout, buf)
	if err != nil {
		return nil, err
	}
	if e.encoding == EncodingMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Decode parses a payload produced by Encode into v.
func (e *Encoder) Decode(data []byte, v any) error {
	if e.encoding == EncodingMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func payload(layout topic.Layout, buf *engine.Buffer) (any, error) {
	switch layout {
	case topic.LayoutImageMono8, topic.LayoutImageMono16, topic.LayoutImageRGB8:
		return image(layout, buf)
	case topic.LayoutText:
		vals, err := buf.Strings()
		if err != nil {
			return nil, err
		}
		return Text{Values: vals}, nil
	case topic.LayoutNumeric:
		arr := NumericArray{Dimensions: buf.Dims}
		if arr.Dimensions == nil {
			arr.Dimensions = []uint64{}
		}
		var err error
		switch {
		case buf.Kind == engine.KindFloat:
			arr.Data, err = buf.Float64s()
		case buf.Signed:
			arr.Data, err = buf.Int64s()
		default:
			arr.Data, err = buf.Uint64s()
		}
		if err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("no payload for layout %s", layout)
}

func image(layout topic.Layout, buf *engine.Buffer) (RawImage, error) {
	wantDims, bpp, enc := 2, 1, "mono8"
	switch layout {
	case topic.LayoutImageMono16:
		bpp, enc = 2, "mono16"
	case topic.LayoutImageRGB8:
		wantDims, bpp, enc = 3, 3, "rgb8"
	}
	if len(buf.Dims) != wantDims {
		return RawImage{}, fmt.Errorf("%s frame has %d dimensions, want %d", enc, len(buf.Dims), wantDims)
	}
	h, w := buf.Dims[0], buf.Dims[1]
	if uint64(len(buf.Data)) != h*w*uint64(bpp) {
		return RawImage{}, fmt.Errorf("%s frame %dx%d holds %d bytes", enc, w, h, len(buf.Data))
	}
	return RawImage{
		Width:    uint32(w),
		Height:   uint32(h),
		Encoding: enc,
		Step:     uint32(w) * uint32(bpp),
		Data:     buf.Data,
	}, nil
}
