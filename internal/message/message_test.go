package message

import (
	"bytes"
	"strings"
	"testing"

	"github.com/basekick-labs/arcplay/internal/engine"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaName(t *testing.T) {
	assert.Equal(t, SchemaRawImage, SchemaName(topic.LayoutImageRGB8))
	assert.Equal(t, SchemaRawImage, SchemaName(topic.LayoutImageMono16))
	assert.Equal(t, SchemaText, SchemaName(topic.LayoutText))
	assert.Equal(t, SchemaNumericArray, SchemaName(topic.LayoutNumeric))
}

func TestNewEncoder(t *testing.T) {
	e, err := NewEncoder("")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, e.Encoding())

	e, err = NewEncoder("MSGPACK")
	require.NoError(t, err)
	assert.Equal(t, EncodingMsgpack, e.Encoding())

	_, err = NewEncoder("protobuf")
	assert.Error(t, err)
}

func TestEncodeNumericJSON(t *testing.T) {
	e, _ := NewEncoder(EncodingJSON)
	buf := &engine.Buffer{Kind: engine.KindFloat, ElemSize: 8, Dims: []uint64{3}, Data: engine.PutFloat64s([]float64{1, 2.5, -3})}

	out, err := e.Encode(topic.LayoutNumeric, buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dimensions":[3],"data":[1,2.5,-3]}`, string(out))

	scalar := &engine.Buffer{Kind: engine.KindInteger, ElemSize: 8, Signed: true, Data: engine.PutInt64s([]int64{-7})}
	out, err = e.Encode(topic.LayoutNumeric, scalar)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dimensions":[],"data":[-7]}`, string(out))
}

func TestEncodeImage(t *testing.T) {
	e, _ := NewEncoder(EncodingJSON)
	buf := &engine.Buffer{Kind: engine.KindInteger, ElemSize: 2, Dims: []uint64{2, 3}, Data: engine.PutUint16s([]uint16{1, 2, 3, 4, 5, 6})}

	out, err := e.Encode(topic.LayoutImageMono16, buf)
	require.NoError(t, err)

	var img RawImage
	require.NoError(t, e.Decode(out, &img))
	assert.Equal(t, uint32(3), img.Width)
	assert.Equal(t, uint32(2), img.Height)
	assert.Equal(t, uint32(6), img.Step)
	assert.Equal(t, "mono16", img.Encoding)
	assert.Equal(t, buf.Data, img.Data)

	rgb := &engine.Buffer{Kind: engine.KindInteger, ElemSize: 1, Dims: []uint64{1, 2, 3}, Data: []byte{1, 2, 3, 4, 5, 6}}
	out, err = e.Encode(topic.LayoutImageRGB8, rgb)
	require.NoError(t, err)
	require.NoError(t, e.Decode(out, &img))
	assert.Equal(t, "rgb8", img.Encoding)
	assert.Equal(t, uint32(6), img.Step)

	bad := &engine.Buffer{Kind: engine.KindInteger, ElemSize: 2, Dims: []uint64{4}, Data: make([]byte, 8)}
	_, err = e.Encode(topic.LayoutImageMono16, bad)
	assert.Error(t, err)
}

func TestEncodeMsgpack(t *testing.T) {
	e, _ := NewEncoder(EncodingMsgpack)
	buf := &engine.Buffer{Kind: engine.KindString, ElemSize: 4, Dims: []uint64{2}, Data: append(engine.PutString("ok", 4), engine.PutString("warn", 4)...)}

	out, err := e.Encode(topic.LayoutText, buf)
	require.NoError(t, err)

	var txt Text
	require.NoError(t, e.Decode(out, &txt))
	assert.Equal(t, []string{"ok", "warn"}, txt.Values)
}

func TestEncodeUnsupported(t *testing.T) {
	e, _ := NewEncoder(EncodingJSON)
	_, err := e.Encode(topic.LayoutUnsupported, &engine.Buffer{})
	assert.Error(t, err)
}

func TestLineWriter(t *testing.T) {
	var out bytes.Buffer
	lw := NewLineWriter(&out, EncodingJSON, func(id uint16) string { return "/cam" })

	require.NoError(t, lw.Write(Message{ChannelID: 3, LogTime: 10, PublishTime: 10, Data: []byte(`{"values":["a"]}`)}))
	require.NoError(t, lw.Write(Message{ChannelID: 3, LogTime: 11, PublishTime: 11, Data: []byte(`{"values":["b"]}`)}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"channel_id":3,"topic":"/cam","log_time":10,"publish_time":10,"data":{"values":["a"]}}`, lines[0])
}

func TestLineWriterBinaryPayload(t *testing.T) {
	var out bytes.Buffer
	lw := NewLineWriter(&out, EncodingMsgpack, nil)

	require.NoError(t, lw.Write(Message{ChannelID: 1, LogTime: 5, PublishTime: 5, Data: []byte{0x81, 0xa1}}))
	assert.JSONEq(t, `{"channel_id":1,"log_time":5,"publish_time":5,"data":"gaE="}`, out.String())
}
