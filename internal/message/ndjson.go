package message

import (
	"encoding/json"
	"io"
)

// line is the NDJSON form of a Message. JSON payloads are inlined; other
// encodings are carried base64-encoded.
type line struct {
	ChannelID   uint16 `json:"channel_id"`
	Topic       string `json:"topic,omitempty"`
	LogTime     int64  `json:"log_time"`
	PublishTime int64  `json:"publish_time"`
	Data        any    `json:"data"`
}

// LineWriter writes messages as newline-delimited JSON.
type LineWriter struct {
	enc      *json.Encoder
	encoding string
	topics   func(id uint16) string
}

// NewLineWriter writes to w. encoding is the payload encoding of the
// messages; topics, when non-nil, names each channel in the output.
func NewLineWriter(w io.Writer, encoding string, topics func(id uint16) string) *LineWriter {
	return &LineWriter{enc: json.NewEncoder(w), encoding: encoding, topics: topics}
}

func (lw *LineWriter) Write(msg Message) error {
	l := line{ChannelID: msg.ChannelID, LogTime: msg.LogTime, PublishTime: msg.PublishTime, Data: msg.Data}
	if lw.encoding == EncodingJSON && json.Valid(msg.Data) {
		l.Data = json.RawMessage(msg.Data)
	}
	if lw.topics != nil {
		l.Topic = lw.topics(msg.ChannelID)
	}
	return lw.enc.Encode(l)
}
