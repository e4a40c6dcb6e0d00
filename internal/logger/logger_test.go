package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestBufferWriterCapturesEntries(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(3)
	log := zerolog.New(NewBufferWriter(&out, buf)).With().Timestamp().Logger()

	log.Info().Str("component", "vfs").Msg("first")
	log.Warn().Msg("second")
	log.Info().Msg("third")
	log.Error().Str("component", "api").Msg("fourth")

	assert.Contains(t, out.String(), `"message":"first"`)
	assert.Equal(t, 3, buf.Len())

	recent := buf.Recent(0, "")
	require.Len(t, recent, 3)
	assert.Equal(t, "fourth", recent[0].Message)
	assert.Equal(t, "api", recent[0].Component)
	assert.Equal(t, "second", recent[2].Message)

	warn := buf.Recent(0, "warn")
	require.Len(t, warn, 2)
	assert.Equal(t, "error", warn[0].Level)

	assert.Len(t, buf.Recent(1, ""), 1)
}

func TestBufferWriterIgnoresNonJSON(t *testing.T) {
	buf := NewBuffer(2)
	w := NewBufferWriter(nil, buf)
	n, err := w.Write([]byte("plain text\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, 0, buf.Len())
}
