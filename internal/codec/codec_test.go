package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaults(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"lz4", "none", "s2", "snappy", "zstd"}, r.Names())

	f, err := r.Lookup(IDZstd)
	require.NoError(t, err)
	assert.Equal(t, "zstd", f.Name())

	_, err = r.Lookup(IDLZF)
	assert.ErrorIs(t, err, ErrUnknownFilter)
}

func TestRegistrySubset(t *testing.T) {
	r, err := NewRegistry("snappy")
	require.NoError(t, err)
	assert.Equal(t, []string{"none", "snappy"}, r.Names())

	_, err = r.LookupName("zstd")
	assert.ErrorIs(t, err, ErrUnknownFilter)

	_, err = NewRegistry("lzf")
	assert.ErrorIs(t, err, ErrUnknownFilter)
}

func TestFiltersRoundTrip(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	inputs := map[string][]byte{
		"repetitive": bytes.Repeat([]byte("frame-0001"), 500),
		"tiny":       {7},
		"empty":      {},
	}
	for _, name := range r.Names() {
		f, err := r.LookupName(name)
		require.NoError(t, err)
		for label, in := range inputs {
			t.Run(name+"/"+label, func(t *testing.T) {
				enc, err := f.Encode(in)
				require.NoError(t, err)
				out, err := f.Decode(enc, len(in))
				require.NoError(t, err)
				assert.Equal(t, len(in), len(out))
				assert.True(t, bytes.Equal(in, out))
			})
		}
	}
}

func TestDecodeWrongLength(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	for _, name := range []string{"zstd", "snappy", "s2", "lz4", "none"} {
		f, _ := r.LookupName(name)
		enc, err := f.Encode([]byte("abcdefgh"))
		require.NoError(t, err)
		_, err = f.Decode(enc, 3)
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}
