package codec

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstdFilter shares one encoder and one decoder. EncodeAll and DecodeAll
// are safe for concurrent use.
type zstdFilter struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdFilter() (Filter, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	if err != nil {
		return nil, err
	}
	return &zstdFilter{enc: enc, dec: dec}, nil
}

func (*zstdFilter) ID() uint16   { return IDZstd }
func (*zstdFilter) Name() string { return "zstd" }

func (f *zstdFilter) Encode(src []byte) ([]byte, error) {
	return f.enc.EncodeAll(src, nil), nil
}

func (f *zstdFilter) Decode(src []byte, rawLen int) ([]byte, error) {
	out, err := f.dec.DecodeAll(src, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return checkLen("zstd", out, rawLen)
}

type s2Filter struct{}

func (s2Filter) ID() uint16   { return IDS2 }
func (s2Filter) Name() string { return "s2" }

func (s2Filter) Encode(src []byte) ([]byte, error) { return s2.Encode(nil, src), nil }

func (s2Filter) Decode(src []byte, rawLen int) ([]byte, error) {
	out, err := s2.Decode(make([]byte, rawLen), src)
	if err != nil {
		return nil, fmt.Errorf("%w: s2: %v", ErrCorrupt, err)
	}
	return checkLen("s2", out, rawLen)
}

type snappyFilter struct{}

func (snappyFilter) ID() uint16   { return IDSnappy }
func (snappyFilter) Name() string { return "snappy" }

func (snappyFilter) Encode(src []byte) ([]byte, error) { return snappy.Encode(nil, src), nil }

func (snappyFilter) Decode(src []byte, rawLen int) ([]byte, error) {
	out, err := snappy.Decode(make([]byte, rawLen), src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
	}
	return checkLen("snappy", out, rawLen)
}

// lz4Filter uses the block format. Incompressible input makes CompressBlock
// return 0, in which case the chunk is stored raw behind a zero marker byte.
type lz4Filter struct{}

func (lz4Filter) ID() uint16   { return IDLZ4 }
func (lz4Filter) Name() string { return "lz4" }

func (lz4Filter) Encode(src []byte) ([]byte, error) {
	dst := make([]byte, 1+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		dst[0] = 0
		return append(dst[:1], src...), nil
	}
	dst[0] = 1
	return dst[:n+1], nil
}

func (lz4Filter) Decode(src []byte, rawLen int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: lz4: empty chunk", ErrCorrupt)
	}
	if src[0] == 0 {
		return checkLen("lz4", src[1:], rawLen)
	}
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(src[1:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	return checkLen("lz4", out[:n], rawLen)
}
