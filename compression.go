package zarr

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/qri-io/dataset/compression"
	"go.uber.org/multierr"
)

var (
	// ErrUnsupportedCodec is returned for compressors without a decoder.
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrUnsupportedFilter is returned for filters without a decoder.
	ErrUnsupportedFilter = errors.New("unsupported filter")
)

// CompressionMeta defines compression settings zarr-go understands
type CompressionMeta struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
	Level   int    `json:"level,omitempty"`
}

// maxChunkBytes bounds the size a decompressed chunk may claim.
const maxChunkBytes = 1 << 31

// Decode decompresses a whole chunk of want bytes. A nil receiver means
// the chunk is stored raw. An lz4 header claiming more than want is
// refused; a non-positive want allows up to maxChunkBytes.
func (m *CompressionMeta) Decode(src []byte, want int) ([]byte, error) {
	if m == nil {
		return src, nil
	}
	limit := uint64(maxChunkBytes)
	if want > 0 && want < maxChunkBytes {
		limit = uint64(want)
	}
	switch m.ID {
	case "zstd":
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		defer d.Close()
		out, err := d.DecodeAll(src, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		return out, nil
	case "lz4":
		// numcodecs prefixes the block with its decoded size.
		if len(src) < 4 {
			return nil, errors.New("lz4: short header")
		}
		n := binary.LittleEndian.Uint32(src)
		if uint64(n) > limit {
			return nil, errors.Errorf("lz4: decoded size %d too large", n)
		}
		out := make([]byte, n)
		got, err := lz4.UncompressBlock(src[4:], out)
		if err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		return out[:got], nil
	}

	rc, err := m.Decompressor(io.NopCloser(bytes.NewReader(src)))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(rc)
	if err = multierr.Append(err, rc.Close()); err != nil {
		return nil, errors.Wrap(err, m.ID)
	}
	return out, nil
}

// Decompressor wraps r in a streaming decoder for the stream codecs.
func (m *CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	switch m.ID {
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		return closeBoth{zr, r}, nil
	case "zlib":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		return closeBoth{zr, r}, nil
	}
	rc, err := compression.Decompressor(m.ID, r)
	if err != nil {
		return nil, errors.Errorf("%q: %w", m.ID, ErrUnsupportedCodec)
	}
	return rc, nil
}

type closeBoth struct {
	io.ReadCloser
	src io.Closer
}

func (c closeBoth) Close() error {
	return multierr.Append(c.ReadCloser.Close(), c.src.Close())
}

// decodeFilters reverses the filter pipeline over decoded values, last
// filter first.
func decodeFilters(filters []Filter, vals []float64) error {
	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		switch f.ID {
		case "fixedscaleoffset":
			if f.Scale == 0 {
				return errors.New("fixedscaleoffset: zero scale")
			}
			for j, v := range vals {
				vals[j] = v/f.Scale + f.Offset
			}
		case "delta":
			wrap, err := deltaWrap(f.Dtype)
			if err != nil {
				return errors.Wrap(err, "delta")
			}
			for j := 1; j < len(vals); j++ {
				vals[j] = wrap(vals[j] + vals[j-1])
			}
		default:
			return errors.Errorf("%q: %w", f.ID, ErrUnsupportedFilter)
		}
	}
	return nil
}

// deltaWrap returns the overflow behavior of sums in the delta dtype.
// Narrow integers wrap around like the encoder's; everything else is exact
// at float64 precision or beyond repair.
func deltaWrap(dtype string) (func(float64) float64, error) {
	same := func(v float64) float64 { return v }
	if dtype == "" {
		return same, nil
	}
	dt, err := ParseDtype(dtype)
	if err != nil {
		return nil, err
	}
	switch dt.BasicType {
	case BTInteger:
		switch dt.ByteSize {
		case 1:
			return func(v float64) float64 { return float64(int8(int64(v))) }, nil
		case 2:
			return func(v float64) float64 { return float64(int16(int64(v))) }, nil
		case 4:
			return func(v float64) float64 { return float64(int32(int64(v))) }, nil
		}
	case BTUnsigned:
		switch dt.ByteSize {
		case 1:
			return func(v float64) float64 { return float64(uint8(int64(v))) }, nil
		case 2:
			return func(v float64) float64 { return float64(uint16(int64(v))) }, nil
		case 4:
			return func(v float64) float64 { return float64(uint32(int64(v))) }, nil
		}
	}
	return same, nil
}

// storedDtype is the dtype chunk bytes are encoded in once decompressed:
// the astype of the outermost filter, or the array dtype.
func storedDtype(m *ArrayMeta) (Dtype, error) {
	for i := len(m.Filters) - 1; i >= 0; i-- {
		if m.Filters[i].AsType != "" {
			return ParseDtype(m.Filters[i].AsType)
		}
	}
	return m.Dtype.Dtype, nil
}
