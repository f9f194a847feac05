package zarr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// ErrInvalidSelection is returned for selections that do not fit an array.
var ErrInvalidSelection = errors.New("invalid selection")

// Slice selects along one dimension: a single index, which drops the
// dimension from the result, or a half-open range.
type Slice struct {
	index  *int
	start  int
	stop   *int
	ranged bool
}

// Index selects a single position. Negative values count from the end.
func Index(i int) Slice { return Slice{index: &i} }

// All selects a whole dimension.
func All() Slice { return Slice{} }

// Range selects [start, stop). Negative values count from the end.
func Range(start, stop int) Slice { return Slice{start: start, stop: &stop, ranged: true} }

func (s Slice) String() string {
	switch {
	case s.index != nil:
		return strconv.Itoa(*s.index)
	case s.ranged:
		return fmt.Sprintf("%d:%d", s.start, *s.stop)
	default:
		return ":"
	}
}

// Selection holds one Slice per array dimension.
type Selection []Slice

func (sel Selection) String() string {
	parts := make([]string, len(sel))
	for i, s := range sel {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func wrapIndex(i, n int) int {
	if i < 0 {
		return i + n
	}
	return i
}

// dimSelection is a Slice resolved against a dimension length.
type dimSelection struct {
	start, stop int
	squeeze     bool
}

func (d dimSelection) len() int { return d.stop - d.start }

func resolveSelection(sel Selection, shape []int) ([]dimSelection, error) {
	if len(sel) != len(shape) {
		return nil, errors.Wrapf(ErrInvalidSelection, "%d entries for %d dimensions", len(sel), len(shape))
	}
	out := make([]dimSelection, len(sel))
	for i, s := range sel {
		n := shape[i]
		switch {
		case s.index != nil:
			ix := wrapIndex(*s.index, n)
			if ix < 0 || ix >= n {
				return nil, errors.Wrapf(ErrInvalidSelection, "index %d out of bounds for dimension %d of length %d", *s.index, i, n)
			}
			out[i] = dimSelection{start: ix, stop: ix + 1, squeeze: true}
		case s.ranged:
			start, stop := wrapIndex(s.start, n), wrapIndex(*s.stop, n)
			if start < 0 || stop > n || start > stop {
				return nil, errors.Wrapf(ErrInvalidSelection, "range %s out of bounds for dimension %d of length %d", s, i, n)
			}
			out[i] = dimSelection{start: start, stop: stop}
		default:
			out[i] = dimSelection{start: 0, stop: n}
		}
	}
	return out, nil
}

// A mapping of items from chunk to output array. Can be used to extract items
// from the chunk array for loading into an output array.
type chunkProjection struct {
	// Indices of chunk
	ChunkCoords []int
	// Per dimension start of the selected items within the chunk.
	ChunkStart []int
	// Per dimension start of the selected items within the (unsqueezed)
	// output array.
	OutStart []int
	// Per dimension count of selected items.
	Count []int
}

// projectChunks lists every chunk intersecting the selection together with
// the region it contributes to the output.
func projectChunks(dims []dimSelection, chunks []int) []chunkProjection {
	for _, d := range dims {
		if d.len() == 0 {
			return nil
		}
	}
	lo := make([]int, len(dims))
	hi := make([]int, len(dims))
	for i, d := range dims {
		lo[i] = d.start / chunks[i]
		hi[i] = (d.stop - 1) / chunks[i]
	}

	var out []chunkProjection
	coords := append([]int(nil), lo...)
	for {
		p := chunkProjection{
			ChunkCoords: append([]int(nil), coords...),
			ChunkStart:  make([]int, len(dims)),
			OutStart:    make([]int, len(dims)),
			Count:       make([]int, len(dims)),
		}
		for i, d := range dims {
			c0 := coords[i] * chunks[i]
			from := max(d.start, c0)
			to := min(d.stop, c0+chunks[i])
			p.ChunkStart[i] = from - c0
			p.OutStart[i] = from - d.start
			p.Count[i] = to - from
		}
		out = append(out, p)

		// odometer increment, last dimension fastest
		i := len(coords) - 1
		for ; i >= 0; i-- {
			coords[i]++
			if coords[i] <= hi[i] {
				break
			}
			coords[i] = lo[i]
		}
		if i < 0 {
			return out
		}
	}
}

// strides returns element strides for shape in C or F order.
func strides(shape []int, order string) []int {
	s := make([]int, len(shape))
	acc := 1
	if order == "F" {
		for i := range shape {
			s[i] = acc
			acc *= shape[i]
		}
		return s
	}
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func product(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}
