// Package raster turns a 2-D numeric slice into an opaque grayscale RGBA
// bitmap.
//
// Values are scaled linearly between the minimum and maximum of the valid
// (non-NaN, finite) values. NaN marks a missing value and is drawn black.
// A slice whose valid values are all equal is drawn mid-gray (128) so that
// it can be told apart from missing data. Every pixel is fully opaque.
package raster

import (
	"fmt"
	"image"
	"math"
	"reflect"

	"go.uber.org/zap"
)

const (
	// BytesPerPixel is the number of bytes of one RGBA pixel.
	BytesPerPixel = 4

	flatIntensity    = 128
	missingIntensity = 0
	opaque           = 255
)

// Slice is a decoded array plane. Shape holds at least two extents, the
// last two of which are read as height and width. Values is either a flat
// numeric slice ([]float64, []float32, []int16, ...) or an arbitrarily
// nested slice of them ([]interface{}, [][]float64, ...) flattened depth
// first.
type Slice struct {
	Shape  []int
	Values interface{}
}

// Raster is a row-major RGBA bitmap.
type Raster struct {
	Width  int
	Height int
	Pix    []byte
}

// Image returns an image sharing the raster's pixels.
func (r *Raster) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * BytesPerPixel,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// InvalidShapeError is returned when a shape does not describe a plane.
type InvalidShapeError struct {
	Shape []int
}

func (e *InvalidShapeError) Error() string {
	if len(e.Shape) < 2 {
		return fmt.Sprintf("raster: shape %v has fewer than 2 dimensions", e.Shape)
	}
	h, w := e.Shape[len(e.Shape)-2], e.Shape[len(e.Shape)-1]
	if h > 0 && w > 0 {
		return fmt.Sprintf("raster: shape %v is too large", e.Shape)
	}
	return fmt.Sprintf("raster: shape %v has a non-positive extent", e.Shape)
}

// UnrecognizedDataFormatError is returned for values that are neither a
// flat nor a nested numeric slice.
type UnrecognizedDataFormatError struct {
	Type string
}

func (e *UnrecognizedDataFormatError) Error() string {
	return fmt.Sprintf("raster: unrecognized data format %s", e.Type)
}

// EmptyRangeError is returned when a slice holds no valid value to scale
// against.
type EmptyRangeError struct {
	Len int
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("raster: none of %d values is valid", e.Len)
}

// Rasterizer converts slices to rasters. The zero value is ready to use and
// fails on unrecognized input.
type Rasterizer struct {
	Logger *zap.Logger
	// AllowFallback renders unrecognized input as if it were the single
	// value 0 instead of failing.
	AllowFallback bool
}

// Rasterize converts s with a zero Rasterizer.
func Rasterize(s Slice) (*Raster, error) {
	var r Rasterizer
	return r.Rasterize(s)
}

// Rasterize converts s. The input is never modified; the returned raster
// is newly allocated.
func (r *Rasterizer) Rasterize(s Slice) (*Raster, error) {
	if len(s.Shape) < 2 {
		return nil, &InvalidShapeError{Shape: s.Shape}
	}
	height, width := s.Shape[len(s.Shape)-2], s.Shape[len(s.Shape)-1]
	if height <= 0 || width <= 0 || height > math.MaxInt/BytesPerPixel/width {
		return nil, &InvalidShapeError{Shape: s.Shape}
	}

	flat, err := Flatten(s.Values)
	if err != nil {
		if !r.AllowFallback {
			return nil, err
		}
		r.logger().Warn("Unexpected data format, rendering fallback",
			zap.Error(err),
			zap.Ints("shape", s.Shape),
		)
		flat = []float64{0}
	}

	lo, hi, ok := validRange(flat)
	if !ok {
		return nil, &EmptyRangeError{Len: len(flat)}
	}
	span := hi - lo

	n := width * height
	out := &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]byte, n*BytesPerPixel),
	}
	for i := 0; i < n; i++ {
		v := math.NaN()
		if i < len(flat) {
			v = flat[i]
		}
		c := intensity(v, lo, span)
		p := out.Pix[i*BytesPerPixel : i*BytesPerPixel+BytesPerPixel : i*BytesPerPixel+BytesPerPixel]
		p[0], p[1], p[2], p[3] = c, c, c, opaque
	}
	return out, nil
}

func (r *Rasterizer) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// validRange returns the bounds of the finite values of vals.
func validRange(vals []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}

func intensity(v, lo, span float64) byte {
	switch {
	case math.IsNaN(v):
		return missingIntensity
	case span == 0:
		return flatIntensity
	}
	x := math.Floor((v - lo) / span * 255)
	switch {
	case x <= 0:
		return 0
	case x >= 255:
		return 255
	}
	return byte(x)
}

// Flatten converts a flat or nested numeric slice to a flat []float64 in
// depth-first order. The result never aliases the input.
func Flatten(values interface{}) ([]float64, error) {
	switch v := values.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	}

	rv := reflect.ValueOf(values)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, &UnrecognizedDataFormatError{Type: fmt.Sprintf("%T", values)}
	}
	var out []float64
	if err := flatten(rv, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(rv reflect.Value, out *[]float64) error {
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := flatten(rv.Index(i), out); err != nil {
				return err
			}
		}
	case reflect.Float32, reflect.Float64:
		*out = append(*out, rv.Float())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		*out = append(*out, float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		*out = append(*out, float64(rv.Uint()))
	default:
		t := "<nil>"
		if rv.IsValid() {
			t = rv.Type().String()
		}
		return &UnrecognizedDataFormatError{Type: t}
	}
	return nil
}
