package view

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coocood/freecache"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	zarr "github.com/qri-io/zarrview"
	"github.com/qri-io/zarrview/raster"
)

func putJSON(t *testing.T, s zarr.Store, key string, v interface{}) {
	t.Helper()
	d, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader(d)))
}

func arrayMeta(shape []int, fill interface{}) map[string]interface{} {
	chunks := append([]int(nil), shape...)
	if len(chunks) > 2 {
		chunks[0] = 1
	}
	return map[string]interface{}{
		"zarr_format": 2,
		"shape":       shape,
		"chunks":      chunks,
		"dtype":       "<f8",
		"compressor":  nil,
		"fill_value":  fill,
		"order":       "C",
		"filters":     nil,
	}
}

// writeArray stores an uncompressed float64 array of up to three
// dimensions, chunked by its first dimension when it has three. value maps
// a flat C-order index to an element; nil writes no chunks.
func writeArray(t *testing.T, s zarr.Store, path string, shape []int, fill interface{}, value func(i int) float64) {
	t.Helper()
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	putJSON(t, s, prefix+".zarray", arrayMeta(shape, fill))
	if value == nil {
		return
	}

	n := 1
	for _, e := range shape {
		n *= e
	}
	chunks, tail := 1, strings.Repeat(".0", len(shape)-1)
	if len(shape) > 2 {
		chunks, tail = shape[0], ".0.0"
	}
	per := n / chunks
	for c := 0; c < chunks; c++ {
		var buf []byte
		for i := c * per; i < (c+1)*per; i++ {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(value(i)))
		}
		key := prefix + strconv.Itoa(c) + tail
		require.NoError(t, s.Put(context.Background(), key, bytes.NewReader(buf)))
	}
}

// precipStore lays out a group holding "precip" with shape [2, 3, 4];
// element (t, y, x) is t*100 + y*4 + x.
func precipStore(t *testing.T) (zarr.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := zarr.NewLocalStore(dir)
	require.NoError(t, err)
	putJSON(t, s, ".zgroup", map[string]int{"zarr_format": 2})
	putJSON(t, s, ".zattrs", map[string]string{"title": "fixture"})
	writeArray(t, s, "precip", []int{2, 3, 4}, -1.0, func(i int) float64 {
		return float64(i/12*100 + i%12)
	})
	putJSON(t, s, "precip/.zattrs", map[string]string{"units": "mm"})
	return s, dir
}

func consolidate(t *testing.T, s zarr.Store, keys ...string) {
	t.Helper()
	md := map[string]json.RawMessage{}
	for _, k := range keys {
		rc, err := s.Get(context.Background(), k)
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		md[k] = buf.Bytes()
	}
	putJSON(t, s, ".zmetadata", map[string]interface{}{
		"zarr_consolidated_format": 1,
		"metadata":                 md,
	})
}

func wantRamp() []byte {
	out := make([]byte, 0, 12*4)
	for i := 0; i < 12; i++ {
		c := byte(math.Floor(float64(i) / 11 * 255))
		out = append(out, c, c, c, 255)
	}
	return out
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	_, dir := precipStore(t)
	l := NewLoader(Options{Logger: zaptest.NewLogger(t)})

	res, err := l.Load(ctx, Request{Location: dir, Path: "precip"})
	require.NoError(t, err)
	require.Equal(t, "precip", res.Path)
	require.Equal(t, []int{2, 3, 4}, res.Shape)
	require.Equal(t, "<f8", res.Dtype)
	require.Equal(t, "mm", res.Attrs["units"])
	require.Equal(t, "[0, :, :]", res.Selection.String())
	require.Equal(t, []int{3, 4}, res.Plane.Shape)
	require.Equal(t, 4, res.Raster.Width)
	require.Equal(t, 3, res.Raster.Height)
	require.Equal(t, wantRamp(), res.Raster.Pix)
	require.Zero(t, res.Fetched.Requests)

	res, err = l.Load(ctx, Request{Location: dir, Path: "/precip/", Index: []int{-1}})
	require.NoError(t, err)
	require.Equal(t, 100.0, res.Plane.Data[0])
	require.Equal(t, wantRamp(), res.Raster.Pix)

	res, err = l.Load(ctx, Request{Location: dir, Path: "precip", MaxWidth: 2, Kernel: raster.Bilinear})
	require.NoError(t, err)
	require.Equal(t, 2, res.Raster.Width)
	require.Equal(t, 1, res.Raster.Height)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	s, dir := precipStore(t)
	writeArray(t, s, "empty", []int{1, 2, 2}, "NaN", nil)
	writeArray(t, s, "line", []int{5}, 0, func(i int) float64 { return float64(i) })
	l := NewLoader(Options{})

	for _, tt := range []struct {
		name string
		req  Request
		is   error
		as   interface{}
	}{
		{name: "IndexOutOfBounds", req: Request{Location: dir, Path: "precip", Index: []int{2}}, is: zarr.ErrInvalidSelection},
		{name: "TooManyIndexes", req: Request{Location: dir, Path: "precip", Index: []int{0, 0}}, is: zarr.ErrInvalidSelection},
		{name: "MissingArray", req: Request{Location: dir, Path: "nope"}, is: zarr.ErrNotArray},
		{name: "MissingDirectory", req: Request{Location: dir + "/nope"}, is: zarr.ErrNotfound},
		{name: "Scheme", req: Request{Location: "ftp://example.com/data.zarr"}, is: ErrUnsupportedLocation},
		{name: "Empty", req: Request{}, is: ErrUnsupportedLocation},
		{name: "AllMissing", req: Request{Location: dir, Path: "empty"}, as: new(*raster.EmptyRangeError)},
		{name: "OneDimensional", req: Request{Location: dir, Path: "line"}, as: new(*raster.InvalidShapeError)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(ctx, tt.req)
			require.Error(t, err)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
			if tt.as != nil {
				require.ErrorAs(t, err, tt.as)
			}
		})
	}
}

func TestLoadMaskFill(t *testing.T) {
	s, dir := precipStore(t)
	writeArray(t, s, "masked", []int{1, 4}, -9999.0, func(i int) float64 {
		return []float64{-9999, 2, 4, 6}[i]
	})

	plain := NewLoader(Options{})
	res, err := plain.Load(context.Background(), Request{Location: dir, Path: "masked"})
	require.NoError(t, err)
	require.Equal(t, byte(0), res.Raster.Pix[0])
	require.Equal(t, byte(254), res.Raster.Pix[4])

	masked := NewLoader(Options{Array: zarr.Options{MaskFillValue: true}})
	res, err = masked.Load(context.Background(), Request{Location: dir, Path: "masked"})
	require.NoError(t, err)
	require.True(t, math.IsNaN(res.Plane.Data[0]))
	require.Equal(t, []byte{0, 0, 0, 255, 0, 0, 0, 255, 127, 127, 127, 255, 255, 255, 255, 255}, res.Raster.Pix)
}

func TestLoadRootArray(t *testing.T) {
	dir := t.TempDir()
	s, err := zarr.NewLocalStore(dir)
	require.NoError(t, err)
	writeArray(t, s, "", []int{3, 4}, 0, func(i int) float64 { return float64(i) })

	res, err := NewLoader(Options{}).Load(context.Background(), Request{Location: dir})
	require.NoError(t, err)
	require.Equal(t, "[:, :]", res.Selection.String())
	require.Equal(t, wantRamp(), res.Raster.Pix)
}

func TestLoadBlob(t *testing.T) {
	_, dir := precipStore(t)
	res, err := NewLoader(Options{}).Load(context.Background(), Request{Location: "file://" + dir, Path: "precip"})
	require.NoError(t, err)
	require.Equal(t, wantRamp(), res.Raster.Pix)
}

type requestLog struct {
	mux   sync.Mutex
	paths []string
}

func (l *requestLog) wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mux.Lock()
		l.paths = append(l.paths, r.URL.Path)
		l.mux.Unlock()
		h.ServeHTTP(w, r)
	})
}

func (l *requestLog) reset() []string {
	l.mux.Lock()
	defer l.mux.Unlock()
	p := l.paths
	l.paths = nil
	return p
}

func TestLoadHTTPConsolidated(t *testing.T) {
	ctx := context.Background()
	s, dir := precipStore(t)
	consolidate(t, s, ".zgroup", ".zattrs", "precip/.zarray", "precip/.zattrs")

	var log requestLog
	srv := httptest.NewServer(log.wrap(http.FileServer(http.Dir(dir))))
	defer srv.Close()

	l := NewLoader(Options{
		Client:       srv.Client(),
		Consolidated: ConsolidatedRequire,
		Cache:        freecache.NewCache(1024 * 1024),
	})
	res, err := l.Load(ctx, Request{Location: srv.URL + "/", Path: "precip", Index: []int{1}})
	require.NoError(t, err)
	require.Equal(t, wantRamp(), res.Raster.Pix)
	require.Equal(t, "mm", res.Attrs["units"])
	require.ElementsMatch(t, []string{"/.zmetadata", "/precip/1.0.0"}, log.reset())
	require.Equal(t, int64(2), res.Fetched.Requests)
	require.Equal(t, int64(len(res.Plane.Data)*8), res.Fetched.Bytes-int64(len(mustRead(t, s, ".zmetadata"))))

	// second load is served from the cache
	res, err = l.Load(ctx, Request{Location: srv.URL + "/", Path: "precip", Index: []int{1}})
	require.NoError(t, err)
	require.Empty(t, log.reset())
	require.Zero(t, res.Fetched.Requests)

	_, err = NewLoader(Options{Client: srv.Client(), Consolidated: ConsolidatedRequire}).
		Load(ctx, Request{Location: srv.URL + "/precip"})
	require.ErrorIs(t, err, zarr.ErrNotfound)
}

func mustRead(t *testing.T, s zarr.Store, key string) []byte {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	s, dir := precipStore(t)
	l := NewLoader(Options{})

	info, err := l.Inspect(ctx, dir, "precip")
	require.NoError(t, err)
	require.Equal(t, "precip", info.Path)
	require.Equal(t, zarr.LocalStoreType, info.Store)
	require.False(t, info.Consolidated)
	require.Equal(t, []int{2, 3, 4}, info.Shape)
	require.Equal(t, []int{1, 3, 4}, info.Chunks)
	require.Equal(t, 2, info.NumChunks)
	require.Equal(t, "<f8", info.Dtype)
	require.Equal(t, -1.0, info.FillValue)
	require.Empty(t, info.Compressor)
	require.Empty(t, info.Arrays)
	require.Contains(t, info.Summary, "Shape              : [2 3 4]")

	consolidate(t, s, ".zgroup", "precip/.zarray")
	info, err = l.Inspect(ctx, dir, "precip")
	require.NoError(t, err)
	require.True(t, info.Consolidated)
	require.Equal(t, zarr.ConsolidatedStoreType, info.Store)
	require.Equal(t, []string{"precip"}, info.Arrays)

	_, err = l.Inspect(ctx, dir, "missing")
	require.ErrorIs(t, err, zarr.ErrNotArray)
}

func TestPlaneSelection(t *testing.T) {
	for _, tt := range []struct {
		shape []int
		index []int
		want  string
	}{
		{shape: []int{3, 4}, want: "[:, :]"},
		{shape: []int{5, 3, 4}, want: "[0, :, :]"},
		{shape: []int{5, 3, 4}, index: []int{2}, want: "[2, :, :]"},
		{shape: []int{6, 5, 3, 4}, index: []int{-1}, want: "[-1, 0, :, :]"},
	} {
		sel, err := PlaneSelection(tt.shape, tt.index)
		require.NoError(t, err)
		require.Equal(t, tt.want, sel.String())
	}

	_, err := PlaneSelection([]int{4}, nil)
	var e *raster.InvalidShapeError
	require.ErrorAs(t, err, &e)

	_, err = PlaneSelection([]int{2, 3, 4}, []int{0, 1})
	require.ErrorIs(t, err, zarr.ErrInvalidSelection)
}

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex("")
	require.NoError(t, err)
	require.Nil(t, idx)

	idx, err = ParseIndex("3, -1")
	require.NoError(t, err)
	require.Equal(t, []int{3, -1}, idx)

	_, err = ParseIndex("1,,2")
	require.ErrorIs(t, err, zarr.ErrInvalidSelection)
}

func TestIsRemote(t *testing.T) {
	for loc, want := range map[string]bool{
		"https://example.org/data.zarr": true,
		"http://localhost:8080/a.zarr":  true,
		"gs://bucket/a.zarr":            true,
		"s3://mur-sst/zarr-v1":          true,
		"/tmp/a.zarr":                   false,
		"a.zarr":                        false,
		`C:\data\a.zarr`:                false,
		"file:///tmp/a.zarr":            false,
		"mem://bucket":                  false,
		"ftp://example.org/a.zarr":      false,
	} {
		require.Equal(t, want, IsRemote(loc), loc)
	}
}
