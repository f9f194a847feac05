package view

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarrview"
	"github.com/qri-io/zarrview/raster"
)

// Request names a plane to render.
type Request struct {
	Location string
	// Path is the array path relative to the root group, e.g.
	// "0/precipitation". Empty addresses the root.
	Path string
	// Index fixes the leading dimensions, outermost first. Dimensions
	// without an entry are fixed at 0.
	Index []int

	// MaxWidth and MaxHeight bound the output raster; zero leaves the
	// axis unbounded.
	MaxWidth  int
	MaxHeight int
	Kernel    raster.Kernel
}

// Result is a rendered plane together with what it was read from.
type Result struct {
	Location  string
	Path      string
	Shape     []int
	Dtype     string
	Attrs     zarr.Attributes
	Selection zarr.Selection
	Plane     *zarr.NDArray
	Raster    *raster.Raster
	Fetched   zarr.HTTPStats
	Elapsed   time.Duration
}

// ParseIndex reads a comma separated list of leading indexes such as
// "3" or "0,-1".
func ParseIndex(v string) ([]int, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.Wrapf(zarr.ErrInvalidSelection, "index %q", v)
		}
		out = append(out, n)
	}
	return out, nil
}

// PlaneSelection fixes every leading dimension of shape at the given
// indexes and selects the last two in full.
func PlaneSelection(shape []int, index []int) (zarr.Selection, error) {
	if len(shape) < 2 {
		return nil, &raster.InvalidShapeError{Shape: shape}
	}
	lead := len(shape) - 2
	if len(index) > lead {
		return nil, errors.Wrapf(zarr.ErrInvalidSelection, "%d indexes for %d leading dimensions", len(index), lead)
	}
	sel := make(zarr.Selection, 0, len(shape))
	for i := 0; i < lead; i++ {
		ix := 0
		if i < len(index) {
			ix = index[i]
		}
		sel = append(sel, zarr.Index(ix))
	}
	return append(sel, zarr.All(), zarr.All()), nil
}

// Load opens req.Location, reads the requested plane and rasterizes it.
func (l *Loader) Load(ctx context.Context, req Request) (_ *Result, err error) {
	start := time.Now()
	src, err := l.OpenStore(ctx, req.Location)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close store")
		}
	}()

	a, err := l.OpenArray(ctx, src, req.Path)
	if err != nil {
		return nil, err
	}
	lg := l.lg.With(
		zap.String("location", req.Location),
		zap.String("path", a.Path()),
		zap.Ints("shape", a.Shape()),
		zap.Stringer("dtype", a.Dtype()),
	)
	lg.Debug("Array loaded")

	sel, err := PlaneSelection(a.Shape(), req.Index)
	if err != nil {
		return nil, err
	}
	plane, err := a.Get(ctx, sel)
	if err != nil {
		return nil, err
	}

	r, err := l.opt.Rasterizer.Rasterize(raster.Slice{Shape: plane.Shape, Values: plane.Data})
	if err != nil {
		return nil, err
	}
	if req.MaxWidth > 0 || req.MaxHeight > 0 {
		if r, err = raster.Resize(r, req.MaxWidth, req.MaxHeight, req.Kernel); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Location:  req.Location,
		Path:      a.Path(),
		Shape:     a.Shape(),
		Dtype:     a.Dtype().String(),
		Attrs:     a.Attrs(),
		Selection: sel,
		Plane:     plane,
		Raster:    r,
		Fetched:   src.Stats(),
		Elapsed:   time.Since(start),
	}
	lg.Info("Image loaded",
		zap.Stringer("selection", sel),
		zap.Int("width", r.Width),
		zap.Int("height", r.Height),
		zap.Int64("requests", res.Fetched.Requests),
		zap.String("fetched", humanize.Bytes(uint64(res.Fetched.Bytes))),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}
