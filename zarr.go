package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Version is the zarr storage specification version this library reads.
	Version = 2

	tracerName = "github.com/qri-io/zarrview"
)

var (
	// ErrNotArray is returned when no array metadata exists at a path.
	ErrNotArray = errors.New("not an array")
	// ErrNotGroup is returned when no group metadata exists at a path.
	ErrNotGroup = errors.New("not a group")
)

// Options configures array reads.
type Options struct {
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	// Concurrency limits the number of chunks fetched at once.
	Concurrency int
	// MaskFillValue replaces elements equal to the fill value with NaN.
	MaskFillValue bool
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
}

type Array struct {
	path  Path
	store Store
	meta  *ArrayMeta
	attrs Attributes
	fill  float64

	decode func(b []byte) float64
	stored Dtype

	lg     *zap.Logger
	tracer trace.Tracer
	opt    Options
}

// Open reads the array stored at path.
func Open(ctx context.Context, store Store, path string, opt Options) (*Array, error) {
	return OpenArray(ctx, Location{Store: store, Path: NewPath(path)}, opt)
}

// OpenArray reads array metadata at loc. Attributes are optional.
func OpenArray(ctx context.Context, loc Location, opt Options) (*Array, error) {
	opt.setDefaults()

	a := &Array{
		path:   loc.Path,
		store:  loc.Store,
		meta:   &ArrayMeta{},
		lg:     opt.Logger.With(zap.String("array", loc.Path.String())),
		tracer: opt.TracerProvider.Tracer(tracerName),
		opt:    opt,
	}

	d, err := readKey(ctx, loc.Store, loc.Path.Join(string(MTArray)).String())
	if errors.Is(err, ErrNotfound) {
		return nil, errors.Errorf("%q: %w", loc.Path.String(), ErrNotArray)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read array metadata")
	}
	if err := json.Unmarshal(d, a.meta); err != nil {
		return nil, errors.Wrap(err, "decode array metadata")
	}
	if err := a.meta.Validate(); err != nil {
		return nil, errors.Wrapf(err, "array %q", loc.Path.String())
	}
	if a.fill, err = a.meta.Fill(); err != nil {
		return nil, err
	}
	if a.stored, err = storedDtype(a.meta); err != nil {
		return nil, errors.Wrap(err, "filter astype")
	}
	if a.decode, err = a.stored.decodeFunc(); err != nil {
		return nil, err
	}
	if a.attrs, err = readAttributes(ctx, loc); err != nil {
		return nil, err
	}

	return a, nil
}

func readAttributes(ctx context.Context, loc Location) (Attributes, error) {
	d, err := readKey(ctx, loc.Store, loc.Path.Join(string(MTAttributes)).String())
	if errors.Is(err, ErrNotfound) {
		return Attributes{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read attributes")
	}
	attrs := Attributes{}
	if err := json.Unmarshal(d, &attrs); err != nil {
		return nil, errors.Wrap(err, "decode attributes")
	}
	return attrs, nil
}

func (a *Array) Info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name               : /%s\n", a.Path())
	fmt.Fprintf(&b, "Type               : zarr.Array\n")
	fmt.Fprintf(&b, "Data type          : %s\n", a.meta.Dtype.Dtype)
	fmt.Fprintf(&b, "Shape              : %v\n", a.meta.Shape)
	fmt.Fprintf(&b, "Chunk shape        : %v\n", a.meta.Chunks)
	fmt.Fprintf(&b, "Order              : %s\n", a.meta.Order)
	if a.meta.Compressor != nil {
		fmt.Fprintf(&b, "Compressor         : %s\n", a.meta.Compressor.ID)
	} else {
		fmt.Fprintf(&b, "Compressor         : None\n")
	}
	for _, f := range a.meta.Filters {
		fmt.Fprintf(&b, "Filter             : %s\n", f.ID)
	}
	fmt.Fprintf(&b, "Store type         : %s\n", a.store.Type())
	fmt.Fprintf(&b, "No. chunks         : %d\n", a.NumChunks())
	return b.String()
}

func (a *Array) Path() string {
	return a.path.String()
}

func (a *Array) Shape() []int {
	return append([]int(nil), a.meta.Shape...)
}

func (a *Array) Dtype() Dtype {
	return a.meta.Dtype.Dtype
}

func (a *Array) Meta() ArrayMeta {
	return *a.meta
}

func (a *Array) Attrs() Attributes {
	return a.attrs
}

// NumChunks is the number of chunk keys the array spans.
func (a *Array) NumChunks() int {
	n := 1
	for i, s := range a.meta.Shape {
		n *= (s + a.meta.Chunks[i] - 1) / a.meta.Chunks[i]
	}
	return n
}

// NDArray is the result of a read: values converted to float64 in C order.
type NDArray struct {
	Shape []int
	Data  []float64
}

// Get reads the selected region. Dimensions selected with Index are dropped
// from the result shape; chunks absent from the store read as the fill
// value.
func (a *Array) Get(ctx context.Context, sel Selection) (_ *NDArray, err error) {
	ctx, span := a.tracer.Start(ctx, "Array.Get",
		trace.WithAttributes(
			attribute.String("zarr.path", a.Path()),
			attribute.String("zarr.selection", sel.String()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dims, err := resolveSelection(sel, a.meta.Shape)
	if err != nil {
		return nil, err
	}

	full := make([]int, len(dims))
	res := &NDArray{}
	for i, d := range dims {
		full[i] = d.len()
		if !d.squeeze {
			res.Shape = append(res.Shape, d.len())
		}
	}
	res.Data = make([]float64, product(full))
	outStrides := strides(full, "C")

	projections := projectChunks(dims, a.meta.Chunks)
	a.lg.Debug("Get",
		zap.Stringer("selection", sel),
		zap.Int("chunks", len(projections)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opt.Concurrency)
	for _, p := range projections {
		p := p
		g.Go(func() error {
			chunk, err := a.readChunk(gctx, p.ChunkCoords)
			if err != nil {
				return errors.Wrapf(err, "chunk %s", a.chunkKey(p.ChunkCoords))
			}
			// projections cover disjoint output regions
			a.copyChunk(res.Data, outStrides, chunk, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return res, nil
}

// readChunk returns the decoded values of one chunk in the array's chunk
// order, or nil if the chunk does not exist.
func (a *Array) readChunk(ctx context.Context, coords []int) ([]float64, error) {
	key := a.chunkPath(coords).String()
	ctx, span := a.tracer.Start(ctx, "Array.readChunk",
		trace.WithAttributes(attribute.String("zarr.key", key)),
	)
	defer span.End()

	raw, err := readKey(ctx, a.store, key)
	if errors.Is(err, ErrNotfound) {
		span.SetAttributes(attribute.Bool("zarr.missing", true))
		a.lg.Debug("Missing chunk", zap.String("key", key))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	n := product(a.meta.Chunks)
	size := a.stored.ByteSize
	data, err := a.meta.Compressor.Decode(raw, n*size)
	if err != nil {
		return nil, err
	}
	if len(data) != n*size {
		return nil, errors.Errorf("decoded %d bytes, want %d", len(data), n*size)
	}

	vals := make([]float64, n)
	for i := range vals {
		vals[i] = a.decode(data[i*size:])
	}
	if err := decodeFilters(a.meta.Filters, vals); err != nil {
		return nil, err
	}
	if a.opt.MaskFillValue && !math.IsNaN(a.fill) {
		for i, v := range vals {
			if v == a.fill {
				vals[i] = math.NaN()
			}
		}
	}
	return vals, nil
}

func (a *Array) copyChunk(out []float64, outStrides []int, chunk []float64, p chunkProjection) {
	fill := a.fill
	if a.opt.MaskFillValue {
		fill = math.NaN()
	}
	chunkStrides := strides(a.meta.Chunks, a.meta.Order)

	ndim := len(p.Count)
	idx := make([]int, ndim)
	for {
		o, c := 0, 0
		for i := range idx {
			o += (p.OutStart[i] + idx[i]) * outStrides[i]
			c += (p.ChunkStart[i] + idx[i]) * chunkStrides[i]
		}
		if chunk == nil {
			out[o] = fill
		} else {
			out[o] = chunk[c]
		}

		i := ndim - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < p.Count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

func (a *Array) chunkKey(coords []int) string {
	if len(coords) == 0 {
		return "0"
	}
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, a.meta.Separator())
}

func (a *Array) chunkPath(coords []int) Path {
	return a.path.Join(a.chunkKey(coords))
}

// Arrays can be organized into groups which can also contain other groups.
// A group is created by storing group ArrayMeta under the “.zgroup” key under
// some logical path. E.g., a group exists at the root of an array store if the
// “.zgroup” key exists in the store, and a group exists at logical path
// “foo/bar” if the “foo/bar/.zgroup” key exists in the store.
type Group struct {
	ZarrFormat int `json:"zarr_format"`

	loc   Location
	attrs Attributes
}

func (*Group) MetaType() MetaType { return MTGroup }

// OpenGroup reads the group stored at loc.
func OpenGroup(ctx context.Context, loc Location) (*Group, error) {
	d, err := readKey(ctx, loc.Store, loc.Path.Join(string(MTGroup)).String())
	if errors.Is(err, ErrNotfound) {
		return nil, errors.Errorf("%q: %w", loc.Path.String(), ErrNotGroup)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read group metadata")
	}
	g := &Group{}
	if err := json.Unmarshal(d, g); err != nil {
		return nil, errors.Wrap(err, "decode group metadata")
	}
	if g.ZarrFormat != Version {
		return nil, errors.Errorf("unsupported zarr_format %d", g.ZarrFormat)
	}
	g.loc = loc
	if g.attrs, err = readAttributes(ctx, loc); err != nil {
		return nil, err
	}
	return g, nil
}

// Resolve returns the location of a member relative to the group.
func (g *Group) Resolve(rel string) Location {
	return g.loc.Resolve(rel)
}

func (g *Group) Location() Location { return g.loc }

func (g *Group) Attrs() Attributes { return g.attrs }

// Location addresses a node within a store.
type Location struct {
	Store Store
	Path  Path
}

// Root is the location of the top of a store.
func Root(s Store) Location {
	return Location{Store: s}
}

// Resolve returns a location relative to l. A leading "/" resolves from
// the store root; "." and ".." segments are honoured.
func (l Location) Resolve(rel string) Location {
	base := l.Path
	if strings.HasPrefix(strings.ReplaceAll(rel, `\`, "/"), "/") {
		base = nil
	}
	out := append(Path(nil), base...)
	for _, seg := range NewPath(rel) {
		switch seg {
		case ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return Location{Store: l.Store, Path: out}
}

type Path []string

// NewPath normalizes a logical path: backward slashes become forward
// slashes, leading and trailing slashes are stripped and runs of slashes
// collapse. The root is the empty Path.
func NewPath(posix string) Path {
	var p Path
	for _, seg := range strings.Split(strings.ReplaceAll(posix, `\`, "/"), "/") {
		if seg != "" {
			p = append(p, seg)
		}
	}
	return p
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Join returns a new path with elems appended; p is not modified.
func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}
