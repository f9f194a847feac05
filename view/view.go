// Package view loads a 2-D plane of a remote or local Zarr array and turns
// it into a raster, the way the browser demo did: open the store with its
// consolidated metadata, open the root group, resolve the variable, read
// the first plane and normalize it to grayscale.
package view

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarrview"
	"github.com/qri-io/zarrview/raster"
)

// ErrUnsupportedLocation is returned for locations no store can open.
var ErrUnsupportedLocation = errors.New("unsupported location")

// ConsolidatedMode controls the use of ".zmetadata".
type ConsolidatedMode string

const (
	// ConsolidatedAuto uses consolidated metadata when the store has it.
	ConsolidatedAuto ConsolidatedMode = "auto"
	// ConsolidatedRequire fails on stores without consolidated metadata.
	ConsolidatedRequire ConsolidatedMode = "require"
	// ConsolidatedOff reads every metadata key from the store.
	ConsolidatedOff ConsolidatedMode = "off"
)

// blobSchemes are opened through gocloud.dev. Providers other than file
// and mem must be linked in by the binary.
var blobSchemes = map[string]struct{}{
	"file": {},
	"mem":  {},
	"gs":   {},
	"s3":   {},
}

// remoteSchemes name stores that live off the host.
var remoteSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"gs":    {},
	"s3":    {},
}

// IsRemote reports whether location names a store off the host, as
// opposed to a directory, a file:// tree or an in-memory bucket.
func IsRemote(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	_, ok := remoteSchemes[u.Scheme]
	return ok
}

// Options configures a Loader.
type Options struct {
	Logger *zap.Logger
	Client *http.Client
	// Retries and RetryInterval configure HTTP stores.
	Retries       int
	RetryInterval time.Duration
	Consolidated  ConsolidatedMode
	// Cache, if set, holds raw store values across loads. It may be shared
	// between loaders.
	Cache    *freecache.Cache
	CacheTTL time.Duration

	Array      zarr.Options
	Rasterizer raster.Rasterizer
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Consolidated == "" {
		o.Consolidated = ConsolidatedAuto
	}
	if o.Array.Logger == nil {
		o.Array.Logger = o.Logger.Named("zarr")
	}
	if o.Rasterizer.Logger == nil {
		o.Rasterizer.Logger = o.Logger.Named("raster")
	}
}

// Loader opens stores and reads planes from them. It is safe for
// concurrent use.
type Loader struct {
	opt Options
	lg  *zap.Logger
}

func NewLoader(opt Options) *Loader {
	opt.setDefaults()
	switch opt.Consolidated {
	case ConsolidatedAuto, ConsolidatedRequire, ConsolidatedOff:
	default:
		opt.Logger.Warn("Unknown consolidated mode, using auto", zap.String("mode", string(opt.Consolidated)))
		opt.Consolidated = ConsolidatedAuto
	}
	return &Loader{opt: opt, lg: opt.Logger}
}

// Source is an opened store. Close releases it.
type Source struct {
	zarr.Store

	Location string
	// Consolidated is set when metadata is served from ".zmetadata".
	Consolidated *zarr.ConsolidatedMetadata

	http   *zarr.HTTPStore
	closer func() error
}

// Stats reports the HTTP traffic of the source so far. It is zero for
// stores not backed by HTTP.
func (s *Source) Stats() zarr.HTTPStats {
	if s.http == nil {
		return zarr.HTTPStats{}
	}
	return s.http.Stats()
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// OpenStore opens the store at location: an http(s) URL, a gocloud.dev
// bucket URL (file://, mem://, gs://, s3://) or a directory.
func (l *Loader) OpenStore(ctx context.Context, location string) (*Source, error) {
	src := &Source{Location: location}

	base, err := l.baseStore(ctx, location, src)
	if err != nil {
		return nil, err
	}

	s := base
	if l.opt.Cache != nil {
		s = zarr.NewCacheStore(s, l.opt.Cache, location, int(l.opt.CacheTTL/time.Second), l.lg)
	}

	switch l.opt.Consolidated {
	case ConsolidatedOff:
	case ConsolidatedRequire:
		cs, err := zarr.WithConsolidated(ctx, s)
		if err != nil {
			return nil, multierr.Append(err, src.Close())
		}
		s, src.Consolidated = cs, cs.Metadata()
	default:
		cs, err := zarr.TryWithConsolidated(ctx, s)
		if err != nil {
			return nil, multierr.Append(err, src.Close())
		}
		if c, ok := cs.(*zarr.ConsolidatedStore); ok {
			src.Consolidated = c.Metadata()
		}
		s = cs
	}

	src.Store = s
	l.lg.Debug("Opened store",
		zap.String("location", location),
		zap.String("type", base.Type()),
		zap.Bool("consolidated", src.Consolidated != nil),
	)
	return src, nil
}

func (l *Loader) baseStore(ctx context.Context, location string, src *Source) (zarr.Store, error) {
	if location == "" {
		return nil, errors.Wrap(ErrUnsupportedLocation, "empty location")
	}
	u, err := url.Parse(location)
	// single letter schemes are windows drive letters
	if err != nil || len(u.Scheme) <= 1 {
		s, err := zarr.NewLocalStore(location)
		if err != nil {
			return nil, errors.Wrap(zarr.ErrNotfound, err.Error())
		}
		return s, nil
	}

	switch u.Scheme {
	case "http", "https":
		s, err := zarr.NewHTTPStore(location, zarr.HTTPStoreOptions{
			Client:        l.opt.Client,
			Logger:        l.lg.Named("http"),
			Retries:       l.opt.Retries,
			RetryInterval: l.opt.RetryInterval,
		})
		if err != nil {
			return nil, err
		}
		src.http = s
		return s, nil
	}
	if _, ok := blobSchemes[u.Scheme]; ok {
		s, err := zarr.OpenBlobStore(ctx, location)
		if err != nil {
			return nil, err
		}
		src.closer = s.Close
		return s, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedLocation, "scheme %q", u.Scheme)
}

// OpenArray opens the array at path inside src. The root is opened as a
// group first; stores whose root is not a group are addressed directly.
func (l *Loader) OpenArray(ctx context.Context, src *Source, path string) (*zarr.Array, error) {
	root := zarr.Root(src.Store)
	loc := root.Resolve(path)
	g, err := zarr.OpenGroup(ctx, root)
	switch {
	case err == nil:
		loc = g.Resolve(path)
	case errors.Is(err, zarr.ErrNotGroup):
		l.lg.Debug("Store root is not a group", zap.String("location", src.Location))
	default:
		return nil, err
	}
	return zarr.OpenArray(ctx, loc, l.opt.Array)
}
