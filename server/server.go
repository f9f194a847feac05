// Package server displays Zarr planes over HTTP.
//
//	GET /                         viewer page
//	GET /render?url=&path=&index= rendered plane (png or gif)
//	GET /info?url=&path=          array metadata as JSON
package server

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarrview"
	"github.com/qri-io/zarrview/raster"
	"github.com/qri-io/zarrview/view"
)

const (
	DefaultAddr = "localhost:8000"

	shapeHeader     = "X-Zarr-Shape"
	dtypeHeader     = "X-Zarr-Dtype"
	selectionHeader = "X-Zarr-Selection"
)

//go:embed index.html
var indexHTML []byte

// Config configures the handler. Zero values select the defaults.
type Config struct {
	Addr string
	// AllowedOrigins lists CORS origins; empty allows any origin.
	AllowedOrigins []string
	// MaxWidth and MaxHeight bound rendered images unless a request asks
	// for smaller ones.
	MaxWidth  int
	MaxHeight int
	Kernel    raster.Kernel
	Format    raster.Format
	Colors    int
	// Timeout bounds the time spent loading a single plane.
	Timeout time.Duration
	// AllowLocal lets clients name directories and file:// or mem://
	// buckets on the serving host. Only remote stores are served otherwise.
	AllowLocal bool
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Format == "" {
		c.Format = raster.PNG
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
}

type server struct {
	cfg    Config
	loader *view.Loader
	lg     *zap.Logger
}

// New returns the viewer handler.
func New(cfg Config, loader *view.Loader, lg *zap.Logger) http.Handler {
	cfg.setDefaults()
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &server{cfg: cfg, loader: loader, lg: lg}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/render", s.handleRender)
	mux.HandleFunc("/info", s.handleInfo)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		ExposedHeaders: []string{shapeHeader, dtypeHeader, selectionHeader},
	})
	return c.Handler(s.logRequests(mux))
}

// ListenAndServe serves h on cfg.Addr until ctx is done.
func ListenAndServe(ctx context.Context, cfg Config, h http.Handler, lg *zap.Logger) error {
	cfg.setDefaults()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		lg.Info("Listening", zap.String("addr", cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	lg.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.lg.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
)

func (s *server) checkLocation(location string) error {
	if location == "" {
		return badRequest("url is required")
	}
	if !s.cfg.AllowLocal && !view.IsRemote(location) {
		return errors.Wrap(errForbidden, "only http(s), gs and s3 locations are served")
	}
	return nil
}

func badRequest(format string, args ...interface{}) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *server) parseRender(r *http.Request) (view.Request, raster.EncodeOptions, error) {
	q := r.URL.Query()
	req := view.Request{
		Location:  q.Get("url"),
		Path:      q.Get("path"),
		MaxWidth:  s.cfg.MaxWidth,
		MaxHeight: s.cfg.MaxHeight,
		Kernel:    s.cfg.Kernel,
	}
	enc := raster.EncodeOptions{Format: s.cfg.Format, Colors: s.cfg.Colors}
	if err := s.checkLocation(req.Location); err != nil {
		return req, enc, err
	}

	var err error
	if req.Index, err = view.ParseIndex(q.Get("index")); err != nil {
		return req, enc, err
	}
	if f := q.Get("format"); f != "" {
		switch raster.Format(f) {
		case raster.PNG, raster.GIF:
			enc.Format = raster.Format(f)
		default:
			return req, enc, badRequest("unknown format %q", f)
		}
	}
	if q.Get("colors") != "" {
		if enc.Colors, err = intParam(r, "colors"); err != nil {
			return req, enc, err
		}
	}
	w, err := intParam(r, "width")
	if err != nil {
		return req, enc, err
	}
	h, err := intParam(r, "height")
	if err != nil {
		return req, enc, err
	}
	req.MaxWidth = tighter(req.MaxWidth, w)
	req.MaxHeight = tighter(req.MaxHeight, h)
	return req, enc, nil
}

// tighter returns the smaller positive bound.
func tighter(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	}
	return min(a, b)
}

func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, enc, err := s.parseRender(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	res, err := s.loader.Load(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := raster.Encode(&buf, res.Raster, enc); err != nil {
		s.writeError(w, badRequest("%v", err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", enc.Format.ContentType())
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set(shapeHeader, joinInts(res.Shape))
	h.Set(dtypeHeader, res.Dtype)
	h.Set(selectionHeader, res.Selection.String())
	_, _ = buf.WriteTo(w)
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.checkLocation(q.Get("url")); err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	info, err := s.loader.Inspect(ctx, q.Get("url"), q.Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// statusOf maps load errors to response codes.
func statusOf(err error) int {
	var (
		shapeErr  *raster.InvalidShapeError
		rangeErr  *raster.EmptyRangeError
		formatErr *raster.UnrecognizedDataFormatError
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, zarr.ErrInvalidSelection),
		errors.Is(err, view.ErrUnsupportedLocation),
		errors.As(err, &shapeErr):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, zarr.ErrNotfound),
		errors.Is(err, zarr.ErrNotArray),
		errors.Is(err, zarr.ErrNotGroup):
		return http.StatusNotFound
	case errors.As(err, &rangeErr),
		errors.As(err, &formatErr),
		errors.Is(err, zarr.ErrUnsupportedDtype),
		errors.Is(err, zarr.ErrUnsupportedCodec),
		errors.Is(err, zarr.ErrUnsupportedFilter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= 500 {
		s.lg.Warn("Load failed", zap.Error(err), zap.Int("status", code))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
