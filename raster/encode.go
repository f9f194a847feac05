package raster

import (
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"

	"github.com/ericpauley/go-quantize/quantize"
	"github.com/go-faster/errors"
	"golang.org/x/image/draw"
)

// Kernel selects the interpolation used by Resize.
type Kernel string

const (
	Nearest    Kernel = "nearest"
	Bilinear   Kernel = "bilinear"
	CatmullRom Kernel = "catmullrom"
)

func (k Kernel) interpolator() (draw.Interpolator, error) {
	switch k {
	case Nearest, "":
		return draw.NearestNeighbor, nil
	case Bilinear:
		return draw.BiLinear, nil
	case CatmullRom:
		return draw.CatmullRom, nil
	}
	return nil, errors.Errorf("unknown kernel %q", k)
}

// Resize scales r down to fit within maxWidth by maxHeight, keeping the
// aspect ratio. A non-positive bound leaves that axis unconstrained; a
// raster that already fits is returned as is.
func Resize(r *Raster, maxWidth, maxHeight int, k Kernel) (*Raster, error) {
	interp, err := k.interpolator()
	if err != nil {
		return nil, err
	}
	scale := 1.0
	if maxWidth > 0 && r.Width > maxWidth {
		scale = float64(maxWidth) / float64(r.Width)
	}
	if maxHeight > 0 && float64(r.Height)*scale > float64(maxHeight) {
		scale = float64(maxHeight) / float64(r.Height)
	}
	if scale == 1 {
		return r, nil
	}

	w := max(1, int(float64(r.Width)*scale))
	h := max(1, int(float64(r.Height)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Bounds(), r.Image(), image.Rect(0, 0, r.Width, r.Height), draw.Src, nil)
	return &Raster{Width: w, Height: h, Pix: dst.Pix}, nil
}

// Format is an output image encoding.
type Format string

const (
	PNG Format = "png"
	GIF Format = "gif"
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == GIF {
		return "image/gif"
	}
	return "image/png"
}

// EncodeOptions configures Encode.
type EncodeOptions struct {
	Format Format
	// Colors reduces the output to a palette of at most this many colors
	// chosen by median cut. Zero keeps every gray level.
	Colors int
}

// Encode writes r to w.
func Encode(w io.Writer, r *Raster, opt EncodeOptions) error {
	if opt.Colors < 0 || opt.Colors > 256 {
		return errors.Errorf("palette size %d out of range [0, 256]", opt.Colors)
	}
	var img image.Image = r.Image()
	if opt.Colors > 0 || opt.Format == GIF {
		img = palettize(r, opt.Colors)
	}
	switch opt.Format {
	case PNG, "":
		return png.Encode(w, img)
	case GIF:
		return gif.Encode(w, img, nil)
	}
	return errors.Errorf("unknown format %q", opt.Format)
}

// grays is the palette of every gray level the rasterizer produces.
var grays = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.RGBA{R: uint8(i), G: uint8(i), B: uint8(i), A: opaque}
	}
	return p
}()

func palettize(r *Raster, colors int) *image.Paletted {
	src := r.Image()
	b := src.Bounds()
	p := grays
	if colors > 0 && colors < len(grays) {
		q := quantize.MedianCutQuantizer{}
		p = q.Quantize(make(color.Palette, 0, colors), src)
	}
	pm := image.NewPaletted(b, p)
	draw.Draw(pm, b, src, b.Min, draw.Src)
	return pm
}
