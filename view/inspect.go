package view

import (
	"context"

	zarr "github.com/qri-io/zarrview"
)

// Info describes an array without reading its chunks.
type Info struct {
	Location     string          `json:"location"`
	Path         string          `json:"path"`
	Store        string          `json:"store"`
	Consolidated bool            `json:"consolidated"`
	Shape        []int           `json:"shape"`
	Chunks       []int           `json:"chunks"`
	NumChunks    int             `json:"num_chunks"`
	Dtype        string          `json:"dtype"`
	Order        string          `json:"order"`
	Compressor   string          `json:"compressor,omitempty"`
	Filters      []string        `json:"filters,omitempty"`
	FillValue    interface{}     `json:"fill_value"`
	Attrs        zarr.Attributes `json:"attrs"`
	// Arrays lists every array of a consolidated hierarchy.
	Arrays []string `json:"arrays,omitempty"`

	// Summary is the human readable form printed by the CLI.
	Summary string `json:"-"`
}

// Inspect opens the array at path in location and reports its metadata.
func (l *Loader) Inspect(ctx context.Context, location, path string) (_ *Info, err error) {
	src, err := l.OpenStore(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	a, err := l.OpenArray(ctx, src, path)
	if err != nil {
		return nil, err
	}
	m := a.Meta()
	info := &Info{
		Location:     location,
		Path:         a.Path(),
		Store:        src.Store.Type(),
		Consolidated: src.Consolidated != nil,
		Shape:        a.Shape(),
		Chunks:       m.Chunks,
		NumChunks:    a.NumChunks(),
		Dtype:        a.Dtype().String(),
		Order:        m.Order,
		FillValue:    m.FillValue,
		Attrs:        a.Attrs(),
		Summary:      a.Info(),
	}
	if m.Compressor != nil {
		info.Compressor = m.Compressor.ID
	}
	for _, f := range m.Filters {
		info.Filters = append(info.Filters, f.ID)
	}
	if src.Consolidated != nil {
		info.Arrays = src.Consolidated.Arrays()
	}
	return info, nil
}
