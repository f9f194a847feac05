package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

type MetaType string

const (
	// MTAttributes stores userland metadata keyed by array name
	MTAttributes MetaType = ".zattrs"
	// MTArray is the key for storing metadata on an array store
	MTArray MetaType = ".zarray"
	// MTGroup is the key for storing group definitions on an array store
	MTGroup MetaType = ".zgroup"
	// MTMetadata is the key for composite metadata
	MTMetadata MetaType = ".zmetadata"
)

type MetaTyper interface {
	MetaType() MetaType
}

var metaTypes = map[MetaType]struct{}{
	MTAttributes: {},
	MTArray:      {},
	MTGroup:      {},
}

// relies on the fact that all keynames are 7 characters long
func KeyMetaType(s string) (mt MetaType, ok bool) {
	if len(s) < 7 {
		return mt, false
	}
	mt = MetaType(s[len(s)-7:])
	_, ok = metaTypes[mt]
	return mt, ok
}

type Attributes map[string]interface{}

func (Attributes) MetaType() MetaType { return MTAttributes }

// ConsolidatedMetadata is the content of a ".zmetadata" key: every metadata
// document of a hierarchy gathered into one object.
type ConsolidatedMetadata struct {
	ConsolidatedFormat int                  `json:"zarr_consolidated_format"`
	Metadata           map[string]MetaTyper `json:"metadata"`

	raw map[string]json.RawMessage
}

type consolidatedMetaDecoder struct {
	ConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
}

func (m *ConsolidatedMetadata) UnmarshalJSON(d []byte) error {
	cd := consolidatedMetaDecoder{}
	if err := json.Unmarshal(d, &cd); err != nil {
		return err
	}
	if cd.ConsolidatedFormat != 1 {
		return errors.Errorf("unsupported consolidated format %d", cd.ConsolidatedFormat)
	}
	cm := ConsolidatedMetadata{
		ConsolidatedFormat: cd.ConsolidatedFormat,
		Metadata:           map[string]MetaTyper{},
		raw:                cd.Metadata,
	}

	for key, data := range cd.Metadata {
		kt, ok := KeyMetaType(key)
		if !ok {
			return fmt.Errorf("invalid consoldated metadata key: %q", key)
		}

		switch kt {
		case MTArray:
			arr := &ArrayMeta{}
			if err := json.Unmarshal(data, arr); err != nil {
				return fmt.Errorf("reading %q metadata: %w", key, err)
			}
			cm.Metadata[key] = arr
		case MTAttributes:
			attr := Attributes{}
			if err := json.Unmarshal(data, &attr); err != nil {
				return fmt.Errorf("reading %q attributes: %w", key, err)
			}
			cm.Metadata[key] = attr
		case MTGroup:
			grp := &Group{}
			if err := json.Unmarshal(data, grp); err != nil {
				return fmt.Errorf("reading %q group: %w", key, err)
			}
			cm.Metadata[key] = grp
		}
	}

	*m = cm
	return nil
}

// Raw returns the undecoded document stored under key.
func (m *ConsolidatedMetadata) Raw(key string) ([]byte, bool) {
	d, ok := m.raw[key]
	return d, ok
}

// Arrays lists the paths of all arrays in the hierarchy, sorted.
func (m *ConsolidatedMetadata) Arrays() []string {
	var paths []string
	for key, v := range m.Metadata {
		if v.MetaType() != MTArray {
			continue
		}
		paths = append(paths, strings.TrimSuffix(strings.TrimSuffix(key, string(MTArray)), "/"))
	}
	sort.Strings(paths)
	return paths
}

// Each array requires essential configuration metadata to be stored,
// enabling correct interpretation of the stored data.
// This metadata is encoded using JSON and stored as the value of the
// “.zarray” key within an array store.
type ArrayMeta struct {
	// An integer defining the version of the storage specification to which
	// the array store adheres.
	ZarrFormat int `json:"zarr_format"`
	// A list of integers defining the length of each dimension of the array.
	Shape []int `json:"shape"`
	// A list of integers defining the length of each dimension of a chunk of the
	// array. Note that all chunks within a Zarr array have the same shape.
	Chunks []int `json:"chunks"`
	// A string or list defining a valid data type for the array. See also the
	// subsection below on data type encoding.
	Dtype StructuredType `json:"dtype"`
	// A JSON object identifying the primary compression codec and providing
	// configuration parameters, or null if no compressor is to be used. The
	// object MUST contain an "id" key identifying the codec to be used.
	Compressor *CompressionMeta `json:"compressor"`

	// A scalar value providing the default value to use for uninitialized
	// portions of the array, or null if no fill_value is to be used.
	// If an array has a fixed length byte string data type (e.g., "|S12"), or a
	// structured data type, and if the fill value is not null, then the fill
	// value MUST be encoded as an ASCII string using the standard Base64
	// alphabet.
	FillValue interface{} `json:"fill_value"`
	// Either “C” or “F”, defining the layout of bytes within each chunk of the
	// array. “C” means row-major order, i.e., the last dimension varies fastest;
	// “F” means column-major order, i.e., the first dimension varies fastest.
	Order string `json:"order"`
	// A list of JSON objects providing codec configurations, or null if no
	// filters are to be applied. Each codec configuration object MUST contain a
	// "id" key identifying the codec to be used.
	Filters []Filter `json:"filters"`

	// optional fields

	// If present, either the string "." or "/"" definining the separator placed
	// between the dimensions of a chunk. If the value is not set, then the
	// default MUST be assumed to be ".", leading to chunk keys of the form “0.0”.
	// Arrays defined with "/" as the dimension separator can be considered to
	// have nested, or hierarchical, keys of the form “0/0” that SHOULD where
	// possible produce a directory-like structure.
	DimensionSeparator string `json:"dimension_separator"`
}

func (a ArrayMeta) MetaType() MetaType { return MTArray }

// Validate checks the fields the reader depends on.
func (a *ArrayMeta) Validate() error {
	if a.ZarrFormat != 2 {
		return errors.Errorf("unsupported zarr_format %d", a.ZarrFormat)
	}
	if len(a.Chunks) != len(a.Shape) {
		return errors.Errorf("chunks %v do not match shape %v", a.Chunks, a.Shape)
	}
	for i := range a.Shape {
		if a.Shape[i] < 0 {
			return errors.Errorf("negative extent in shape %v", a.Shape)
		}
		if a.Chunks[i] <= 0 {
			return errors.Errorf("non-positive extent in chunks %v", a.Chunks)
		}
	}
	switch a.Order {
	case "C", "F":
	default:
		return errors.Errorf("invalid order %q", a.Order)
	}
	switch a.DimensionSeparator {
	case "", ".", "/":
	default:
		return errors.Errorf("invalid dimension_separator %q", a.DimensionSeparator)
	}
	if !a.Dtype.IsBasic() {
		return errors.Errorf("structured dtype %s: %w", a.Dtype.Human(), ErrUnsupportedDtype)
	}
	return nil
}

// Separator returns the chunk key separator, defaulting to ".".
func (a *ArrayMeta) Separator() string {
	if a.DimensionSeparator == "" {
		return "."
	}
	return a.DimensionSeparator
}

// Fill returns the fill value as a float64. A null fill value is NaN for
// floating point arrays and zero for everything else.
func (a *ArrayMeta) Fill() (float64, error) {
	switch v := a.FillValue.(type) {
	case nil:
		if a.Dtype.Dtype.BasicType == BTFloatingPoint {
			return math.NaN(), nil
		}
		return 0, nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		switch v {
		case FillValueNaN:
			return math.NaN(), nil
		case FillValueInfinity:
			return math.Inf(1), nil
		case FillValueNegativeInfinity:
			return math.Inf(-1), nil
		}
		return 0, errors.Errorf("unsupported fill_value %q", v)
	default:
		return 0, errors.Errorf("unsupported fill_value %v (%T)", v, v)
	}
}

// Filter is a numcodecs filter configuration. Only the fields used by the
// supported filters are decoded.
type Filter struct {
	ID     string  `json:"id"`
	Dtype  string  `json:"dtype"`
	AsType string  `json:"astype"`
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

const (
	// Not a Number
	FillValueNaN = "NaN"
	// Infinity
	FillValueInfinity = "Infinity"
	// -Infinity
	FillValueNegativeInfinity = "-Infinity"
)
