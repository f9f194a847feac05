package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

const ConsolidatedStoreType = "ConsolidatedStore"

// ConsolidatedStore serves metadata keys from a store's ".zmetadata"
// document and passes every other key through. Metadata keys missing from
// the document are reported as not found without asking the store.
type ConsolidatedStore struct {
	next Store
	meta *ConsolidatedMetadata
}

var _ Store = (*ConsolidatedStore)(nil)

// WithConsolidated reads ".zmetadata" from s. It fails if the store has no
// consolidated metadata.
func WithConsolidated(ctx context.Context, s Store) (*ConsolidatedStore, error) {
	d, err := readKey(ctx, s, string(MTMetadata))
	if err != nil {
		return nil, errors.Wrap(err, "read consolidated metadata")
	}
	cm := &ConsolidatedMetadata{}
	if err := json.Unmarshal(d, cm); err != nil {
		return nil, errors.Wrap(err, "decode consolidated metadata")
	}
	return &ConsolidatedStore{next: s, meta: cm}, nil
}

// TryWithConsolidated is WithConsolidated, returning s unchanged when the
// store has no ".zmetadata" key.
func TryWithConsolidated(ctx context.Context, s Store) (Store, error) {
	cs, err := WithConsolidated(ctx, s)
	if errors.Is(err, ErrNotfound) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *ConsolidatedStore) Type() string { return ConsolidatedStoreType }

// Metadata returns the decoded consolidated document.
func (s *ConsolidatedStore) Metadata() *ConsolidatedMetadata { return s.meta }

func (s *ConsolidatedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = strings.TrimLeft(key, "/")
	if _, ok := KeyMetaType(key); ok {
		d, ok := s.meta.Raw(key)
		if !ok {
			return nil, errors.Wrap(ErrNotfound, key)
		}
		return io.NopCloser(bytes.NewReader(d)), nil
	}
	return s.next.Get(ctx, key)
}

func (s *ConsolidatedStore) Put(context.Context, string, io.Reader) error {
	return ErrReadOnly
}
