package zarr

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// URL openers for local and in-memory buckets. Cloud providers are
	// registered by the binaries that need them.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

const BlobStoreType = "BlobStore"

// BlobStore adapts a gocloud.dev bucket to the Store interface, giving access
// to gs://, s3://, file:// and mem:// hierarchies.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

var _ Store = (*BlobStore)(nil)

// OpenBlobStore opens the bucket named by a gocloud.dev URL. Outside file://
// the host names the bucket and the path, as in s3://mur-sst/zarr-v1, names
// the hierarchy within it.
func OpenBlobStore(ctx context.Context, urlstr string) (*BlobStore, error) {
	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, errors.Wrap(err, "parse bucket url")
	}
	var prefix string
	if u.Scheme != "file" {
		if p := strings.Trim(u.Path, "/"); p != "" {
			prefix = p + "/"
		}
		u.Path, u.RawPath = "", ""
	}
	b, err := blob.OpenBucket(ctx, u.String())
	if err != nil {
		return nil, errors.Wrap(err, "open bucket")
	}
	return NewBlobStore(b, prefix), nil
}

// NewBlobStore wraps an open bucket. Keys are prefixed with prefix.
func NewBlobStore(b *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: b, prefix: prefix}
}

func (s *BlobStore) Type() string { return BlobStoreType }

func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, s.prefix+key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, errors.Wrap(ErrNotfound, key)
		}
		return nil, errors.Wrap(err, "read blob")
	}
	return r, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, val io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, s.prefix+key, nil)
	if err != nil {
		return errors.Wrap(err, "open blob writer")
	}
	if _, err := io.Copy(w, val); err != nil {
		w.Close()
		return errors.Wrap(err, "write blob")
	}
	return w.Close()
}

// Close releases the underlying bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
