package zarr

import (
	"bytes"
	"context"
	"io"

	"github.com/coocood/freecache"
	"go.uber.org/zap"
)

const CacheStoreType = "CacheStore"

// CacheStore is a read-through cache in front of another store. Values too
// large for the cache are passed through uncached. Missing keys are not
// cached.
type CacheStore struct {
	next   Store
	cache  *freecache.Cache
	ns     string
	ttl    int
	logger *zap.Logger
}

var _ Store = (*CacheStore)(nil)

// NewCacheStore caches values read from next in c. Entries are keyed by ns
// plus the store key so one cache may be shared between stores; ttl is in
// seconds, zero means no expiry.
func NewCacheStore(next Store, c *freecache.Cache, ns string, ttl int, lg *zap.Logger) *CacheStore {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &CacheStore{
		next:   next,
		cache:  c,
		ns:     ns,
		ttl:    ttl,
		logger: lg,
	}
}

func (s *CacheStore) Type() string { return CacheStoreType }

func (s *CacheStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ck := []byte(s.ns + "\x00" + key)
	if v, err := s.cache.Get(ck); err == nil {
		return io.NopCloser(bytes.NewReader(v)), nil
	}

	v, err := readKey(ctx, s.next, key)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ck, v, s.ttl); err != nil {
		s.logger.Debug("Not cached", zap.String("key", key), zap.Error(err))
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}

// Put writes through to the next store and drops any cached value.
func (s *CacheStore) Put(ctx context.Context, key string, val io.Reader) error {
	s.cache.Del([]byte(s.ns + "\x00" + key))
	return s.next.Put(ctx, key, val)
}
