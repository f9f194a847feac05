package zarr

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coocood/freecache"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func readString(t *testing.T, s Store, key string) string {
	t.Helper()
	d, err := readKey(context.Background(), s, key)
	require.NoError(t, err)
	return string(d)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.Equal(t, MemoryStoreType, s.Type())

	_, err := s.Get(ctx, "a/.zarray")
	require.ErrorIs(t, err, ErrNotfound)

	require.NoError(t, s.Put(ctx, "a/.zarray", strings.NewReader("{}")))
	require.NoError(t, s.Put(ctx, "a/0.0", strings.NewReader("data")))
	require.Equal(t, "data", readString(t, s, "a/0.0"))
	require.Equal(t, []string{"a/.zarray", "a/0.0"}, s.Keys())
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.Equal(t, LocalStoreType, s.Type())

	require.NoError(t, s.Put(ctx, "precip/0.0.0", strings.NewReader("chunk")))
	require.Equal(t, "chunk", readString(t, s, "precip/0.0.0"))

	_, err = s.Get(ctx, "precip/0.0.1")
	require.ErrorIs(t, err, ErrNotfound)

	_, err = s.Get(ctx, "../outside")
	require.Error(t, err)
	require.Error(t, s.Put(ctx, "../../outside", strings.NewReader("x")))

	_, err = NewLocalStore(dir + "/does-not-exist")
	require.Error(t, err)

	f, err := os.CreateTemp(dir, "file")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = NewLocalStore(f.Name())
	require.Error(t, err)
}

func TestHTTPStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "zarr-v1/.zgroup", strings.NewReader(`{"zarr_format": 2}`)))

	var (
		mux      sync.Mutex
		failures = map[string]int{"/zarr-v1/.zgroup": 2}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.Lock()
		n := failures[r.URL.Path]
		if n > 0 {
			failures[r.URL.Path] = n - 1
		}
		mux.Unlock()
		switch {
		case r.URL.Path == "/forbidden/.zgroup":
			w.WriteHeader(http.StatusForbidden)
			return
		case n > 0:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rc, err := mem.Get(r.Context(), strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer rc.Close()
		_, _ = io.Copy(w, rc)
	}))
	defer srv.Close()

	s, err := NewHTTPStore(srv.URL+"/zarr-v1/", HTTPStoreOptions{
		Client:        srv.Client(),
		Retries:       3,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, HTTPStoreType, s.Type())
	require.Equal(t, srv.URL+"/zarr-v1/a/.zarray", s.URL("/a/.zarray"))

	require.Equal(t, `{"zarr_format": 2}`, readString(t, s, ".zgroup"))
	stats := s.Stats()
	require.Equal(t, int64(3), stats.Requests)
	require.Equal(t, int64(len(`{"zarr_format": 2}`)), stats.Bytes)

	_, err = s.Get(ctx, "missing/.zarray")
	require.ErrorIs(t, err, ErrNotfound)
	require.Equal(t, int64(4), s.Stats().Requests, "not found is not retried")

	fs, err := NewHTTPStore(srv.URL+"/forbidden", HTTPStoreOptions{Client: srv.Client(), Retries: 3})
	require.NoError(t, err)
	_, err = fs.Get(ctx, ".zgroup")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotfound)
	require.Equal(t, int64(1), fs.Stats().Requests)

	require.ErrorIs(t, s.Put(ctx, "x", strings.NewReader("")), ErrReadOnly)

	_, err = NewHTTPStore("ftp://example.com/data", HTTPStoreOptions{})
	require.Error(t, err)
}

func TestHTTPStoreRetriesExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewHTTPStore(srv.URL, HTTPStoreOptions{Client: srv.Client(), Retries: 2, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), ".zgroup")
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStore(memblob.OpenBucket(nil), "data.zarr/")
	defer s.Close()
	require.Equal(t, BlobStoreType, s.Type())

	require.NoError(t, s.Put(ctx, ".zgroup", strings.NewReader(`{"zarr_format": 2}`)))
	require.Equal(t, `{"zarr_format": 2}`, readString(t, s, ".zgroup"))

	_, err := s.Get(ctx, "nope/.zarray")
	require.ErrorIs(t, err, ErrNotfound)

	dir := t.TempDir()
	fs, err := OpenBlobStore(ctx, "file://"+dir)
	require.NoError(t, err)
	defer fs.Close()
	require.NoError(t, fs.Put(ctx, "a/0.0", bytes.NewReader([]byte{1, 2})))
	require.Equal(t, "\x01\x02", readString(t, fs, "a/0.0"))
}

func TestOpenBlobStorePrefix(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		url, prefix string
	}{
		{"mem://bucket", ""},
		{"mem://bucket/", ""},
		{"mem://bucket/mur-sst.zarr", "mur-sst.zarr/"},
		{"mem://bucket/a/b.zarr/", "a/b.zarr/"},
	} {
		s, err := OpenBlobStore(ctx, tt.url)
		require.NoError(t, err, tt.url)
		require.Equal(t, tt.prefix, s.prefix, tt.url)

		require.NoError(t, s.Put(ctx, ".zgroup", strings.NewReader(`{"zarr_format": 2}`)))
		ok, err := s.bucket.Exists(ctx, tt.prefix+".zgroup")
		require.NoError(t, err)
		require.True(t, ok, tt.url)
		require.Equal(t, `{"zarr_format": 2}`, readString(t, s, ".zgroup"))
		require.NoError(t, s.Close())
	}
}

type countingStore struct {
	Store
	mux  sync.Mutex
	gets map[string]int
}

func (s *countingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mux.Lock()
	if s.gets == nil {
		s.gets = map[string]int{}
	}
	s.gets[key]++
	s.mux.Unlock()
	return s.Store.Get(ctx, key)
}

func TestCacheStore(t *testing.T) {
	ctx := context.Background()
	next := &countingStore{Store: NewMemoryStore()}
	require.NoError(t, next.Put(ctx, "a/0.0", strings.NewReader("chunk")))

	s := NewCacheStore(next, freecache.NewCache(1024*1024), "test", 0, nil)
	require.Equal(t, CacheStoreType, s.Type())
	for i := 0; i < 3; i++ {
		require.Equal(t, "chunk", readString(t, s, "a/0.0"))
	}
	require.Equal(t, 1, next.gets["a/0.0"])

	for i := 0; i < 2; i++ {
		_, err := s.Get(ctx, "a/1.0")
		require.ErrorIs(t, err, ErrNotfound)
	}
	require.Equal(t, 2, next.gets["a/1.0"])

	require.NoError(t, s.Put(ctx, "a/0.0", strings.NewReader("new")))
	require.Equal(t, "new", readString(t, s, "a/0.0"))
	require.Equal(t, 2, next.gets["a/0.0"])
}

func TestConsolidatedStore(t *testing.T) {
	ctx := context.Background()
	d, err := os.ReadFile("testdata/example.zmetadata")
	require.NoError(t, err)

	next := &countingStore{Store: NewMemoryStore()}
	require.NoError(t, next.Put(ctx, ".zmetadata", bytes.NewReader(d)))
	require.NoError(t, next.Put(ctx, "lat/0", strings.NewReader("chunk")))

	s, err := WithConsolidated(ctx, next)
	require.NoError(t, err)
	require.Equal(t, ConsolidatedStoreType, s.Type())
	require.Equal(t, []string{"lat", "precipitation"}, s.Metadata().Arrays())

	g, err := OpenGroup(ctx, Root(s))
	require.NoError(t, err)
	a, err := OpenArray(ctx, g.Resolve("precipitation"), Options{})
	require.NoError(t, err)
	require.Equal(t, []int{365, 1800, 3600}, a.Shape())
	require.Equal(t, "mm/day", a.Attrs()["units"])

	_, err = s.Get(ctx, "lon/.zarray")
	require.ErrorIs(t, err, ErrNotfound)
	require.Equal(t, "chunk", readString(t, s, "lat/0"))

	require.Equal(t, 1, next.gets[".zmetadata"])
	require.Zero(t, next.gets["precipitation/.zarray"])
	require.Zero(t, next.gets["lon/.zarray"])
	require.Equal(t, 1, next.gets["lat/0"])
}

func TestTryWithConsolidated(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	s, err := TryWithConsolidated(ctx, mem)
	require.NoError(t, err)
	require.Same(t, mem, s)

	_, err = WithConsolidated(ctx, mem)
	require.ErrorIs(t, err, ErrNotfound)

	require.NoError(t, mem.Put(ctx, ".zmetadata", strings.NewReader("not json")))
	_, err = TryWithConsolidated(ctx, mem)
	require.Error(t, err)
}
