package zarr

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-faster/errors"
)

const (
	MemoryStoreType   = "MemoryStore"
	LocalStoreType    = "LocalStore"
	dirPermissionBits = 0755
)

var (
	// ErrNotfound is returned (wrapped) by stores for keys that do not exist.
	ErrNotfound = errors.New("not found")
	// ErrReadOnly is returned by Put on stores that cannot be written to.
	ErrReadOnly = errors.New("store is read-only")
)

// Store is a key/value view of a zarr hierarchy. Keys are slash separated
// logical paths such as "precipitation/.zarray" or "precipitation/0.0.0".
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, val io.Reader) error
	Type() string
}

// readKey fetches a whole value from a store.
func readKey(ctx context.Context, s Store, key string) ([]byte, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type MemoryStore struct {
	lk   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string][]byte{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, errors.Wrap(ErrNotfound, key)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, val io.Reader) error {
	d, err := io.ReadAll(val)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = d

	return nil
}

// Keys lists stored keys in lexical order.
func (s *MemoryStore) Keys() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type LocalStore struct {
	base string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore opens a store rooted at an existing directory.
func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(base)
	if err != nil {
		return nil, errors.Wrap(err, "open local store")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("local store %q is not a directory", base)
	}

	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

func (s *LocalStore) path(key string) (string, error) {
	p := filepath.Join(s.base, filepath.FromSlash(key))
	if p != s.base && !strings.HasPrefix(p, s.base+string(filepath.Separator)) {
		return "", errors.Errorf("key %q escapes store root", key)
	}
	return p, nil
}

func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(ErrNotfound, key)
	}
	return f, err
}

func (s *LocalStore) Put(_ context.Context, key string, val io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermissionBits); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, val); err != nil {
		f.Close()
		return errors.Wrap(err, "write")
	}
	return f.Close()
}
