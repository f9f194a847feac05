package zarr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const HTTPStoreType = "HTTPStore"

// HTTPStoreOptions configures an HTTPStore.
type HTTPStoreOptions struct {
	Client *http.Client
	Logger *zap.Logger
	// Retries is the number of additional attempts made for transport
	// errors and 5xx responses. Zero disables retries.
	Retries int
	// RetryInterval is the initial backoff interval.
	RetryInterval time.Duration
	// Header is added to every request.
	Header http.Header
}

func (o *HTTPStoreOptions) setDefaults() {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 250 * time.Millisecond
	}
}

// HTTPStore reads keys relative to a base URL, e.g. a public object store
// bucket exposed over HTTPS.
type HTTPStore struct {
	base string
	opt  HTTPStoreOptions

	requests atomic.Int64
	bytes    atomic.Int64
}

var _ Store = (*HTTPStore)(nil)

// HTTPStats counts traffic issued by an HTTPStore.
type HTTPStats struct {
	Requests int64
	Bytes    int64
}

func NewHTTPStore(base string, opt HTTPStoreOptions) (*HTTPStore, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	opt.setDefaults()
	return &HTTPStore{
		base: strings.TrimRight(base, "/"),
		opt:  opt,
	}, nil
}

func (s *HTTPStore) Type() string { return HTTPStoreType }

// URL returns the address a key is fetched from.
func (s *HTTPStore) URL(key string) string {
	return s.base + "/" + strings.TrimLeft(key, "/")
}

func (s *HTTPStore) Stats() HTTPStats {
	return HTTPStats{
		Requests: s.requests.Load(),
		Bytes:    s.bytes.Load(),
	}
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.url, http.StatusText(e.code))
}

func (s *HTTPStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	u := s.URL(key)
	lg := s.opt.Logger.With(zap.String("url", u))

	var body io.ReadCloser
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range s.opt.Header {
			req.Header[k] = v
		}
		s.requests.Inc()
		res, err := s.opt.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		switch {
		case res.StatusCode == http.StatusOK:
			body = &countingBody{ReadCloser: res.Body, n: &s.bytes}
			return nil
		case res.StatusCode == http.StatusNotFound:
			res.Body.Close()
			return backoff.Permanent(errors.Wrap(ErrNotfound, key))
		case res.StatusCode >= 500:
			res.Body.Close()
			return &statusError{code: res.StatusCode, url: u}
		default:
			res.Body.Close()
			return backoff.Permanent(&statusError{code: res.StatusCode, url: u})
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opt.RetryInterval
	notify := func(err error, d time.Duration) {
		lg.Debug("Retrying", zap.Error(err), zap.Duration("after", d))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opt.Retries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	lg.Debug("Fetched")
	return body, nil
}

func (s *HTTPStore) Put(context.Context, string, io.Reader) error {
	return ErrReadOnly
}

type countingBody struct {
	io.ReadCloser
	n *atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}
