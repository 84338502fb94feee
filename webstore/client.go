// Package webstore downloads extension packages from the Chrome Web Store
// update service.
//
// The client only produces container bytes; conversion is left to the crx
// package.
package webstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"

	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the Chrome Web Store update endpoint.
const DefaultBaseURL = "https://clients2.google.com/service/update2/crx"

// idLen is the length of an extension id.
const idLen = 32

// Sentinel errors.
var (
	// ErrInvalidID is returned for ids outside the 32-letter a-p alphabet.
	ErrInvalidID = errors.New("webstore: invalid extension id")

	// ErrNotFound is returned when the service does not know the extension.
	ErrNotFound = errors.New("webstore: extension not found")

	// ErrNoContent is returned when the service answers 204, typically
	// because the reported product version is too old.
	ErrNoContent = errors.New("webstore: no content")
)

// Cache stores downloaded packages by key.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
}

// Client fetches extension packages. It is safe for concurrent use.
type Client struct {
	baseURL   string
	client    *nethttp.Client
	headers   nethttp.Header
	query     Query
	cache     Cache
	logger    *slog.Logger
	fetchOnce singleflight.Group
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client:  nethttp.DefaultClient,
		query:   DefaultQuery(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = nethttp.DefaultClient
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// ValidID reports whether id is a well-formed extension id.
func ValidID(id string) bool {
	if len(id) != idLen {
		return false
	}
	for i := range len(id) {
		if id[i] < 'a' || id[i] > 'p' {
			return false
		}
	}
	return true
}

// Fetch downloads the package for extension id.
//
// Concurrent calls for the same id share a single request. When a cache is
// configured it is consulted first and filled on success.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	key := c.query.cacheKey(id)
	if c.cache != nil {
		if data, ok := c.cache.Get(key); ok {
			c.log().Debug("webstore: cache hit", "id", id, "bytes", len(data))
			return data, nil
		}
	}

	// The download outlives any single caller. Each caller stops waiting
	// when its own context ends.
	ch := c.fetchOnce.DoChan(key, func() (any, error) {
		data, err := c.download(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if putErr := c.cache.Put(key, data); putErr != nil {
				c.log().Warn("webstore: cache put failed", "id", id, "error", putErr)
			}
		}
		return data, nil
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Shared {
		c.log().Debug("webstore: shared download", "id", id)
	}
	data, _ := r.Val.([]byte) //nolint:errcheck // type is fixed by the closure above
	return data, nil
}

// download performs the GET request for id.
func (c *Client) download(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	c.log().Debug("webstore: downloading", "id", id, "url", req.URL.Redacted())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// ok
	case nethttp.StatusNoContent:
		return nil, fmt.Errorf("%w: %s (prodversion %s)", ErrNoContent, id, c.query.ProdVersion)
	case nethttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return nil, fmt.Errorf("download %s: %s", id, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	c.log().Info("webstore: downloaded", "id", id, "bytes", len(data))
	return data, nil
}

// newRequest creates the GET request with configured headers.
func (c *Client) newRequest(ctx context.Context, id string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.baseURL, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = c.query.Values(id).Encode()
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return req, nil
}
