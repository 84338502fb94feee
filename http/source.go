// Package http opens CRX packages served over HTTP without downloading them
// first. Header parsing issues small range requests; the payload is streamed
// with a single ranged GET.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"
)

// ErrRangeUnsupported is returned when the server ignores Range headers.
var ErrRangeUnsupported = errors.New("http: range requests not supported")

// Source implements crx.ByteSource over HTTP range requests.
type Source struct {
	ctx     context.Context //nolint:containedctx // ReadAt has no context parameter
	url     string
	client  *nethttp.Client
	headers nethttp.Header
	logger  *slog.Logger
	ifMatch bool

	size int64
	etag string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithIfMatch pins later reads to the ETag observed when the source was
// opened, so a package replaced mid-read fails instead of mixing bytes.
// Disabled by default because some CDNs reject conditional range requests.
func WithIfMatch() Option {
	return func(s *Source) {
		s.ifMatch = true
	}
}

// WithLogger sets a logger for request diagnostics.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// Open probes url with a one-byte range request to learn the content size.
// ctx bounds every request made through the returned Source.
func Open(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		ctx:    ctx,
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if err := s.probe(); err != nil {
		return nil, err
	}
	s.log().Debug("http: opened source", "url", url, "size", s.size, "etag", s.etag)
	return s, nil
}

func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// ETag returns the entity tag reported by the server, if any.
func (s *Source) ETag() string {
	return s.etag
}

// ReadAt reads len(p) bytes at off with one range request. Short reads at the
// end of the content return io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	want := min(int64(len(p)), s.size-off)
	body, err := s.get(off, want)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, err
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// OpenRange streams length bytes starting at off. The caller must close the
// returned reader.
func (s *Source) OpenRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("read range %d+%d: negative offset or length", off, length)
	}
	if length == 0 || off >= s.size {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return s.get(off, min(length, s.size-off))
}

func (s *Source) get(off, length int64) (io.ReadCloser, error) {
	req, err := s.newRequest()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	if s.ifMatch && s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return &rangeBody{body: resp.Body, r: io.LimitReader(resp.Body, length)}, nil
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, ErrRangeUnsupported
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("range request %d-%d: %s", off, off+length-1, resp.Status)
	}
}

// probe learns the content size from the Content-Range of a bytes=0-0 request.
func (s *Source) probe() error {
	req, err := s.newRequest()
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		// An empty object cannot satisfy bytes=0-0 and answers "bytes */0".
		size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || size != 0 {
			return fmt.Errorf("range probe %s: %s", s.url, resp.Status)
		}
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("range probe %s: %s", s.url, resp.Status)
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	return nil
}

func (s *Source) newRequest() (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, nethttp.MethodGet, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// rangeBody drains the response on close so the connection can be reused.
type rangeBody struct {
	body io.ReadCloser
	r    io.Reader
}

func (b *rangeBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *rangeBody) Close() error {
	_, _ = io.Copy(io.Discard, b.body) //nolint:errcheck // best-effort drain for connection reuse
	return b.body.Close()
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// parseContentRange returns the total size from "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
