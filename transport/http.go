// Package transport provides chunked.Transport implementations for files
// served over HTTP and for local io.ReaderAt sources.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ScriptRock/rangepdf/chunked"
)

// DefaultReadSize is the largest piece returned by a single Read.
const DefaultReadSize = 64 << 10

// HTTPOptions configures an HTTP transport.
type HTTPOptions struct {
	Client *http.Client
	// Header is added to every request.
	Header   http.Header
	ReadSize int
	Logger   *slog.Logger
}

// DefaultHTTPOptions returns the options used for zero fields.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Client:   http.DefaultClient,
		ReadSize: DefaultReadSize,
		Logger:   slog.Default(),
	}
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	d := DefaultHTTPOptions()
	if o.Client == nil {
		o.Client = d.Client
	}
	if o.ReadSize <= 0 {
		o.ReadSize = d.ReadSize
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

// HTTP loads a file from a URL. The full reader issues a plain GET; range
// readers issue GETs with a Range header.
type HTTP struct {
	url  string
	opts HTTPOptions

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ chunked.Transport = (*HTTP)(nil)

// NewHTTP returns a transport for url.
func NewHTTP(url string, opts HTTPOptions) *HTTP {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &HTTP{url: url, opts: opts.withDefaults(), ctx: ctx, cancel: cancel}
}

func (t *HTTP) newRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	for k, vv := range t.opts.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func (t *HTTP) FullReader() chunked.FullReader {
	ctx, cancel := context.WithCancelCause(t.ctx)
	return &httpFullReader{t: t, ctx: ctx, cancel: cancel, ready: make(chan struct{})}
}

func (t *HTTP) RangeReader(begin, end int64) chunked.RangeReader {
	ctx, cancel := context.WithCancelCause(t.ctx)
	return &httpRangeReader{t: t, begin: begin, end: end, ctx: ctx, cancel: cancel}
}

func (t *HTTP) CancelAllRequests(reason error) {
	t.cancel(reason)
}

type httpFullReader struct {
	t      *HTTP
	ctx    context.Context
	cancel context.CancelCauseFunc

	once   sync.Once
	ready  chan struct{}
	err    error
	body   io.ReadCloser
	length int64
	ranges bool
}

func (r *httpFullReader) start() {
	defer close(r.ready)
	req, err := r.t.newRequest(r.ctx)
	if err != nil {
		r.err = err
		return
	}
	resp, err := r.t.opts.Client.Do(req)
	if err != nil {
		r.err = err
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		r.err = &StatusError{URL: r.t.url, Code: resp.StatusCode}
		return
	}
	r.body = resp.Body
	r.length = max(resp.ContentLength, 0)
	enc := resp.Header.Get("Content-Encoding")
	r.ranges = resp.Header.Get("Accept-Ranges") == "bytes" && (enc == "" || enc == "identity")
	r.t.opts.Logger.Debug("full request headers received",
		slog.String("url", r.t.url), slog.Int64("length", r.length), slog.Bool("ranges", r.ranges))
}

func (r *httpFullReader) HeadersReady(ctx context.Context) error {
	r.once.Do(func() { go r.start() })
	select {
	case <-r.ready:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *httpFullReader) ContentLength() int64       { return r.length }
func (r *httpFullReader) IsRangeSupported() bool     { return r.ranges }
func (r *httpFullReader) IsStreamingSupported() bool { return true }

func (r *httpFullReader) Read(ctx context.Context) ([]byte, bool, error) {
	if err := r.HeadersReady(ctx); err != nil {
		return nil, false, err
	}
	return readBody(r.ctx, r.body, r.t.opts.ReadSize)
}

func (r *httpFullReader) Cancel(reason error) {
	r.cancel(reason)
}

type httpRangeReader struct {
	t          *HTTP
	begin, end int64
	ctx        context.Context
	cancel     context.CancelCauseFunc

	body io.ReadCloser
}

func (r *httpRangeReader) open() error {
	req, err := r.t.newRequest(r.ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.begin, r.end-1))
	resp, err := r.t.opts.Client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return &StatusError{URL: r.t.url, Code: resp.StatusCode}
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if begin, ok := contentRangeStart(cr); ok && begin != r.begin {
			resp.Body.Close()
			return fmt.Errorf("transport: %s: range starts at %d, want %d", r.t.url, begin, r.begin)
		}
	}
	r.body = resp.Body
	return nil
}

func (r *httpRangeReader) Read(ctx context.Context) ([]byte, bool, error) {
	if r.body == nil {
		if err := r.open(); err != nil {
			return nil, false, err
		}
	}
	if ctx.Err() != nil {
		r.body.Close()
		return nil, false, context.Cause(ctx)
	}
	return readBody(r.ctx, r.body, r.t.opts.ReadSize)
}

func (r *httpRangeReader) IsStreamingSupported() bool { return true }

func (r *httpRangeReader) Cancel(reason error) {
	r.cancel(reason)
}

func readBody(ctx context.Context, body io.ReadCloser, size int) ([]byte, bool, error) {
	buf := make([]byte, size)
	n, err := body.Read(buf)
	if n > 0 {
		return buf[:n], false, nil
	}
	if err == io.EOF {
		body.Close()
		return nil, true, nil
	}
	if err != nil {
		body.Close()
		if ctx.Err() != nil {
			return nil, false, context.Cause(ctx)
		}
		return nil, false, err
	}
	return nil, false, nil
}

// contentRangeStart parses the first byte position of a
// "bytes first-last/length" header.
func contentRangeStart(h string) (int64, bool) {
	rng, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	return n, err == nil
}

// A StatusError reports an unexpected HTTP response status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}
