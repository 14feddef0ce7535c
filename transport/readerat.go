package transport

import (
	"context"
	"io"
	"sync"

	"github.com/ScriptRock/rangepdf/chunked"
)

// ReaderAt serves a file from an io.ReaderAt of known size, such as an
// *os.File or a *bytes.Reader. It always supports ranges.
type ReaderAt struct {
	r        io.ReaderAt
	size     int64
	readSize int

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ chunked.Transport = (*ReaderAt)(nil)

// NewReaderAt returns a transport over the first size bytes of r.
// A non-positive readSize means DefaultReadSize.
func NewReaderAt(r io.ReaderAt, size int64, readSize int) *ReaderAt {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &ReaderAt{r: r, size: size, readSize: readSize, ctx: ctx, cancel: cancel}
}

func (t *ReaderAt) FullReader() chunked.FullReader {
	return &sectionReader{t: t, sr: io.NewSectionReader(t.r, 0, t.size)}
}

func (t *ReaderAt) RangeReader(begin, end int64) chunked.RangeReader {
	return &sectionReader{t: t, sr: io.NewSectionReader(t.r, begin, end-begin)}
}

func (t *ReaderAt) CancelAllRequests(reason error) {
	t.cancel(reason)
}

type sectionReader struct {
	t  *ReaderAt
	sr *io.SectionReader

	mu        sync.Mutex
	cancelled error
}

func (r *sectionReader) HeadersReady(context.Context) error { return nil }
func (r *sectionReader) ContentLength() int64               { return r.t.size }
func (r *sectionReader) IsRangeSupported() bool             { return true }
func (r *sectionReader) IsStreamingSupported() bool         { return true }

func (r *sectionReader) Read(ctx context.Context) ([]byte, bool, error) {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	switch {
	case cancelled != nil:
		return nil, false, cancelled
	case r.t.ctx.Err() != nil:
		return nil, false, context.Cause(r.t.ctx)
	case ctx.Err() != nil:
		return nil, false, context.Cause(ctx)
	}

	buf := make([]byte, r.t.readSize)
	n, err := r.sr.Read(buf)
	if n > 0 {
		return buf[:n], false, nil
	}
	if err == io.EOF {
		return nil, true, nil
	}
	return nil, false, err
}

func (r *sectionReader) Cancel(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = reason
}
