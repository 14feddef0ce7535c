package chunked

import (
	"context"
	"errors"
)

// ErrAborted is the abort reason used when none is given.
var ErrAborted = errors.New("chunked: loading aborted")

// A Transport delivers the bytes of one remote file.
type Transport interface {
	// FullReader returns the reader for the whole file. It is called at
	// most once per Transport.
	FullReader() FullReader
	// RangeReader returns a reader for the bytes in [begin, end).
	RangeReader(begin, end int64) RangeReader
	// CancelAllRequests stops every outstanding read with reason.
	CancelAllRequests(reason error)
}

// A FullReader reads the whole file in order.
type FullReader interface {
	// HeadersReady blocks until the response metadata below is known.
	HeadersReady(ctx context.Context) error
	// ContentLength returns the file length, or 0 if it is not known.
	ContentLength() int64
	IsRangeSupported() bool
	IsStreamingSupported() bool
	// Read returns the next piece of the file. done is true once the
	// file has been fully read, in which case data is nil.
	Read(ctx context.Context) (data []byte, done bool, err error)
	Cancel(reason error)
}

// A RangeReader reads one byte range.
type RangeReader interface {
	Read(ctx context.Context) (data []byte, done bool, err error)
	IsStreamingSupported() bool
	Cancel(reason error)
}
