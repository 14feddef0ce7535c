package pdf

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/ScriptRock/rangepdf/chunked"
)

// Options configures how a document is opened and loaded.
type Options struct {
	// DocID identifies the document in logs. A random UUID is used when
	// it is empty.
	DocID string
	// Password is tried as the user and then the owner password of an
	// encrypted file.
	Password string
	// RangeChunkSize is the unit of range requests. It defaults to
	// chunked.DefaultChunkSize.
	RangeChunkSize int64
	// DisableAutoFetch stops the background loading of chunks nobody has
	// asked for yet.
	DisableAutoFetch bool
	// DisableStream stops Open from reading the file in order alongside
	// range requests.
	DisableStream bool
	// Length overrides the content length reported by the transport.
	Length     int64
	OnProgress func(chunked.Progress)
	Logger     *slog.Logger
}

// DefaultOptions returns the options Open uses when given a zero Options.
func DefaultOptions() Options {
	return Options{
		RangeChunkSize: chunked.DefaultChunkSize,
		Logger:         slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DocID == "" {
		o.DocID = uuid.NewString()
	}
	if o.RangeChunkSize <= 0 {
		o.RangeChunkSize = def.RangeChunkSize
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}
