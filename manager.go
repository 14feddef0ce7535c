package pdf

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ScriptRock/rangepdf/chunked"
)

// A Manager owns the bytes of one document and loads the parts that are
// missing on request.
type Manager interface {
	DocID() string
	Password() string
	// UpdatePassword sets the password the next LoadDocument uses.
	UpdatePassword(password string)
	Stream() *chunked.Stream
	// RequestRange blocks until [begin, end) has been loaded.
	RequestRange(ctx context.Context, begin, end int64) error
	// RequestRanges loads several spans as one batch.
	RequestRanges(ctx context.Context, ranges []chunked.Range) error
	// RequestLoadedStream loads the whole file.
	RequestLoadedStream(ctx context.Context) (*chunked.Stream, error)
	// OnLoadedStream waits until the whole file has been loaded, without
	// asking for anything.
	OnLoadedStream(ctx context.Context) (*chunked.Stream, error)
	SendProgressiveData(data []byte)
	// Terminate aborts every pending and future request with reason.
	Terminate(reason error)
	Logger() *slog.Logger
}

// Ensure calls fn until it stops failing with *MissingDataError, loading
// the reported span before each retry. fn must not have side effects that
// a retry cannot repeat.
//
// Ensure gives up when ctx is done, when loading fails, or when fn reports
// missing data although the whole file is present.
func Ensure[T any](ctx context.Context, m Manager, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		var md *MissingDataError
		if err == nil || !errors.As(err, &md) {
			return v, err
		}
		if m.Stream().AllChunksLoaded() {
			return v, err
		}
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m.Logger().Debug("loading missing data", slog.Int64("begin", md.Begin), slog.Int64("end", md.End))
		if err := m.RequestRange(ctx, md.Begin, md.End); err != nil {
			return zero, err
		}
	}
}

func ensure(ctx context.Context, m Manager, fn func() error) error {
	_, err := Ensure(ctx, m, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

type passwordHolder struct {
	mu       sync.Mutex
	password string
}

func (p *passwordHolder) Password() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.password
}

func (p *passwordHolder) UpdatePassword(password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.password = password
}

// A LocalManager serves a document that is already entirely in memory.
// Requests succeed at once.
type LocalManager struct {
	passwordHolder
	id     string
	stream *chunked.Stream
	log    *slog.Logger
	close  func() error
	once   sync.Once
}

// NewLocalManager returns a Manager over data.
func NewLocalManager(data []byte, opts Options) *LocalManager {
	opts = opts.withDefaults()
	m := &LocalManager{
		passwordHolder: passwordHolder{password: opts.Password},
		id:             opts.DocID,
		stream:         chunked.NewLoaded(data),
		log:            opts.Logger.With(slog.String("doc", opts.DocID)),
	}
	if opts.OnProgress != nil {
		opts.OnProgress(chunked.Progress{Loaded: int64(len(data)), Total: int64(len(data))})
	}
	return m
}

func (m *LocalManager) DocID() string           { return m.id }
func (m *LocalManager) Stream() *chunked.Stream { return m.stream }
func (m *LocalManager) Logger() *slog.Logger    { return m.log }

func (m *LocalManager) SendProgressiveData([]byte) {}

func (m *LocalManager) RequestRange(context.Context, int64, int64) error {
	return nil
}

func (m *LocalManager) RequestRanges(context.Context, []chunked.Range) error {
	return nil
}

func (m *LocalManager) RequestLoadedStream(context.Context) (*chunked.Stream, error) {
	return m.stream, nil
}

func (m *LocalManager) OnLoadedStream(context.Context) (*chunked.Stream, error) {
	return m.stream, nil
}

// Terminate releases the file mapping, if any.
func (m *LocalManager) Terminate(error) {
	_ = m.Close()
}

// Close releases the file mapping behind a manager made by OpenFile. The
// document must not be used afterwards.
func (m *LocalManager) Close() error {
	var err error
	m.once.Do(func() {
		if m.close != nil {
			err = m.close()
		}
	})
	return err
}

// A NetworkManager loads a document through a chunked.Manager.
type NetworkManager struct {
	passwordHolder
	id     string
	chunks *chunked.Manager
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewNetworkManager returns a Manager that loads a file of opts.Length
// bytes through t.
func NewNetworkManager(t chunked.Transport, opts Options) (*NetworkManager, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With(slog.String("doc", opts.DocID))
	chunks, err := chunked.NewManager(t, chunked.Options{
		Length:           opts.Length,
		ChunkSize:        opts.RangeChunkSize,
		DisableAutoFetch: opts.DisableAutoFetch,
		OnProgress:       opts.OnProgress,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &NetworkManager{
		passwordHolder: passwordHolder{password: opts.Password},
		id:             opts.DocID,
		chunks:         chunks,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func (m *NetworkManager) DocID() string           { return m.id }
func (m *NetworkManager) Stream() *chunked.Stream { return m.chunks.Stream() }
func (m *NetworkManager) Logger() *slog.Logger    { return m.log }

func (m *NetworkManager) RequestRange(ctx context.Context, begin, end int64) error {
	return m.chunks.RequestRange(ctx, begin, end)
}

func (m *NetworkManager) RequestRanges(ctx context.Context, ranges []chunked.Range) error {
	return m.chunks.RequestRanges(ctx, ranges)
}

func (m *NetworkManager) RequestLoadedStream(ctx context.Context) (*chunked.Stream, error) {
	return m.chunks.RequestAllChunks(ctx)
}

func (m *NetworkManager) OnLoadedStream(ctx context.Context) (*chunked.Stream, error) {
	return m.chunks.OnLoadedStream(ctx)
}

func (m *NetworkManager) SendProgressiveData(data []byte) {
	m.chunks.ReceiveProgressiveData(data)
}

func (m *NetworkManager) Terminate(reason error) {
	if reason == nil {
		reason = chunked.ErrAborted
	}
	m.cancel(reason)
	m.chunks.Abort(reason)
}

// readProgressive feeds the body of a full read to the store as it
// arrives. A failure only ends the in-order read; range requests go on.
func (m *NetworkManager) readProgressive(fr chunked.FullReader) {
	for {
		data, done, err := fr.Read(m.ctx)
		if len(data) > 0 {
			m.SendProgressiveData(data)
		}
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn("progressive read failed", slog.Any("error", err))
			}
			return
		}
		if done {
			return
		}
	}
}

// Open starts loading a document through t. A transport that supports
// range requests for a file larger than two chunks gets a NetworkManager;
// otherwise the whole file is read and served by a LocalManager.
func Open(ctx context.Context, t chunked.Transport, opts Options) (Manager, error) {
	opts = opts.withDefaults()
	fr := t.FullReader()
	if err := fr.HeadersReady(ctx); err != nil {
		return nil, wrapError("open", err)
	}
	if opts.Length <= 0 {
		opts.Length = fr.ContentLength()
	}

	if fr.IsRangeSupported() && opts.Length > 2*opts.RangeChunkSize {
		m, err := NewNetworkManager(t, opts)
		if err != nil {
			fr.Cancel(err)
			return nil, wrapError("open", err)
		}
		if opts.DisableStream || !fr.IsStreamingSupported() {
			fr.Cancel(chunked.ErrAborted)
		} else {
			go m.readProgressive(fr)
		}
		m.Logger().Debug("loading with range requests", slog.Int64("length", opts.Length))
		return m, nil
	}

	var data []byte
	for {
		chunk, done, err := fr.Read(ctx)
		data = append(data, chunk...)
		if err != nil {
			return nil, wrapError("open", err)
		}
		if opts.OnProgress != nil && opts.Length > 0 && !done {
			opts.OnProgress(chunked.Progress{Loaded: int64(len(data)), Total: opts.Length})
		}
		if done {
			break
		}
	}
	if len(data) == 0 {
		return nil, wrapError("open", errors.New("empty file"))
	}
	m := NewLocalManager(data, opts)
	m.Logger().Debug("loaded whole file", slog.Int("length", len(data)))
	return m, nil
}
