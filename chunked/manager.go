package chunked

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// A Range is the half-open byte span [Begin, End).
type Range struct {
	Begin int64
	End   int64
}

// Progress reports how many bytes of a file have been loaded.
type Progress struct {
	Loaded int64
	Total  int64
}

// Options configures a Manager.
type Options struct {
	// Length is the file length. It is required.
	Length int64
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int64
	// DisableAutoFetch stops the Manager from loading the rest of the file
	// in the background once it has nothing else to do.
	DisableAutoFetch bool
	// OnProgress, if set, is called with non-decreasing Loaded values.
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// A Manager coordinates range requests for a Stream. Logical requests are
// recorded in a ledger so that a chunk already on its way is never fetched
// twice, and each request completes once all of its chunks have arrived.
type Manager struct {
	stream    *Stream
	transport Transport
	opts      Options
	log       *slog.Logger

	// ctx is cancelled with the abort reason.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu              sync.Mutex
	nextRequestID   int
	chunksNeeded    map[int]map[int]struct{}
	requestsByChunk map[int][]int
	waiters         map[int]chan error
	aborted         error

	loaded     chan struct{}
	loadedOnce sync.Once

	progressMu   sync.Mutex
	lastProgress int64
}

// NewManager returns a Manager for a file of opts.Length bytes.
func NewManager(t Transport, opts Options) (*Manager, error) {
	if opts.Length <= 0 {
		return nil, fmt.Errorf("chunked: invalid length %d", opts.Length)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		stream:          NewStream(opts.Length, opts.ChunkSize),
		transport:       t,
		opts:            opts,
		log:             opts.Logger,
		ctx:             ctx,
		cancel:          cancel,
		chunksNeeded:    make(map[int]map[int]struct{}),
		requestsByChunk: make(map[int][]int),
		waiters:         make(map[int]chan error),
		loaded:          make(chan struct{}),
	}
	return m, nil
}

// Stream returns the store the Manager fills.
func (m *Manager) Stream() *Stream {
	return m.stream
}

// Length returns the file length.
func (m *Manager) Length() int64 {
	return m.opts.Length
}

// RequestRange loads [begin, end) and blocks until it is readable.
func (m *Manager) RequestRange(ctx context.Context, begin, end int64) error {
	return m.RequestRanges(ctx, []Range{{Begin: begin, End: end}})
}

// RequestRanges loads every span in ranges as one logical request.
func (m *Manager) RequestRanges(ctx context.Context, ranges []Range) error {
	cs := m.opts.ChunkSize
	var chunks []int
	for _, r := range ranges {
		begin, end := max(r.Begin, 0), min(r.End, m.opts.Length)
		if begin >= end {
			continue
		}
		for c := int(begin / cs); c < int((end+cs-1)/cs); c++ {
			chunks = append(chunks, c)
		}
	}
	slices.Sort(chunks)
	return m.requestChunks(ctx, slices.Compact(chunks))
}

// RequestAllChunks loads every chunk not yet present and returns the
// complete Stream.
func (m *Manager) RequestAllChunks(ctx context.Context) (*Stream, error) {
	var missing []int
	for c := range m.stream.MissingChunks() {
		missing = append(missing, c)
	}
	if err := m.requestChunks(ctx, missing); err != nil {
		return nil, err
	}
	return m.OnLoadedStream(ctx)
}

// OnLoadedStream blocks until every chunk has been loaded.
func (m *Manager) OnLoadedStream(ctx context.Context) (*Stream, error) {
	if m.stream.AllChunksLoaded() {
		m.markLoaded()
	}
	select {
	case <-m.loaded:
		return m.stream, nil
	case <-m.ctx.Done():
		return nil, context.Cause(m.ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) requestChunks(ctx context.Context, chunks []int) error {
	m.mu.Lock()
	if m.aborted != nil {
		err := m.aborted
		m.mu.Unlock()
		return err
	}
	need := make(map[int]struct{})
	var toFetch []int
	id := m.nextRequestID
	for _, c := range chunks {
		if m.stream.HasChunk(c) {
			continue
		}
		need[c] = struct{}{}
		if _, inFlight := m.requestsByChunk[c]; !inFlight {
			toFetch = append(toFetch, c)
		}
		m.requestsByChunk[c] = append(m.requestsByChunk[c], id)
	}
	if len(need) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.nextRequestID++
	done := make(chan error, 1)
	m.chunksNeeded[id] = need
	m.waiters[id] = done
	m.mu.Unlock()

	for _, g := range groupChunks(toFetch) {
		begin := int64(g.begin) * m.opts.ChunkSize
		end := min(int64(g.end)*m.opts.ChunkSize, m.opts.Length)
		m.sendRequest(begin, end)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.forget(id)
		return ctx.Err()
	}
}

// forget drops request id from the ledger. Its chunks stay in flight.
func (m *Manager) forget(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.chunksNeeded[id] {
		m.requestsByChunk[c] = slices.DeleteFunc(m.requestsByChunk[c], func(x int) bool { return x == id })
	}
	delete(m.chunksNeeded, id)
	delete(m.waiters, id)
}

type chunkGroup struct {
	begin, end int
}

// groupChunks splits sorted chunk indices into contiguous runs.
func groupChunks(chunks []int) []chunkGroup {
	var groups []chunkGroup
	for _, c := range chunks {
		if n := len(groups); n > 0 && groups[n-1].end == c {
			groups[n-1].end++
			continue
		}
		groups = append(groups, chunkGroup{begin: c, end: c + 1})
	}
	return groups
}

func (m *Manager) sendRequest(begin, end int64) {
	m.log.Debug("requesting range", slog.Int64("begin", begin), slog.Int64("end", end))
	rr := m.transport.RangeReader(begin, end)
	go func() {
		data, err := m.readRange(rr, begin, end)
		if err != nil {
			m.onError(begin, end, err)
			return
		}
		m.onReceiveData(begin, data, false)
	}()
}

func (m *Manager) readRange(rr RangeReader, begin, end int64) ([]byte, error) {
	buf := make([]byte, 0, end-begin)
	streaming := rr.IsStreamingSupported()
	for {
		data, done, err := rr.Read(m.ctx)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		buf = append(buf, data...)
		if streaming {
			loaded := int64(m.stream.NumChunksLoaded())*m.opts.ChunkSize + int64(len(buf))
			m.reportProgress(loaded)
		}
	}
	if int64(len(buf)) != end-begin {
		return nil, fmt.Errorf("chunked: range [%d, %d) returned %d bytes", begin, end, len(buf))
	}
	return buf, nil
}

// ReceiveProgressiveData stores data delivered in file order.
func (m *Manager) ReceiveProgressiveData(data []byte) {
	m.onReceiveData(m.stream.ProgressiveLength(), data, true)
}

func (m *Manager) onReceiveData(begin int64, data []byte, progressive bool) {
	cs := m.opts.ChunkSize
	end := begin + int64(len(data))
	beginChunk := int(begin / cs)
	endChunk := int((end + cs - 1) / cs)
	if progressive {
		m.stream.ReceiveProgressiveChunk(data)
		if end < m.opts.Length {
			endChunk = int(end / cs)
		}
	} else if err := m.stream.ReceiveRangeChunk(begin, data); err != nil {
		m.onError(begin, end, err)
		return
	}

	m.mu.Lock()
	var resolved []chan error
	for c := beginChunk; c < endChunk; c++ {
		ids := m.requestsByChunk[c]
		delete(m.requestsByChunk, c)
		for _, id := range ids {
			need, ok := m.chunksNeeded[id]
			if !ok {
				continue
			}
			delete(need, c)
			if len(need) == 0 {
				resolved = append(resolved, m.waiters[id])
				delete(m.chunksNeeded, id)
				delete(m.waiters, id)
			}
		}
	}

	next := -1
	if !m.opts.DisableAutoFetch && len(m.requestsByChunk) == 0 && m.aborted == nil {
		if m.stream.NumChunksLoaded() == 1 {
			if last := m.stream.NumChunks() - 1; !m.stream.HasChunk(last) {
				next = last
			}
		} else if c, ok := m.stream.NextEmptyChunk(endChunk); ok {
			next = c
		}
	}
	m.mu.Unlock()

	for _, done := range resolved {
		done <- nil
	}
	if next >= 0 {
		m.log.Debug("auto-fetching chunk", slog.Int("chunk", next))
		go func() {
			_ = m.requestChunks(m.ctx, []int{next})
		}()
	}

	m.reportProgress(int64(m.stream.NumChunksLoaded()) * cs)
	if m.stream.AllChunksLoaded() {
		m.markLoaded()
	}
}

// onError rejects every request waiting on a chunk in [begin, end). The
// chunks are released so a later request fetches them again.
func (m *Manager) onError(begin, end int64, err error) {
	cs := m.opts.ChunkSize
	m.mu.Lock()
	var failed []chan error
	for c := int(begin / cs); c < int((end+cs-1)/cs); c++ {
		ids := m.requestsByChunk[c]
		delete(m.requestsByChunk, c)
		for _, id := range ids {
			if done, ok := m.waiters[id]; ok {
				failed = append(failed, done)
				delete(m.waiters, id)
				delete(m.chunksNeeded, id)
			}
		}
	}
	aborted := m.aborted != nil
	m.mu.Unlock()

	if !aborted {
		m.log.Warn("range request failed", slog.Int64("begin", begin), slog.Int64("end", end), slog.Any("error", err))
	}
	for _, done := range failed {
		done <- err
	}
}

func (m *Manager) reportProgress(loaded int64) {
	if m.opts.OnProgress == nil {
		return
	}
	loaded = min(loaded, m.opts.Length)
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	if loaded <= m.lastProgress {
		return
	}
	m.lastProgress = loaded
	m.opts.OnProgress(Progress{Loaded: loaded, Total: m.opts.Length})
}

func (m *Manager) markLoaded() {
	m.loadedOnce.Do(func() { close(m.loaded) })
}

// Abort stops all loading. Every pending request fails with reason, and so
// does every later one. A nil reason means ErrAborted.
func (m *Manager) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	m.mu.Lock()
	if m.aborted != nil {
		m.mu.Unlock()
		return
	}
	m.aborted = reason
	waiters := m.waiters
	m.waiters = make(map[int]chan error)
	m.chunksNeeded = make(map[int]map[int]struct{})
	m.requestsByChunk = make(map[int][]int)
	m.mu.Unlock()

	m.cancel(reason)
	m.transport.CancelAllRequests(reason)
	for _, done := range waiters {
		done <- reason
	}
}
