package chunked

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport serves range reads from data. While gate is open, reads
// block until it is closed.
type fakeTransport struct {
	data []byte
	gate chan struct{}
	err  error

	mu        sync.Mutex
	calls     []Range
	cancelled error
}

func (t *fakeTransport) FullReader() FullReader { return nil }

func (t *fakeTransport) RangeReader(begin, end int64) RangeReader {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Range{Begin: begin, End: end})
	return &fakeRangeReader{t: t, begin: begin, end: end}
}

func (t *fakeTransport) CancelAllRequests(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = reason
}

func (t *fakeTransport) Calls() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Range(nil), t.calls...)
}

type fakeRangeReader struct {
	t          *fakeTransport
	begin, end int64
	done       bool
}

func (r *fakeRangeReader) Read(ctx context.Context) ([]byte, bool, error) {
	if r.done {
		return nil, true, nil
	}
	if r.t.gate != nil {
		select {
		case <-r.t.gate:
		case <-ctx.Done():
			return nil, false, context.Cause(ctx)
		}
	}
	if r.t.err != nil {
		return nil, false, r.t.err
	}
	r.done = true
	return r.t.data[r.begin:r.end], false, nil
}

func (r *fakeRangeReader) IsStreamingSupported() bool { return false }
func (r *fakeRangeReader) Cancel(error)               {}

func newTestManager(t *testing.T, ft *fakeTransport, autoFetch bool) *Manager {
	t.Helper()
	m, err := NewManager(ft, Options{
		Length:           int64(len(ft.data)),
		ChunkSize:        1024,
		DisableAutoFetch: !autoFetch,
	})
	require.NoError(t, err)
	return m
}

func waitForCalls(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(ft.Calls()) >= n }, time.Second, time.Millisecond)
}

func TestRequestRange(t *testing.T) {
	ft := &fakeTransport{data: pattern(10240)}
	m := newTestManager(t, ft, false)

	require.NoError(t, m.RequestRange(context.Background(), 1500, 3000))
	assert.Equal(t, []Range{{Begin: 1024, End: 3072}}, ft.Calls())

	got, err := m.Stream().ByteRange(1500, 3000)
	require.NoError(t, err)
	assert.Equal(t, ft.data[1500:3000], got)

	require.NoError(t, m.RequestRange(context.Background(), 2000, 2100))
	assert.Len(t, ft.Calls(), 1)
}

func TestRequestRangesGroupsRuns(t *testing.T) {
	ft := &fakeTransport{data: pattern(10240)}
	m := newTestManager(t, ft, false)

	err := m.RequestRanges(context.Background(), []Range{
		{Begin: 8192, End: 9000},
		{Begin: 0, End: 100},
		{Begin: 1024, End: 2048},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []Range{{Begin: 0, End: 2048}, {Begin: 8192, End: 9216}}, ft.Calls())
}

func TestRequestDeduplication(t *testing.T) {
	ft := &fakeTransport{data: pattern(10240), gate: make(chan struct{})}
	m := newTestManager(t, ft, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = m.RequestRange(ctx, 0, 3072)
	}()
	waitForCalls(t, ft, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = m.RequestRange(ctx, 1024, 5120)
	}()
	waitForCalls(t, ft, 2)

	close(ft.gate)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, []Range{{Begin: 0, End: 3072}, {Begin: 3072, End: 5120}}, ft.Calls())
	assert.Equal(t, 5, m.Stream().NumChunksLoaded())
}

func TestAbortRejectsPendingRequests(t *testing.T) {
	ft := &fakeTransport{data: pattern(10240), gate: make(chan struct{})}
	m := newTestManager(t, ft, false)
	ctx := context.Background()
	reason := errors.New("x")

	errs := make(chan error, 2)
	go func() { errs <- m.RequestRange(ctx, 0, 1024) }()
	go func() { errs <- m.RequestRange(ctx, 4096, 5120) }()
	waitForCalls(t, ft, 2)

	m.Abort(reason)
	for range 2 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, reason)
		case <-time.After(time.Second):
			t.Fatal("pending request was not rejected")
		}
	}

	assert.ErrorIs(t, m.RequestRange(ctx, 2048, 3072), reason)
	_, err := m.OnLoadedStream(ctx)
	assert.ErrorIs(t, err, reason)

	ft.mu.Lock()
	assert.Equal(t, reason, ft.cancelled)
	ft.mu.Unlock()
}

func TestTransportErrorRejectsRequest(t *testing.T) {
	boom := errors.New("connection reset")
	ft := &fakeTransport{data: pattern(4096), err: boom}
	m := newTestManager(t, ft, false)

	err := m.RequestRange(context.Background(), 0, 10)
	assert.ErrorIs(t, err, boom)

	ft.err = nil
	require.NoError(t, m.RequestRange(context.Background(), 0, 10))
	assert.Len(t, ft.Calls(), 2)
}

func TestRequestContextCancelled(t *testing.T) {
	ft := &fakeTransport{data: pattern(4096), gate: make(chan struct{})}
	m := newTestManager(t, ft, false)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.RequestRange(ctx, 0, 10) }()
	waitForCalls(t, ft, 1)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(ft.gate)
	require.NoError(t, m.RequestRange(context.Background(), 0, 10))
}

func TestAutoFetchLoadsWholeFile(t *testing.T) {
	ft := &fakeTransport{data: pattern(5000)}
	m := newTestManager(t, ft, true)

	require.NoError(t, m.RequestRange(context.Background(), 0, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := m.OnLoadedStream(ctx)
	require.NoError(t, err)
	assert.True(t, s.AllChunksLoaded())

	calls := ft.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, Range{Begin: 4096, End: 5000}, calls[1])
}

func TestRequestAllChunks(t *testing.T) {
	ft := &fakeTransport{data: pattern(5000)}
	m := newTestManager(t, ft, false)

	s, err := m.RequestAllChunks(context.Background())
	require.NoError(t, err)
	got, err := s.ByteRange(0, 5000)
	require.NoError(t, err)
	assert.Equal(t, ft.data, got)
	assert.Equal(t, []Range{{Begin: 0, End: 5000}}, ft.Calls())
}

func TestProgressiveDataResolvesRequests(t *testing.T) {
	ft := &fakeTransport{data: pattern(4096), gate: make(chan struct{})}
	m := newTestManager(t, ft, false)

	errc := make(chan error, 1)
	go func() { errc <- m.RequestRange(context.Background(), 0, 2048) }()
	waitForCalls(t, ft, 1)

	m.ReceiveProgressiveData(ft.data[:2500])
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request not resolved by progressive data")
	}
	close(ft.gate)
}

func TestProgressIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	var seen []Progress
	ft := &fakeTransport{data: pattern(8192)}
	m, err := NewManager(ft, Options{
		Length:           8192,
		ChunkSize:        1024,
		DisableAutoFetch: true,
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, p)
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.RequestRange(ctx, 4096, 8192))
	require.NoError(t, m.RequestRange(ctx, 0, 1024))
	require.NoError(t, m.RequestRange(ctx, 1024, 4096))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Loaded, seen[i-1].Loaded)
	}
	last := seen[len(seen)-1]
	assert.Equal(t, Progress{Loaded: 8192, Total: 8192}, last)
}

func TestGroupChunks(t *testing.T) {
	got := groupChunks([]int{0, 1, 2, 5, 7, 8})
	assert.Equal(t, []chunkGroup{{0, 3}, {5, 6}, {7, 9}}, got)
	assert.Nil(t, groupChunks(nil))
}
