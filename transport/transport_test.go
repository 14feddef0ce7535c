package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptRock/rangepdf/chunked"
)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func readAll(t *testing.T, read func(context.Context) ([]byte, bool, error)) []byte {
	t.Helper()
	var out []byte
	for {
		data, done, err := read(context.Background())
		require.NoError(t, err)
		if done {
			return out
		}
		out = append(out, data...)
	}
}

func newServer(t *testing.T, data []byte, ranges *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" && ranges != nil {
			ranges.Add(1)
		}
		http.ServeContent(w, r, "doc.pdf", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFullReader(t *testing.T) {
	data := testData(200000)
	srv := newServer(t, data, nil)
	tr := NewHTTP(srv.URL, HTTPOptions{ReadSize: 4096})

	full := tr.FullReader()
	require.NoError(t, full.HeadersReady(context.Background()))
	assert.Equal(t, int64(len(data)), full.ContentLength())
	assert.True(t, full.IsRangeSupported())
	assert.Equal(t, data, readAll(t, full.Read))
}

func TestHTTPRangeReader(t *testing.T) {
	data := testData(10000)
	var ranges atomic.Int32
	srv := newServer(t, data, &ranges)
	tr := NewHTTP(srv.URL, HTTPOptions{})

	rr := tr.RangeReader(1024, 3000)
	assert.Equal(t, data[1024:3000], readAll(t, rr.Read))
	assert.Equal(t, int32(1), ranges.Load())
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	tr := NewHTTP(srv.URL, HTTPOptions{})

	err := tr.FullReader().HeadersReady(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	_, _, err = tr.RangeReader(0, 10).Read(context.Background())
	assert.True(t, errors.As(err, &se))
}

func TestHTTPWithManager(t *testing.T) {
	data := testData(50000)
	var ranges atomic.Int32
	srv := newServer(t, data, &ranges)
	tr := NewHTTP(srv.URL, HTTPOptions{})

	m, err := chunked.NewManager(tr, chunked.Options{
		Length:           int64(len(data)),
		ChunkSize:        4096,
		DisableAutoFetch: true,
	})
	require.NoError(t, err)

	require.NoError(t, m.RequestRanges(context.Background(), []chunked.Range{
		{Begin: 100, End: 5000},
		{Begin: 40000, End: 41000},
	}))
	got, err := m.Stream().ByteRange(100, 5000)
	require.NoError(t, err)
	assert.Equal(t, data[100:5000], got)
	got, err = m.Stream().ByteRange(40000, 41000)
	require.NoError(t, err)
	assert.Equal(t, data[40000:41000], got)
	assert.Equal(t, int32(2), ranges.Load())

	reason := errors.New("closed")
	m.Abort(reason)
	assert.ErrorIs(t, m.RequestRange(context.Background(), 20000, 21000), reason)
}

func TestReaderAt(t *testing.T) {
	data := testData(9000)
	tr := NewReaderAt(bytes.NewReader(data), int64(len(data)), 1000)

	full := tr.FullReader()
	require.NoError(t, full.HeadersReady(context.Background()))
	assert.Equal(t, int64(9000), full.ContentLength())
	assert.Equal(t, data, readAll(t, full.Read))

	assert.Equal(t, data[2000:4500], readAll(t, tr.RangeReader(2000, 4500).Read))

	reason := errors.New("stop")
	tr.CancelAllRequests(reason)
	_, _, err := tr.RangeReader(0, 10).Read(context.Background())
	assert.ErrorIs(t, err, reason)
}

func TestContentRangeStart(t *testing.T) {
	testCases := map[string]struct {
		header string
		want   int64
		ok     bool
	}{
		"normal":  {header: "bytes 1024-2047/5000", want: 1024, ok: true},
		"zero":    {header: "bytes 0-9/10", want: 0, ok: true},
		"unit":    {header: "items 0-9/10"},
		"garbage": {header: "bytes x-y/z"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, ok := contentRangeStart(tc.header)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
