// Package chunked holds the byte-range cache that backs an incrementally
// loaded PDF file, and the Manager that fills it from a Transport.
//
// A Stream covers the whole file. It is split into fixed-size chunks, each
// either populated or not. Bytes may also arrive in file order, which moves
// a progressive high-water mark forward; every byte below the mark is
// readable whether or not its chunk is marked. Reads of data that has not
// arrived fail with *MissingDataError, which names the span the caller must
// request before trying again.
package chunked

import (
	"fmt"
	"io"
	"iter"
	"sync"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 65536

// A MissingDataError reports that the bytes in [Begin, End) are needed but
// have not been loaded yet. It is a control signal: the caller requests the
// span and retries.
type MissingDataError struct {
	Begin int64
	End   int64
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing data [%d, %d)", e.Begin, e.End)
}

// A Source is a readable window over a store. It is implemented by *Stream
// for the whole file and by *Substream for a bounded part of it.
//
// Positions are absolute file offsets. Byte slices returned by a Source
// alias the store and must not be modified.
type Source interface {
	io.Reader

	// Start and Length describe the window.
	Start() int64
	Length() int64

	Pos() int64
	Seek(pos int64)

	// GetByte returns the byte at the cursor and advances it, or -1 at
	// the end of the window.
	GetByte() (int, error)
	// GetBytes returns the next n bytes and advances the cursor.
	// A non-positive n reads to the end of the window.
	GetBytes(n int) ([]byte, error)
	// Peek is GetBytes without moving the cursor.
	Peek(n int) ([]byte, error)
	ByteRange(begin, end int64) ([]byte, error)

	EnsureByte(pos int64) error
	EnsureRange(begin, end int64) error

	// MissingChunks yields the index of every chunk in the window that
	// has not been loaded.
	MissingChunks() iter.Seq[int]

	Substream(start, length int64) *Substream
}

type store struct {
	mu          sync.RWMutex
	data        []byte
	length      int64
	chunkSize   int64
	numChunks   int
	loaded      []uint64
	numLoaded   int
	progressive int64
}

func newStore(length, chunkSize int64) *store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	n := int((length + chunkSize - 1) / chunkSize)
	return &store{
		data:      make([]byte, length),
		length:    length,
		chunkSize: chunkSize,
		numChunks: n,
		loaded:    make([]uint64, (n+63)/64),
	}
}

func (s *store) has(chunk int) bool {
	if chunk < 0 || chunk >= s.numChunks {
		return false
	}
	return s.loaded[chunk/64]&(1<<(chunk%64)) != 0
}

// mark records chunk as populated and reports whether it was new.
func (s *store) mark(chunk int) bool {
	if chunk < 0 || chunk >= s.numChunks || s.has(chunk) {
		return false
	}
	s.loaded[chunk/64] |= 1 << (chunk % 64)
	s.numLoaded++
	return true
}

func (s *store) chunkBounds(chunk int) (int64, int64) {
	begin := int64(chunk) * s.chunkSize
	return begin, min(begin+s.chunkSize, s.length)
}

// copyIn writes data, which starts at begin, into every part of the buffer
// that is neither in a populated chunk nor below the progressive mark.
// Readers may hold slices of those parts, so they are never rewritten.
func (s *store) copyIn(begin int64, data []byte) {
	end := begin + int64(len(data))
	for c := int(begin / s.chunkSize); c < s.numChunks; c++ {
		cb, ce := s.chunkBounds(c)
		if cb >= end {
			break
		}
		if s.has(c) {
			continue
		}
		from, to := max(cb, begin, s.progressive), min(ce, end)
		if from < to {
			copy(s.data[from:to], data[from-begin:to-begin])
		}
	}
}

// missing returns the chunk-aligned span of unreadable data in
// [begin, end), or nil if all of it can be read.
func (s *store) missing(begin, end int64) *MissingDataError {
	end = min(end, s.length)
	if begin >= end || end <= s.progressive {
		return nil
	}
	first, last := -1, -1
	for c := int(begin / s.chunkSize); c <= int((end-1)/s.chunkSize); c++ {
		if s.has(c) {
			continue
		}
		if _, ce := s.chunkBounds(c); min(ce, end) <= s.progressive {
			continue
		}
		if first < 0 {
			first = c
		}
		last = c
	}
	if first < 0 {
		return nil
	}
	b, _ := s.chunkBounds(first)
	_, e := s.chunkBounds(last)
	return &MissingDataError{Begin: b, End: e}
}

// readable returns the end of the run of readable bytes that starts at pos,
// clamped to limit.
func (s *store) readable(pos, limit int64) int64 {
	r := pos
	if r < s.progressive {
		r = min(s.progressive, limit)
	}
	for r < limit {
		c := int(r / s.chunkSize)
		if !s.has(c) {
			break
		}
		_, ce := s.chunkBounds(c)
		r = min(ce, limit)
	}
	return r
}

// view is the cursor and bounds shared by Stream and Substream.
type view struct {
	s     *store
	start int64
	end   int64
	pos   int64
}

func (v *view) Start() int64  { return v.start }
func (v *view) Length() int64 { return v.end - v.start }
func (v *view) Pos() int64    { return v.pos }

func (v *view) Seek(pos int64) {
	v.pos = min(max(pos, v.start), v.end)
}

func (v *view) EnsureByte(pos int64) error {
	return v.EnsureRange(pos, pos+1)
}

func (v *view) EnsureRange(begin, end int64) error {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	if md := v.s.missing(begin, end); md != nil {
		return md
	}
	return nil
}

func (v *view) GetByte() (int, error) {
	if v.pos >= v.end {
		return -1, nil
	}
	if err := v.EnsureByte(v.pos); err != nil {
		return 0, err
	}
	c := v.s.data[v.pos]
	v.pos++
	return int(c), nil
}

func (v *view) GetBytes(n int) ([]byte, error) {
	b, err := v.Peek(n)
	if err != nil {
		return nil, err
	}
	v.pos += int64(len(b))
	return b, nil
}

func (v *view) Peek(n int) ([]byte, error) {
	end := v.end
	if n > 0 {
		end = min(v.pos+int64(n), v.end)
	}
	return v.ByteRange(v.pos, end)
}

func (v *view) ByteRange(begin, end int64) ([]byte, error) {
	begin = max(begin, v.start)
	end = min(end, v.end)
	if begin >= end {
		return nil, nil
	}
	if err := v.EnsureRange(begin, end); err != nil {
		return nil, err
	}
	return v.s.data[begin:end:end], nil
}

// Read copies the run of readable bytes at the cursor into p. It fails with
// *MissingDataError only when no byte at the cursor is readable.
func (v *view) Read(p []byte) (int, error) {
	if v.pos >= v.end {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	v.s.mu.RLock()
	r := v.s.readable(v.pos, min(v.pos+int64(len(p)), v.end))
	if r == v.pos {
		md := v.s.missing(v.pos, v.pos+1)
		v.s.mu.RUnlock()
		if md == nil {
			return 0, io.ErrNoProgress
		}
		return 0, md
	}
	n := copy(p, v.s.data[v.pos:r])
	v.s.mu.RUnlock()
	v.pos += int64(n)
	return n, nil
}

func (v *view) MissingChunks() iter.Seq[int] {
	return func(yield func(int) bool) {
		if v.start >= v.end {
			return
		}
		cs := v.s.chunkSize
		for c := int(v.start / cs); c <= int((v.end-1)/cs); c++ {
			v.s.mu.RLock()
			cb, ce := v.s.chunkBounds(c)
			miss := !v.s.has(c) && min(ce, v.end) > max(v.s.progressive, cb)
			v.s.mu.RUnlock()
			if miss && !yield(c) {
				return
			}
		}
	}
}

func (v *view) Substream(start, length int64) *Substream {
	start = min(max(start, 0), v.s.length)
	end := v.s.length
	if length >= 0 {
		end = min(start+length, v.s.length)
	}
	return &Substream{view{s: v.s, start: start, end: end, pos: start}}
}

// A Stream is the whole-file view of a chunk store. Only a Stream accepts
// new data.
type Stream struct {
	view
}

// A Substream is a bounded view sharing the store of the Stream it came
// from. Its missing-chunk query only covers its own window.
type Substream struct {
	view
}

var (
	_ Source = (*Stream)(nil)
	_ Source = (*Substream)(nil)
)

// NewStream returns an empty store of the given length.
func NewStream(length, chunkSize int64) *Stream {
	s := newStore(length, chunkSize)
	return &Stream{view{s: s, end: length}}
}

// NewLoaded returns a Stream over data that is fully present. data is
// used in place and must not be modified afterwards.
func NewLoaded(data []byte) *Stream {
	length := int64(len(data))
	s := newStore(0, DefaultChunkSize)
	s.data = data
	s.length = length
	s.numChunks = int((length + s.chunkSize - 1) / s.chunkSize)
	s.loaded = make([]uint64, (s.numChunks+63)/64)
	for c := 0; c < s.numChunks; c++ {
		s.mark(c)
	}
	s.progressive = length
	return &Stream{view{s: s, end: length}}
}

func (st *Stream) ChunkSize() int64 { return st.s.chunkSize }
func (st *Stream) NumChunks() int   { return st.s.numChunks }

func (st *Stream) NumChunksLoaded() int {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	return st.s.numLoaded
}

func (st *Stream) AllChunksLoaded() bool {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	return st.s.numLoaded == st.s.numChunks
}

func (st *Stream) HasChunk(chunk int) bool {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	return st.s.has(chunk)
}

// ProgressiveLength returns the progressive high-water mark.
func (st *Stream) ProgressiveLength() int64 {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	return st.s.progressive
}

// NextEmptyChunk returns the first unloaded chunk at or after begin,
// wrapping around to the start of the file.
func (st *Stream) NextEmptyChunk(begin int) (int, bool) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	n := st.s.numChunks
	for i := 0; i < n; i++ {
		c := (begin + i) % n
		if c < 0 {
			c += n
		}
		if !st.s.has(c) {
			return c, true
		}
	}
	return 0, false
}

// ReceiveRangeChunk stores data loaded for the span starting at begin.
// begin must be chunk aligned, and the span must end on a chunk boundary or
// at the end of the file. Delivering a chunk twice has no further effect.
func (st *Stream) ReceiveRangeChunk(begin int64, data []byte) error {
	s := st.s
	end := begin + int64(len(data))
	if begin < 0 || begin%s.chunkSize != 0 {
		return fmt.Errorf("bad begin offset: %d", begin)
	}
	if end > s.length || end%s.chunkSize != 0 && end != s.length {
		return fmt.Errorf("bad end offset: %d", end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyIn(begin, data)
	endChunk := int((end + s.chunkSize - 1) / s.chunkSize)
	for c := int(begin / s.chunkSize); c < endChunk; c++ {
		s.mark(c)
	}
	return nil
}

// ReceiveProgressiveChunk appends data at the progressive high-water mark.
func (st *Stream) ReceiveProgressiveChunk(data []byte) {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	begin := s.progressive
	if begin >= s.length {
		return
	}
	data = data[:min(int64(len(data)), s.length-begin)]
	s.copyIn(begin, data)
	end := begin + int64(len(data))
	s.progressive = end

	endChunk := int(end / s.chunkSize)
	if end == s.length {
		endChunk = s.numChunks
	}
	for c := int(begin / s.chunkSize); c < endChunk; c++ {
		s.mark(c)
	}
}
