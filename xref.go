// Copyright 2014 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdf

import (
	"bytes"
	"compress/zlib"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/ScriptRock/rangepdf/chunked"
	"github.com/ScriptRock/rangepdf/internal/decrypter"
	"github.com/ScriptRock/rangepdf/internal/types"
)

// A Ref identifies an indirect object by number and generation.
type Ref = types.Objptr

// Stats counts the work done by an XRef.
type Stats struct {
	// ObjectsParsed is the number of object bodies decoded.
	ObjectsParsed int
	CacheHits     int
}

// An XRef maps object numbers to their location in the file and keeps the
// objects it has decoded.
//
// Entries are first-seen-wins: the newest cross-reference section is read
// first, so older sections cannot override it. Every method may fail with
// *MissingDataError while the file is still loading; nothing it has
// learned is lost when that happens.
type XRef struct {
	stream *chunked.Stream
	// base is the offset of the header. Offsets written in the file are
	// relative to it.
	base int64
	log  *slog.Logger

	mu      sync.Mutex
	entries map[uint32]types.Xref
	cache   map[uint32]types.Object
	stats   Stats

	startXRefQueue []int64
	xrefStms       map[int64]bool
	topDict        types.Dict
	trailer        types.Dict
	root           types.Dict
	decrypter      *decrypter.Decrypter
}

func newXRef(stream *chunked.Stream, log *slog.Logger) *XRef {
	return &XRef{
		stream:   stream,
		log:      log,
		entries:  make(map[uint32]types.Xref),
		cache:    make(map[uint32]types.Object),
		xrefStms: make(map[int64]bool),
	}
}

// setStartXRef sets the offset of the newest cross-reference section.
func (x *XRef) setStartXRef(off int64) {
	x.startXRefQueue = []int64{off}
}

func (x *XRef) bufferAt(off int64) *buffer {
	return newBuffer(x.stream.Substream(off, -1), off)
}

func (x *XRef) setEntry(num uint32, e types.Xref) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[num]; !ok {
		x.entries[num] = e
	}
}

func (x *XRef) entry(num uint32) (types.Xref, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[num]
	return e, ok
}

// Parse builds the table, reads the trailer and sets up decryption. With
// recovery set, the table is rebuilt by scanning the whole file instead.
func (x *XRef) Parse(recovery bool, password string) error {
	var trailer types.Dict
	var err error
	if !recovery {
		trailer, err = x.readXRef(false)
	} else {
		x.log.Warn("indexing all PDF objects")
		trailer, err = x.indexObjects()
	}
	if err != nil {
		return err
	}
	x.trailer = trailer

	encrypt, err := x.resolve(trailer["Encrypt"], true)
	if err != nil {
		if isMissingData(err) {
			return err
		}
		x.log.Warn("cannot read Encrypt entry", slog.String("error", err.Error()))
	}
	if enc, ok := encrypt.(types.Dict); ok {
		if err := x.setupEncryption(enc, trailer, password); err != nil {
			return err
		}
	}

	root, err := x.resolve(trailer["Root"], false)
	if err != nil {
		if isMissingData(err) {
			return err
		}
		x.log.Warn("cannot read Root entry", slog.String("error", err.Error()))
	}
	if root, ok := root.(types.Dict); ok {
		pages, err := x.resolve(root["Pages"], false)
		if err != nil {
			if isMissingData(err) {
				return err
			}
			x.log.Warn("cannot read Pages entry", slog.String("error", err.Error()))
		}
		if _, ok := pages.(types.Dict); ok {
			x.root = root
			return nil
		}
	}
	if !recovery {
		return &XRefParseError{Err: errors.New("invalid root reference")}
	}
	return &InvalidPDFError{Msg: "invalid root reference"}
}

func (x *XRef) setupEncryption(enc, trailer types.Dict, password string) error {
	var fileID string
	if ids, ok := trailer["ID"].(types.Array); ok && len(ids) > 0 {
		fileID, _ = ids[0].(string)
	}
	dec, err := decrypter.New(password, enc, fileID)
	if errors.Is(err, decrypter.ErrInvalidPassword) {
		return &PasswordError{Incorrect: password != ""}
	}
	if err != nil {
		return errors.Wrap(err, "setting up decryption")
	}
	x.decrypter = dec
	// Objects decoded so far were read without a key.
	x.ResetCache()
	return nil
}

// readXRef reads every cross-reference section reachable from the start
// queue. A section that cannot be read fails the structured parse with
// *XRefParseError; in recovery it is skipped. The queue survives a
// missing-data failure, so a retry resumes with the section that failed.
func (x *XRef) readXRef(recovery bool) (types.Dict, error) {
	visited := make(map[int64]bool)
	for len(x.startXRefQueue) > 0 {
		off := x.startXRefQueue[0]
		if visited[off] {
			x.log.Warn("skipping cross-reference section that was already read", slog.Int64("offset", off))
			x.startXRefQueue = x.startXRefQueue[1:]
			continue
		}
		visited[off] = true

		if err := x.readXRefSection(off); err != nil {
			if isMissingData(err) {
				return nil, err
			}
			if !recovery {
				x.startXRefQueue = x.startXRefQueue[1:]
				return nil, &XRefParseError{Err: err}
			}
			x.log.Info("error reading cross-reference section", slog.Int64("offset", off), slog.String("error", err.Error()))
		}
		x.startXRefQueue = x.startXRefQueue[1:]
	}

	if x.topDict != nil {
		return x.topDict, nil
	}
	if recovery {
		return nil, nil
	}
	return nil, &XRefParseError{}
}

func (x *XRef) readXRefSection(off int64) error {
	b := x.bufferAt(x.base + off)
	tok, err := parseToken(b)
	if err != nil {
		return err
	}

	var dict types.Dict
	switch tok.(type) {
	case keyword:
		if tok != keyword("xref") {
			return errors.Errorf("invalid xref header %v", tok)
		}
		if dict, err = x.readXRefTable(b); err != nil {
			return err
		}
		if x.topDict == nil {
			x.topDict = dict
		}
		if stm, ok := dict["XRefStm"].(int64); ok && !x.xrefStms[stm] {
			x.xrefStms[stm] = true
			x.startXRefQueue = append(x.startXRefQueue, stm)
		}
	case int64:
		b.unreadToken(tok)
		obj, err := parseObject(b)
		if err != nil {
			return err
		}
		def, ok := obj.(types.Objdef)
		if !ok {
			return errors.New("invalid xref stream")
		}
		strm, ok := def.Obj.(types.Stream)
		if !ok {
			return errors.New("invalid xref stream")
		}
		if dict, err = x.readXRefStream(strm); err != nil {
			return err
		}
		if x.topDict == nil {
			x.topDict = dict
		}
	default:
		return errors.Errorf("invalid xref header %v", tok)
	}

	switch prev := dict["Prev"].(type) {
	case int64:
		x.startXRefQueue = append(x.startXRefQueue, prev)
	case types.Objptr:
		// Not allowed, but some writers store the offset as a reference.
		x.startXRefQueue = append(x.startXRefQueue, int64(prev.ID))
	}
	return nil
}

// readXRefTable reads the subsections of a classic table and the trailer
// that follows it. b is positioned after the xref keyword.
func (x *XRef) readXRefTable(b *buffer) (dict types.Dict, err error) {
	defer catch(&err)
	for {
		tok := b.readToken()
		if tok == keyword("trailer") {
			break
		}
		first, ok1 := tok.(int64)
		count, ok2 := b.readToken().(int64)
		if !ok1 || !ok2 || first < 0 || count < 0 {
			return nil, errors.New("invalid xref table: wrong types in subsection header")
		}
		for i := int64(0); i < count; i++ {
			offset, ok1 := b.readToken().(int64)
			gen, ok2 := b.readToken().(int64)
			typ := b.readToken()
			free, inUse := typ == keyword("f"), typ == keyword("n")
			if !ok1 || !ok2 || !free && !inUse {
				return nil, errors.Errorf("invalid entry in xref subsection %d %d", first, count)
			}
			// Object 0 is always free; some writers number the first
			// subsection from 1 anyway.
			if i == 0 && free && first == 1 {
				first = 0
			}
			e := types.Xref{Kind: types.XrefUncompressed, Gen: uint16(gen), Offset: offset}
			if free {
				e.Kind = types.XrefFree
			}
			x.setEntry(uint32(first+i), e)
		}
	}

	if e, ok := x.entry(0); ok && e.Kind != types.XrefFree {
		return nil, errors.New("invalid xref table: unexpected first object")
	}

	dict, ok := b.readObject().(types.Dict)
	if !ok {
		return nil, errors.New("invalid xref table: could not parse trailer dictionary")
	}
	return dict, nil
}

// readXRefStream reads the entries of a cross-reference stream and returns
// its dictionary.
func (x *XRef) readXRefStream(strm types.Stream) (types.Dict, error) {
	hdr := strm.Hdr
	ww, ok := hdr["W"].(types.Array)
	if !ok || len(ww) < 3 {
		return nil, errors.New("xref stream missing W array")
	}
	var w [3]int
	for i := range w {
		n, ok := ww[i].(int64)
		if !ok || n < 0 || n > 8 {
			return nil, errors.Errorf("invalid xref entry field widths %v", objfmt(ww))
		}
		w[i] = int(n)
	}

	index, _ := hdr["Index"].(types.Array)
	if index == nil {
		index = types.Array{int64(0), hdr["Size"]}
	}
	if len(index)%2 != 0 {
		return nil, errors.Errorf("invalid Index array %v", objfmt(index))
	}

	data, err := x.streamData(strm)
	if err != nil {
		return nil, errors.Wrap(err, "reading xref stream")
	}

	width := w[0] + w[1] + w[2]
	pos := 0
	for ; len(index) > 0; index = index[2:] {
		first, ok1 := index[0].(int64)
		n, ok2 := index[1].(int64)
		if !ok1 || !ok2 || first < 0 || n < 0 {
			return nil, errors.Errorf("invalid xref range fields %v %v", objfmt(index[0]), objfmt(index[1]))
		}
		for i := int64(0); i < n; i++ {
			if pos+width > len(data) {
				return nil, errors.New("xref stream is truncated")
			}
			f1 := decodeInt(data[pos : pos+w[0]])
			f2 := decodeInt(data[pos+w[0] : pos+w[0]+w[1]])
			f3 := decodeInt(data[pos+w[0]+w[1] : pos+width])
			pos += width
			// A missing type field means type 1.
			if w[0] == 0 {
				f1 = 1
			}
			var e types.Xref
			switch f1 {
			case 0:
				e = types.Xref{Kind: types.XrefFree, Offset: f2, Gen: uint16(f3)}
			case 1:
				e = types.Xref{Kind: types.XrefUncompressed, Offset: f2, Gen: uint16(f3)}
			case 2:
				e = types.Xref{Kind: types.XrefCompressed, Stream: uint32(f2), Offset: f3}
			default:
				return nil, errors.Errorf("invalid xref entry type %d", f1)
			}
			x.setEntry(uint32(first+i), e)
		}
	}
	return hdr, nil
}

func decodeInt(b []byte) int64 {
	var x int64
	for _, c := range b {
		x = x<<8 | int64(c)
	}
	return x
}

// resolve returns obj, fetching it first if it is a reference.
func (x *XRef) resolve(obj types.Object, suppressEncryption bool) (types.Object, error) {
	if ptr, ok := obj.(types.Objptr); ok {
		return x.fetch(ptr, suppressEncryption)
	}
	return obj, nil
}

// Fetch returns the object named by ref. A free or unknown entry yields a
// null Value.
func (x *XRef) Fetch(ref Ref) (Value, error) {
	obj, err := x.fetch(ref, false)
	if err != nil {
		return Value{}, err
	}
	return Value{x: x, ptr: ref, data: obj}, nil
}

// FetchIfRef fetches v if it is a reference and returns it unchanged
// otherwise.
func (x *XRef) FetchIfRef(v Value) (Value, error) {
	if ref, ok := v.IsRef(); ok {
		return x.Fetch(ref)
	}
	return v, nil
}

// StreamData returns the decoded data of the stream v.
func (x *XRef) StreamData(v Value) ([]byte, error) {
	strm, ok := v.data.(types.Stream)
	if !ok {
		return nil, ErrNotStream
	}
	return x.streamData(strm)
}

func (x *XRef) fetch(ref Ref, suppressEncryption bool) (types.Object, error) {
	x.mu.Lock()
	if obj, ok := x.cache[ref.ID]; ok {
		x.stats.CacheHits++
		x.mu.Unlock()
		return obj, nil
	}
	e, ok := x.entries[ref.ID]
	x.mu.Unlock()

	switch {
	case ok && e.Kind == types.XrefUncompressed && e.Offset > 0:
		return x.fetchUncompressed(ref, e, suppressEncryption)
	case ok && e.Kind == types.XrefCompressed && e.Stream > 0:
		return x.fetchCompressed(ref, e)
	}
	x.mu.Lock()
	x.cache[ref.ID] = nil
	x.mu.Unlock()
	return nil, nil
}

func (x *XRef) fetchUncompressed(ref Ref, e types.Xref, suppressEncryption bool) (types.Object, error) {
	if e.Gen != ref.Gen {
		return nil, &XRefEntryError{Ref: ref, Msg: "inconsistent generation in xref"}
	}
	b := x.bufferAt(x.base + e.Offset)
	if !suppressEncryption {
		b.decrypter = x.decrypter
	}
	obj, err := parseObject(b)
	if err != nil {
		if isMissingData(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "reading object %v", ref)
	}
	def, ok := obj.(types.Objdef)
	if !ok || def.Ptr != ref {
		return nil, &XRefEntryError{Ref: ref, Msg: "bad (uncompressed) xref entry"}
	}
	return x.store(ref.ID, def.Obj), nil
}

// store caches obj unless another value is already cached for num, and
// returns the cached value.
func (x *XRef) store(num uint32, obj types.Object) types.Object {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stats.ObjectsParsed++
	if old, ok := x.cache[num]; ok {
		return old
	}
	x.cache[num] = obj
	return obj
}

func (x *XRef) cached(num uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.cache[num]
	return ok
}

// ResetCache drops every decoded object.
func (x *XRef) ResetCache() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache = make(map[uint32]types.Object)
}

// Stats returns the counters accumulated so far.
func (x *XRef) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}

// Trailer returns the trailer dictionary.
func (x *XRef) Trailer() Value {
	return Value{x: x, data: x.trailer}
}

// Root returns the document catalog.
func (x *XRef) Root() Value {
	if x.root == nil {
		return Value{}
	}
	return Value{x: x, data: x.root}
}

// streamLength returns the length of the data of strm, searching for
// endstream when the Length entry is unusable.
func (x *XRef) streamLength(strm types.Stream) (int64, error) {
	length, err := x.resolve(strm.Hdr["Length"], false)
	if err != nil {
		if isMissingData(err) {
			return 0, err
		}
		x.log.Warn("bad stream Length", slog.String("error", err.Error()))
	}
	if n, ok := length.(int64); ok && n >= 0 && strm.Offset+n <= x.stream.Length() {
		return n, nil
	}
	return x.findStreamLength(strm.Offset)
}

func (x *XRef) findStreamLength(off int64) (int64, error) {
	const step = 8192
	marker := []byte("endstream")
	end := x.stream.Length()
	for pos := off; pos < end; pos += step - int64(len(marker)) {
		buf, err := x.stream.ByteRange(pos, min(pos+step, end))
		if err != nil {
			return 0, err
		}
		if i := bytes.Index(buf, marker); i >= 0 {
			buf = bytes.TrimRight(buf[:i], "\r\n")
			return pos + int64(len(buf)) - off, nil
		}
		if pos+step >= end {
			break
		}
	}
	return 0, errors.New("missing endstream")
}

// streamData returns the decoded data of strm.
func (x *XRef) streamData(strm types.Stream) ([]byte, error) {
	n, err := x.streamLength(strm)
	if err != nil {
		return nil, err
	}
	raw, err := x.stream.ByteRange(strm.Offset, strm.Offset+n)
	if err != nil {
		return nil, err
	}

	var rd io.Reader = bytes.NewReader(raw)
	if strm.Encrypted && x.decrypter != nil && strm.Hdr["Type"] != types.Name("XRef") {
		if rd, err = x.decrypter.Decrypt(strm.Ptr, rd); err != nil {
			return nil, errors.Wrap(err, "bad decryption")
		}
	}

	v := Value{x: x, ptr: strm.Ptr, data: strm}
	filter, err := v.Key("Filter")
	if err != nil {
		return nil, err
	}
	param, err := v.Key("DecodeParms")
	if err != nil {
		return nil, err
	}
	switch filter.Kind() {
	case NullKind:
	case NameKind:
		if rd, err = applyFilter(rd, filter.Name(), param); err != nil {
			return nil, err
		}
	case ArrayKind:
		for i := 0; i < filter.Len(); i++ {
			f, err := filter.Index(i)
			if err != nil {
				return nil, err
			}
			p, err := param.Index(i)
			if err != nil {
				return nil, err
			}
			if rd, err = applyFilter(rd, f.Name(), p); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.Errorf("invalid Filter %v", filter)
	}

	out, err := io.ReadAll(rd)
	if err != nil {
		if len(out) > 0 && (err == io.ErrUnexpectedEOF || errors.Is(err, zlib.ErrChecksum)) {
			x.log.Warn("stream data is damaged, using what could be decoded", slog.String("error", err.Error()))
			return out, nil
		}
		return nil, err
	}
	return out, nil
}
