package pdf

import (
	"bytes"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"

	"github.com/ScriptRock/rangepdf/internal/types"
)

var (
	objHeaderRE = regexp.MustCompile(`^(\d+)\s+(\d+)\s+obj\b`)
	endobjRE    = regexp.MustCompile(`\bendobj[\x08\s]$`)
	nestedObjRE = regexp.MustCompile(`\s+(\d+\s+\d+\s+obj[\x08\s<])$`)
)

// How far back from an "obj" match to look for endobj or a following
// object header.
const checkContentLength = 25

// indexObjects rebuilds the table by scanning the whole file for object
// headers, and picks a trailer from the ones found along the way.
func (x *XRef) indexObjects() (types.Dict, error) {
	data, err := x.stream.ByteRange(x.base, x.stream.Length())
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	x.entries = make(map[uint32]types.Xref)
	x.cache = make(map[uint32]types.Object)
	x.mu.Unlock()

	var trailers, xrefStms []int64
	for pos := 0; pos < len(data); {
		c := data[pos]
		if isSpace(c) {
			pos++
			continue
		}
		if c == '%' {
			for pos < len(data) && data[pos] != '\r' && data[pos] != '\n' {
				pos++
			}
			continue
		}

		tok := lineToken(data, pos)
		if isLeadingKeyword(tok, "xref") {
			pos += skipUntil(data, pos, "trailer")
			trailers = append(trailers, int64(pos))
			pos = skipTrailer(data, pos)
		} else if m := objHeaderRE.FindSubmatch(tok); m != nil {
			num, _ := strconv.ParseUint(string(m[1]), 10, 32)
			gen, _ := strconv.ParseUint(string(m[2]), 10, 16)
			x.recoverEntry(uint32(num), uint16(gen), int64(pos))

			n := x.objectContentLength(data, pos, pos+len(tok))
			content := data[pos : pos+n]
			if i := bytes.Index(content, []byte("/XRef")); i >= 0 && i+5 < len(content) && content[i+5] < 64 {
				xrefStms = append(xrefStms, int64(pos))
			}
			pos += n
		} else if isLeadingKeyword(tok, "trailer") {
			trailers = append(trailers, int64(pos))
			pos = skipTrailer(data, pos)
		} else {
			pos += len(tok) + 1
		}
	}

	x.startXRefQueue = append(x.startXRefQueue, xrefStms...)
	if _, err := x.readXRef(true); err != nil {
		return nil, err
	}

	var trailerDicts []types.Dict
	encrypted := false
	for _, off := range trailers {
		b := x.bufferAt(x.base + off)
		tok, err := parseToken(b)
		if err != nil {
			if isMissingData(err) {
				return nil, err
			}
			continue
		}
		if tok != keyword("trailer") {
			continue
		}
		obj, err := parseObject(b)
		if err != nil {
			if isMissingData(err) {
				return nil, err
			}
			continue
		}
		if dict, ok := obj.(types.Dict); ok {
			trailerDicts = append(trailerDicts, dict)
			if dict["Encrypt"] != nil {
				encrypted = true
			}
		}
	}

	var trailer types.Dict
	for _, dict := range trailerDicts {
		ok, err := x.validTrailer(dict)
		if err != nil {
			if isMissingData(err) {
				return nil, err
			}
			continue
		}
		if !ok {
			continue
		}
		if (!encrypted || dict["Encrypt"] != nil) && dict["ID"] != nil {
			return dict, nil
		}
		trailer = dict
	}
	if trailer != nil {
		return trailer, nil
	}
	if x.topDict != nil {
		return x.topDict, nil
	}

	// No trailer at all: use any object that looks like one, such as the
	// dictionary of an xref stream.
	if len(trailerDicts) == 0 {
		x.mu.Lock()
		nums := slices.Sorted(maps.Keys(x.entries))
		x.mu.Unlock()
		for _, num := range nums {
			e, _ := x.entry(num)
			obj, err := x.fetch(Ref{ID: num, Gen: e.Gen}, false)
			if err != nil {
				if isMissingData(err) {
					return nil, err
				}
				continue
			}
			if strm, ok := obj.(types.Stream); ok {
				obj = strm.Hdr
			}
			if dict, ok := obj.(types.Dict); ok && dict["Root"] != nil {
				return dict, nil
			}
		}
	}
	return nil, &InvalidPDFError{Msg: "invalid PDF structure"}
}

// recoverEntry records an object found by scanning. A later definition
// with the same generation replaces an earlier one, as an incremental
// update would.
func (x *XRef) recoverEntry(num uint32, gen uint16, off int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[num]; ok && e.Gen != gen {
		return
	}
	x.entries[num] = types.Xref{Kind: types.XrefUncompressed, Gen: gen, Offset: off}
}

// validTrailer reports whether dict leads to a catalog with a page tree.
func (x *XRef) validTrailer(dict types.Dict) (bool, error) {
	root, err := x.resolve(dict["Root"], false)
	if err != nil {
		return false, err
	}
	rootDict, ok := root.(types.Dict)
	if !ok {
		return false, nil
	}
	pages, err := x.resolve(rootDict["Pages"], false)
	if err != nil {
		return false, err
	}
	pagesDict, ok := pages.(types.Dict)
	if !ok {
		return false, nil
	}
	count, err := x.resolve(pagesDict["Count"], false)
	if err != nil {
		return false, err
	}
	_, ok = count.(int64)
	return ok, nil
}

// objectContentLength returns the length of the object whose header starts
// at pos. The body ends at endobj, or just before the next object header
// when endobj is missing.
func (x *XRef) objectContentLength(data []byte, pos, start int) int {
	n := len(data) - pos
	for start < len(data) {
		end := start + skipUntil(data, start, "obj") + 4
		n = end - pos
		tail := data[max(end-checkContentLength, start):min(end, len(data))]
		if endobjRE.Match(tail) {
			break
		}
		if m := nestedObjRE.FindSubmatch(tail); m != nil {
			x.log.Warn("object is missing endobj", slog.Int("offset", pos))
			n -= len(m[1])
			break
		}
		start = end
	}
	return min(n, len(data)-pos)
}

// lineToken returns the bytes from pos up to the next line break or '<'.
func lineToken(data []byte, pos int) []byte {
	end := pos
	for end < len(data) && data[end] != '\n' && data[end] != '\r' && data[end] != '<' {
		end++
	}
	return data[pos:end]
}

func isLeadingKeyword(tok []byte, kw string) bool {
	return bytes.HasPrefix(tok, []byte(kw)) && (len(tok) == len(kw) || isSpace(tok[len(kw)]))
}

// skipTrailer returns the position of whichever comes first after the
// trailer keyword at pos: another trailer or startxref.
func skipTrailer(data []byte, pos int) int {
	pos = min(pos+len("trailer"), len(data))
	return pos + min(skipUntil(data, pos, "trailer"), skipUntil(data, pos, "startxref"))
}

// skipUntil returns the distance from pos to the next occurrence of what,
// or to the end of data.
func skipUntil(data []byte, pos int, what string) int {
	if i := bytes.Index(data[pos:], []byte(what)); i >= 0 {
		return i
	}
	return len(data) - pos
}
