package pdf

import (
	"bytes"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/ScriptRock/rangepdf/internal/types"
)

// fetchCompressed reads the object stored at index e.Offset of the object
// stream e.Stream. Every sibling whose entry points at the same slot is
// cached along the way, so the container is decoded only once.
func (x *XRef) fetchCompressed(ref Ref, e types.Xref) (types.Object, error) {
	if ce, ok := x.entry(e.Stream); ok && ce.Kind == types.XrefCompressed {
		return nil, errors.Errorf("object stream %d is itself compressed", e.Stream)
	}
	obj, err := x.fetch(Ref{ID: e.Stream}, false)
	if err != nil {
		return nil, err
	}
	strm, ok := obj.(types.Stream)
	if !ok {
		return nil, errors.Errorf("bad ObjStm stream %d", e.Stream)
	}
	first, err := x.resolve(strm.Hdr["First"], false)
	if err != nil {
		return nil, err
	}
	count, err := x.resolve(strm.Hdr["N"], false)
	if err != nil {
		return nil, err
	}
	start, ok1 := first.(int64)
	n, ok2 := count.(int64)
	if !ok1 || !ok2 || start < 0 || n < 0 {
		return nil, errors.New("invalid First and N parameters for ObjStm stream")
	}

	data, err := x.streamData(strm)
	if err != nil {
		return nil, errors.Wrapf(err, "reading object stream %d", e.Stream)
	}
	nums, offsets, err := readObjStmHeader(data, int(n))
	if err != nil {
		return nil, err
	}

	var target types.Object
	found := false
	for i := range nums {
		if i != int(e.Offset) && x.cached(nums[i]) {
			continue
		}
		begin := start + offsets[i]
		end := int64(len(data))
		if i < len(nums)-1 {
			if offsets[i+1] < offsets[i] {
				return nil, errors.New("invalid offset in the ObjStm stream")
			}
			end = min(start+offsets[i+1], end)
		}
		if begin > end {
			return nil, errors.New("invalid offset in the ObjStm stream")
		}

		b := newBuffer(bytes.NewReader(data[begin:end]), 0)
		b.allowStream = false
		o, err := parseObject(b)
		if err != nil {
			if i == int(e.Offset) {
				return nil, errors.Wrapf(err, "reading object %v from stream %d", ref, e.Stream)
			}
			x.log.Warn("skipping unreadable object in object stream",
				slog.Uint64("num", uint64(nums[i])), slog.Uint64("stream", uint64(e.Stream)), slog.String("error", err.Error()))
			continue
		}

		if se, ok := x.entry(nums[i]); ok && se.Kind == types.XrefCompressed && se.Stream == e.Stream && se.Offset == int64(i) {
			o = x.store(nums[i], o)
		}
		if i == int(e.Offset) {
			target, found = o, true
		}
	}
	if !found {
		return nil, &XRefEntryError{Ref: ref, Msg: "bad (compressed) xref entry"}
	}
	return target, nil
}

// readObjStmHeader reads the n pairs of object number and relative offset
// at the start of an object stream.
func readObjStmHeader(data []byte, n int) (nums []uint32, offsets []int64, err error) {
	defer catch(&err)
	b := newBuffer(bytes.NewReader(data), 0)
	b.allowObjptr = false
	nums = make([]uint32, n)
	offsets = make([]int64, n)
	for i := 0; i < n; i++ {
		num, ok := b.readToken().(int64)
		if !ok || num < 0 {
			return nil, nil, errors.Errorf("invalid object number in the ObjStm stream at index %d", i)
		}
		off, ok := b.readToken().(int64)
		if !ok || off < 0 {
			return nil, nil, errors.Errorf("invalid object offset in the ObjStm stream at index %d", i)
		}
		nums[i] = uint32(num)
		offsets[i] = off
	}
	return nums, offsets, nil
}
