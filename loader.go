package pdf

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ScriptRock/rangepdf/chunked"
	"github.com/ScriptRock/rangepdf/internal/types"
)

// An ObjectLoader loads everything reachable from some entries of a
// dictionary. Each pass walks the graph as far as the loaded data allows,
// collecting the spans it could not read, and then requests them all in a
// single batch.
type ObjectLoader struct {
	m    Manager
	dict Value
	keys []string

	refSet map[Ref]bool
}

// NewObjectLoader returns a loader for the objects reachable from the
// given keys of dict.
func NewObjectLoader(m Manager, dict Value, keys ...string) *ObjectLoader {
	return &ObjectLoader{m: m, dict: dict, keys: keys}
}

// Load returns once every reachable object can be read without missing
// data.
func (l *ObjectLoader) Load(ctx context.Context) error {
	if l.m.Stream().AllChunksLoaded() || l.dict.x == nil {
		return nil
	}
	d, ok := l.dict.dict()
	if !ok {
		return nil
	}
	var nodes []types.Object
	for _, k := range l.keys {
		if raw := d[types.Name(k)]; raw != nil {
			nodes = append(nodes, raw)
		}
	}
	l.refSet = make(map[Ref]bool)
	return l.walk(ctx, nodes)
}

func (l *ObjectLoader) walk(ctx context.Context, nodes []types.Object) error {
	x := l.dict.x
	stream := l.m.Stream()
	for pass := 1; ; pass++ {
		var pending []chunked.Range
		var revisit []types.Object

		for len(nodes) > 0 {
			cur := nodes[len(nodes)-1]
			nodes = nodes[:len(nodes)-1]

			if ref, ok := cur.(types.Objptr); ok {
				if l.refSet[ref] {
					continue
				}
				l.refSet[ref] = true
				obj, err := x.fetch(ref, false)
				if err != nil {
					var md *MissingDataError
					if !errors.As(err, &md) {
						l.m.Logger().Warn("object loader falling back to loading the whole file",
							slog.String("ref", ref.String()), slog.String("error", err.Error()))
						l.refSet = nil
						_, err := l.m.RequestLoadedStream(ctx)
						return err
					}
					revisit = append(revisit, cur)
					pending = append(pending, chunked.Range{Begin: md.Begin, End: md.End})
					continue
				}
				cur = obj
			}

			if strm, ok := cur.(types.Stream); ok {
				n, err := x.streamLength(strm)
				if err != nil {
					var md *MissingDataError
					if errors.As(err, &md) {
						revisit = append(revisit, cur)
						pending = append(pending, chunked.Range{Begin: md.Begin, End: md.End})
						continue
					}
					n = 0
				}
				for range stream.Substream(strm.Offset, n).MissingChunks() {
					revisit = append(revisit, cur)
					pending = append(pending, chunked.Range{Begin: strm.Offset, End: strm.Offset + n})
					break
				}
			}

			nodes = appendChildren(nodes, cur)
		}

		if len(pending) == 0 {
			break
		}
		l.m.Logger().Debug("object loader requesting ranges", slog.Int("pass", pass), slog.Int("ranges", len(pending)))
		if err := l.m.RequestRanges(ctx, pending); err != nil {
			return err
		}
		for _, n := range revisit {
			if ref, ok := n.(types.Objptr); ok {
				delete(l.refSet, ref)
			}
		}
		nodes = revisit
	}
	l.refSet = nil
	return nil
}

// appendChildren pushes the members of obj that may lead to more objects.
func appendChildren(nodes []types.Object, obj types.Object) []types.Object {
	var d types.Dict
	switch obj := obj.(type) {
	case types.Dict:
		d = obj
	case types.Stream:
		d = obj.Hdr
	case types.Array:
		for _, e := range obj {
			if mayHaveChildren(e) {
				nodes = append(nodes, e)
			}
		}
		return nodes
	default:
		return nodes
	}
	for _, e := range d {
		if mayHaveChildren(e) {
			nodes = append(nodes, e)
		}
	}
	return nodes
}

func mayHaveChildren(obj types.Object) bool {
	switch obj.(type) {
	case types.Objptr, types.Dict, types.Array, types.Stream:
		return true
	}
	return false
}
