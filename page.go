// Copyright 2014 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdf

import (
	"bytes"
	"context"
	"fmt"
)

// A Page represent a single page in a PDF file.
// The methods interpret a Page dictionary stored in V.
type Page struct {
	V Value
}

// Page returns the page for the given page number.
// Page numbers are indexed starting at 1, not 0.
// If the page is not found, Page returns a Page with p.V.IsNull().
func (d *Document) Page(num int) (Page, error) {
	num-- // now 0-indexed
	if num < 0 {
		return Page{}, nil
	}
	page, err := d.Catalog().Key("Pages")
	if err != nil {
		return Page{}, err
	}
	depth := 0
Search:
	for isPageTree(page) {
		if depth++; depth > maxTreeDepth {
			return Page{}, &InvalidPDFError{Msg: fmt.Sprintf("page tree deeper than %d levels", maxTreeDepth)}
		}
		count, err := page.Key("Count")
		if err != nil {
			return Page{}, err
		}
		if int(count.Int64()) <= num {
			return Page{}, nil
		}
		kids, err := page.Key("Kids")
		if err != nil {
			return Page{}, err
		}
		for i := 0; i < kids.Len(); i++ {
			kid, err := kids.Index(i)
			if err != nil {
				return Page{}, err
			}
			if isPageTree(kid) {
				c, err := kid.Key("Count")
				if err != nil {
					return Page{}, err
				}
				n := int(c.Int64())
				if num < n {
					page = kid
					continue Search
				}
				num -= n
				continue
			}
			if kid.Kind() == DictKind {
				if num == 0 {
					return Page{kid}, nil
				}
				num--
			}
		}
		break
	}
	return Page{}, nil
}

// isPageTree reports whether v is an intermediate node of the page tree.
// Some writers leave out Type, so Kids is enough.
func isPageTree(v Value) bool {
	if v.Kind() != DictKind {
		return false
	}
	t := v.RawKey("Type")
	return t.Name() == "Pages" || t.IsNull() && v.Has("Kids")
}

func (p Page) findInherited(key string) (Value, error) {
	v := p.V
	for depth := 0; !v.IsNull() && depth < maxTreeDepth; depth++ {
		r, err := v.Key(key)
		if err != nil || !r.IsNull() {
			return r, err
		}
		if v, err = v.Key("Parent"); err != nil {
			return Value{}, err
		}
	}
	return Value{}, nil
}

// Page trees deeper than this are treated as loops.
const maxTreeDepth = 100

// Resources returns the resources dictionary associated with the page.
func (p Page) Resources() (Value, error) {
	return p.findInherited("Resources")
}

// Fonts returns a list of the fonts associated with the page.
func (p Page) Fonts() ([]string, error) {
	res, err := p.Resources()
	if err != nil {
		return nil, err
	}
	font, err := res.Key("Font")
	if err != nil {
		return nil, err
	}
	return font.Keys(), nil
}

// A Rect is a rectangle in default user space units.
type Rect struct {
	LLX, LLY, URX, URY float64
}

// letter is used when a page has no usable MediaBox.
var letter = Rect{0, 0, 612, 792}

// MediaBox returns the page boundaries, normalized so that the lower-left
// corner comes first.
func (p Page) MediaBox() (Rect, error) {
	box, err := p.findInherited("MediaBox")
	if err != nil {
		return Rect{}, err
	}
	if box.Len() != 4 {
		return letter, nil
	}
	var c [4]float64
	for i := range c {
		v, err := box.Index(i)
		if err != nil {
			return Rect{}, err
		}
		if v.Kind() != IntegerKind && v.Kind() != RealKind {
			return letter, nil
		}
		c[i] = v.Float64()
	}
	return Rect{min(c[0], c[2]), min(c[1], c[3]), max(c[0], c[2]), max(c[1], c[3])}, nil
}

// Contents returns the decoded content streams of the page joined by
// newlines.
func (p Page) Contents() ([]byte, error) {
	v, err := p.V.Key("Contents")
	if err != nil {
		return nil, err
	}
	if v.Kind() == StreamKind {
		return v.Bytes()
	}

	var buf bytes.Buffer
	for i := 0; i < v.Len(); i++ {
		s, err := v.Index(i)
		if err != nil {
			return nil, err
		}
		if s.Kind() != StreamKind {
			continue
		}
		data, err := s.Bytes()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// LoadResources loads every object reachable from the given entries of the
// page resources in as few batches as possible. With no keys, the whole
// resources dictionary is loaded.
func (p Page) LoadResources(ctx context.Context, m Manager, keys ...string) error {
	res, err := Ensure(ctx, m, p.Resources)
	if err != nil {
		return err
	}
	if res.IsNull() {
		return nil
	}
	if len(keys) == 0 {
		keys = res.Keys()
	}
	return NewObjectLoader(m, res, keys...).Load(ctx)
}
