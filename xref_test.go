package pdf

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// objStmPDF returns a PDF 1.5 file whose page tree lives in an object
// stream and whose cross-reference data is a predicted, compressed stream.
func objStmPDF(startxref func(xrefOff int) int) []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 300 400] >>",
	}
	var header, body bytes.Buffer
	for i, o := range objs {
		fmt.Fprintf(&header, "%d %d ", i+1, body.Len())
		body.WriteString(o)
		body.WriteString("\n")
	}
	first := header.Len()
	content := append(header.Bytes(), body.Bytes()...)

	b := newPDFBuilder("1.5")
	b.stream(4, fmt.Sprintf("/Type /ObjStm /N 3 /First %d /Filter /FlateDecode", first), deflate(content))
	off4 := b.offsets[4]
	xrefOff := b.len()

	rows := [][4]byte{
		{0, 0, 0, 255},
		{2, 0, 4, 0},
		{2, 0, 4, 1},
		{2, 0, 4, 2},
		{1, byte(off4 >> 8), byte(off4), 0},
		{1, byte(xrefOff >> 8), byte(xrefOff), 0},
	}
	// PNG Up predictor: each byte is stored as the difference from the
	// byte above it.
	var predicted []byte
	var prev [4]byte
	for _, row := range rows {
		predicted = append(predicted, 2)
		for i := range row {
			predicted = append(predicted, row[i]-prev[i])
		}
		prev = row
	}
	b.stream(5, "/Type /XRef /Size 6 /W [1 2 1] /Root 1 0 R /Filter /FlateDecode /DecodeParms << /Predictor 12 /Columns 4 >>",
		deflate(predicted))
	return b.startxref(startxref(xrefOff))
}

func Test_XRef_Stream(t *testing.T) {
	testCases := map[string]struct {
		startxref func(int) int
	}{
		"structured": {startxref: func(off int) int { return off }},
		"recovered":  {startxref: func(int) int { return 7 }},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			doc, _ := loadLocal(t, objStmPDF(tc.startxref), Options{})

			n, err := doc.NumPages()
			if err != nil || n != 1 {
				t.Fatalf("NumPages() = %d, %v; want 1", n, err)
			}
			p, err := doc.Page(1)
			if err != nil {
				t.Fatal(err)
			}
			box, err := p.MediaBox()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(Rect{0, 0, 300, 400}, box); diff != "" {
				t.Error("MediaBox did not match expectations:", diff)
			}

			// Decoding the object stream for the catalog cached its siblings.
			before := doc.XRef().Stats()
			v, err := doc.XRef().Fetch(Ref{ID: 3})
			if err != nil || v.Kind() != DictKind {
				t.Fatalf("Fetch(3) = %v, %v", v, err)
			}
			after := doc.XRef().Stats()
			if after.ObjectsParsed != before.ObjectsParsed {
				t.Errorf("Fetch of a cached sibling parsed %d objects", after.ObjectsParsed-before.ObjectsParsed)
			}
		})
	}
}

func Test_XRef_CompressedEntryMissing(t *testing.T) {
	doc, _ := loadLocal(t, objStmPDF(func(off int) int { return off }), Options{})
	x := doc.XRef()
	x.mu.Lock()
	e := x.entries[3]
	e.Offset = 7
	x.entries[9] = e
	x.mu.Unlock()

	_, err := x.Fetch(Ref{ID: 9})
	if _, ok := err.(*XRefEntryError); !ok {
		t.Errorf("got %v, want *XRefEntryError", err)
	}
}

func Test_ReadObjStmHeader(t *testing.T) {
	nums, offsets, err := readObjStmHeader([]byte("10 0 11 25 12 40 "), 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{10, 11, 12}, nums); diff != "" {
		t.Error("numbers did not match expectations:", diff)
	}
	if diff := cmp.Diff([]int64{0, 25, 40}, offsets); diff != "" {
		t.Error("offsets did not match expectations:", diff)
	}

	if _, _, err := readObjStmHeader([]byte("10 0 /Name 5"), 2); err == nil {
		t.Error("expected an error for a malformed header")
	}
}
