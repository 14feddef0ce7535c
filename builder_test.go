package pdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"slices"
	"strings"
)

// pdfBuilder writes small PDF files for tests, keeping track of object
// offsets so the cross-reference data comes out right.
type pdfBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func newPDFBuilder(version string) *pdfBuilder {
	b := &pdfBuilder{offsets: make(map[int]int)}
	fmt.Fprintf(&b.buf, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", version)
	return b
}

func (b *pdfBuilder) obj(num int, body string) {
	b.offsets[num] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *pdfBuilder) stream(num int, dict string, data []byte) {
	b.offsets[num] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", num, dict, len(data))
	b.buf.Write(data)
	b.buf.WriteString("\nendstream\nendobj\n")
}

// pad writes comment lines until n more bytes have been written.
func (b *pdfBuilder) pad(n int) {
	for n > 0 {
		line := min(n, 64)
		if line == 1 {
			b.buf.WriteByte('\n')
			break
		}
		b.buf.WriteString("%" + strings.Repeat("x", line-2) + "\n")
		n -= line
	}
}

// padTo pads the file to a multiple of size bytes.
func (b *pdfBuilder) padTo(size int) {
	if r := b.buf.Len() % size; r != 0 {
		b.pad(size - r)
	}
}

func (b *pdfBuilder) len() int {
	return b.buf.Len()
}

// xref writes a classic table with an entry for each of nums, followed by
// a trailer holding extra, and returns the offset of the table.
func (b *pdfBuilder) xref(extra string, nums ...int) int {
	off := b.buf.Len()
	size := 0
	for num := range b.offsets {
		size = max(size, num+1)
	}
	slices.Sort(nums)
	b.buf.WriteString("xref\n")
	for _, num := range nums {
		if num == 0 {
			b.buf.WriteString("0 1\n0000000000 65535 f\r\n")
			continue
		}
		fmt.Fprintf(&b.buf, "%d 1\n%010d 00000 n\r\n", num, b.offsets[num])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d %s >>\n", size, extra)
	return off
}

func (b *pdfBuilder) startxref(off int) []byte {
	fmt.Fprintf(&b.buf, "startxref\n%d\n%%%%EOF\n", off)
	return b.buf.Bytes()
}

// allNums returns 0 and every object number written so far.
func (b *pdfBuilder) allNums() []int {
	nums := []int{0}
	for num := range b.offsets {
		nums = append(nums, num)
	}
	return nums
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// simplePDF returns a two-page document with an Info dictionary.
func simplePDF() []byte {
	b := newPDFBuilder("1.4")
	b.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.obj(2, "<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 /MediaBox [0 0 612 792] >>")
	b.obj(3, "<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 6 0 R >> >> /Contents 7 0 R >>")
	b.obj(4, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 100] >>")
	b.obj(5, "<< /Title (Hello) /Author <FEFF004A006F> >>")
	b.obj(6, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	b.stream(7, "/Filter /FlateDecode", deflate([]byte("BT /F1 12 Tf (Hi) Tj ET")))
	off := b.xref("/Root 1 0 R /Info 5 0 R /ID [<0102030405060708> <0102030405060708>]", b.allNums()...)
	return b.startxref(off)
}
