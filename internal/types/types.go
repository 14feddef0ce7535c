package types

import "fmt"

// A name is a PDF name, without the leading slash.
type Name string

// An object is a PDF syntax object, one of the following Go types:
//
//	bool, a PDF boolean
//	int64, a PDF integer
//	float64, a PDF real
//	string, a PDF string literal
//	name, a PDF name without the leading slash
//	dict, a PDF dictionary
//	array, a PDF array
//	stream, a PDF stream
//	objptr, a PDF object reference
//	objdef, a PDF object definition
//
// An object may also be nil, to represent the PDF null.
type Object any

type Dict map[Name]Object

type Array []Object

// A Stream is a stream header together with the location of its data.
// Offset is absolute in the file for top-level streams. Streams nested in
// object streams are not allowed.
type Stream struct {
	Hdr    Dict
	Ptr    Objptr
	Offset int64
	// Encrypted is set when the stream was read with a decryption key, so
	// its data must be decrypted as well.
	Encrypted bool
}

// An Objptr identifies an indirect object.
type Objptr struct {
	ID  uint32
	Gen uint16
}

func (p Objptr) String() string {
	return fmt.Sprintf("%dR%d", p.ID, p.Gen)
}

type Objdef struct {
	Ptr Objptr
	Obj Object
}

// XrefKind says how an object is stored. The zero value means the entry
// has not been set.
type XrefKind uint8

const (
	XrefUnset XrefKind = iota
	XrefFree
	XrefUncompressed
	XrefCompressed
)

// An Xref is a cross-reference entry.
//
// For uncompressed entries Offset is the byte offset of "N G obj".
// For compressed entries Stream is the object number of the containing
// object stream and Offset is the index inside it; Gen is always 0.
type Xref struct {
	Kind   XrefKind
	Gen    uint16
	Offset int64
	Stream uint32
}

// Free reports whether x marks a free or unset entry.
func (x Xref) Free() bool {
	return x.Kind == XrefUnset || x.Kind == XrefFree
}
