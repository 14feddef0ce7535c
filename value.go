package pdf

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"

	"github.com/ScriptRock/rangepdf/internal/encoding"
	"github.com/ScriptRock/rangepdf/internal/types"
)

// A Value is a single PDF value, such as an integer, dictionary, or array.
// The zero Value is a PDF null (Kind() == NullKind, IsNull() = true).
//
// Methods that follow references can fail with *MissingDataError while
// the document is still loading.
type Value struct {
	x    *XRef
	ptr  types.Objptr
	data any
}

// IsNull reports whether the value is a null. It is equivalent to Kind() == NullKind.
func (v Value) IsNull() bool {
	return v.data == nil
}

// A ValueKind specifies the kind of data underlying a Value.
type ValueKind int

// The PDF value kinds.
const (
	NullKind ValueKind = iota
	BoolKind
	IntegerKind
	RealKind
	StringKind
	NameKind
	DictKind
	ArrayKind
	StreamKind
)

// Kind reports the kind of value underlying v.
func (v Value) Kind() ValueKind {
	switch v.data.(type) {
	default:
		return NullKind
	case bool:
		return BoolKind
	case int64:
		return IntegerKind
	case float64:
		return RealKind
	case string:
		return StringKind
	case types.Name:
		return NameKind
	case types.Dict:
		return DictKind
	case types.Array:
		return ArrayKind
	case types.Stream:
		return StreamKind
	}
}

// String returns a textual representation of the value v.
// Note that String is not the accessor for values with Kind() == StringKind.
// To access such values, see RawString, Text, and TextFromUTF16.
func (v Value) String() string {
	return objfmt(v.data)
}

func objfmt(x any) string {
	switch x := x.(type) {
	default:
		return fmt.Sprint(x)
	case nil:
		return "null"
	case string:
		if encoding.IsPDFDocEncoded(x) {
			return strconv.Quote(encoding.PDFDocDecode(x))
		}
		if encoding.IsUTF16(x) {
			return strconv.Quote(encoding.UTF16Decode(x[2:]))
		}
		return strconv.Quote(x)
	case types.Name:
		return "/" + string(x)
	case types.Dict:
		var buf bytes.Buffer
		buf.WriteString("<<")
		for i, k := range sortedKeys(x) {
			if i > 0 {
				buf.WriteString(" ")
			}
			buf.WriteString("/")
			buf.WriteString(k)
			buf.WriteString(" ")
			buf.WriteString(objfmt(x[types.Name(k)]))
		}
		buf.WriteString(">>")
		return buf.String()

	case types.Array:
		var buf bytes.Buffer
		buf.WriteString("[")
		for i, elem := range x {
			if i > 0 {
				buf.WriteString(" ")
			}
			buf.WriteString(objfmt(elem))
		}
		buf.WriteString("]")
		return buf.String()

	case types.Stream:
		return fmt.Sprintf("%v@%d", objfmt(x.Hdr), x.Offset)

	case types.Objptr:
		return fmt.Sprintf("%d %d R", x.ID, x.Gen)

	case types.Objdef:
		return fmt.Sprintf("{%d %d obj}%v", x.Ptr.ID, x.Ptr.Gen, objfmt(x.Obj))
	}
}

func sortedKeys(d types.Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, string(k))
	}
	slices.Sort(keys)
	return keys
}

// Bool returns v's boolean value.
// If v.Kind() != BoolKind, Bool returns false.
func (v Value) Bool() bool {
	x, _ := v.data.(bool)
	return x
}

// Int64 returns v's int64 value.
// If v.Kind() != IntegerKind, Int64 returns 0.
func (v Value) Int64() int64 {
	x, _ := v.data.(int64)
	return x
}

// Float64 returns v's float64 value, converting from integer if necessary.
// If v.Kind() != RealKind and v.Kind() != IntegerKind, Float64 returns 0.
func (v Value) Float64() float64 {
	switch x := v.data.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

// RawString returns v's string value.
// If v.Kind() != StringKind, RawString returns the empty string.
func (v Value) RawString() string {
	x, _ := v.data.(string)
	return x
}

// Text returns v's string value interpreted as a “text string” (ISO 32000-1, 7.9.2)
// and converted to UTF-8.
// If v.Kind() != StringKind, Text returns the empty string.
func (v Value) Text() string {
	x, ok := v.data.(string)
	if !ok {
		return ""
	}
	if encoding.IsPDFDocEncoded(x) {
		return encoding.PDFDocDecode(x)
	}
	if encoding.IsUTF16(x) {
		return encoding.UTF16Decode(x[2:])
	}
	return encoding.TrimUTF8BOM(x)
}

// TextFromUTF16 returns v's string value interpreted as big-endian UTF-16
// and then converted to UTF-8.
// If v.Kind() != StringKind or if the data is not valid UTF-16, TextFromUTF16 returns
// the empty string.
func (v Value) TextFromUTF16() string {
	x, ok := v.data.(string)
	if !ok || x == "" || len(x)%2 == 1 {
		return ""
	}
	return encoding.UTF16Decode(x)
}

// Name returns v's name value.
// If v.Kind() != NameKind, Name returns the empty string.
// The returned name does not include the leading slash:
// if v corresponds to the name written using the syntax /Helvetica,
// Name() == "Helvetica".
func (v Value) Name() string {
	x, _ := v.data.(types.Name)
	return string(x)
}

// Ptr returns the reference v was fetched through, or the zero Ref for a
// direct object.
func (v Value) Ptr() Ref {
	return v.ptr
}

func (v Value) dict() (types.Dict, bool) {
	switch x := v.data.(type) {
	case types.Dict:
		return x, true
	case types.Stream:
		return x.Hdr, true
	}
	return nil, false
}

// resolve wraps obj as a Value, fetching it first if it is a reference.
// A direct object keeps the reference of the object that contains it.
func (v Value) resolve(obj types.Object) (Value, error) {
	ptr, ok := obj.(types.Objptr)
	if !ok {
		return Value{x: v.x, ptr: v.ptr, data: obj}, nil
	}
	if v.x == nil {
		return Value{}, nil
	}
	o, err := v.x.fetch(ptr, false)
	if err != nil {
		return Value{}, err
	}
	return Value{x: v.x, ptr: ptr, data: o}, nil
}

// Key returns the value associated with the given name key in the dictionary v.
// Like the result of the Name method, the key should not include a leading slash.
// If v is a stream, Key applies to the stream's header dictionary.
// If v.Kind() != DictKind and v.Kind() != StreamKind, Key returns a null Value.
func (v Value) Key(key string) (Value, error) {
	d, ok := v.dict()
	if !ok {
		return Value{}, nil
	}
	return v.resolve(d[types.Name(key)])
}

// RawKey returns the entry for key without following a reference. Use
// IsRef to tell a reference apart.
func (v Value) RawKey(key string) Value {
	d, ok := v.dict()
	if !ok {
		return Value{}
	}
	return Value{x: v.x, ptr: v.ptr, data: d[types.Name(key)]}
}

// IsRef reports whether v is an unresolved reference, as returned by
// RawKey, and which object it names.
func (v Value) IsRef() (Ref, bool) {
	ptr, ok := v.data.(types.Objptr)
	return ptr, ok
}

// Lookup follows a chain of dictionary keys, as in
// v.Lookup("Root", "Pages", "Count").
func (v Value) Lookup(keys ...string) (Value, error) {
	var err error
	for _, k := range keys {
		if v, err = v.Key(k); err != nil || v.IsNull() {
			return v, err
		}
	}
	return v, nil
}

// Has reports whether the dictionary v has an entry for key, without
// following it.
func (v Value) Has(key string) bool {
	d, ok := v.dict()
	if !ok {
		return false
	}
	_, ok = d[types.Name(key)]
	return ok
}

// Keys returns a sorted list of the keys in the dictionary v.
// If v is a stream, Keys applies to the stream's header dictionary.
// If v.Kind() != DictKind and v.Kind() != StreamKind, Keys returns nil.
func (v Value) Keys() []string {
	d, ok := v.dict()
	if !ok {
		return nil
	}
	return sortedKeys(d)
}

// Index returns the i'th element in the array v.
// If v.Kind() != ArrayKind or if i is outside the array bounds,
// Index returns a null Value.
func (v Value) Index(i int) (Value, error) {
	x, ok := v.data.(types.Array)
	if !ok || i < 0 || i >= len(x) {
		return Value{}, nil
	}
	return v.resolve(x[i])
}

// Len returns the length of the array v.
// If v.Kind() != ArrayKind, Len returns 0.
func (v Value) Len() int {
	x, _ := v.data.(types.Array)
	return len(x)
}

// Bytes returns the decoded data of the stream v.
func (v Value) Bytes() ([]byte, error) {
	strm, ok := v.data.(types.Stream)
	if !ok || v.x == nil {
		return nil, ErrNotStream
	}
	return v.x.streamData(strm)
}
