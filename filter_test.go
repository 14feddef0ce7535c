package pdf

import (
	"bytes"
	"encoding/ascii85"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ScriptRock/rangepdf/internal/types"
)

func ascii85Encode(data []byte) []byte {
	out := make([]byte, ascii85.MaxEncodedLen(len(data)))
	n := ascii85.Encode(out, data)
	return append(append([]byte("<~"), out[:n]...), "~>"...)
}

func Test_ApplyFilter(t *testing.T) {
	testCases := map[string]struct {
		filter string
		param  Value
		input  []byte
		want   []byte
	}{
		"flate": {
			filter: "FlateDecode",
			input:  deflate([]byte("hello flate")),
			want:   []byte("hello flate"),
		},
		"ascii hex": {
			filter: "ASCIIHexDecode",
			input:  []byte("48 65 6c\n6C 6f7>ignored"),
			want:   []byte("Hellop"),
		},
		"ascii hex abbreviation": {
			filter: "AHx",
			input:  []byte("414>"),
			want:   []byte("A@"),
		},
		"ascii85": {
			filter: "ASCII85Decode",
			input:  ascii85Encode([]byte("range requests")),
			want:   []byte("range requests"),
		},
		"run length": {
			filter: "RunLengthDecode",
			// literal "ab", then 'z' repeated 3 times, then EOD
			input: []byte{1, 'a', 'b', 254, 'z', 128, 'q'},
			want:  []byte("abzzz"),
		},
		"png up predictor": {
			filter: "FlateDecode",
			param:  Value{data: types.Dict{"Predictor": int64(12), "Columns": int64(3)}},
			input:  deflate([]byte{2, 1, 2, 3, 2, 1, 1, 1}),
			want:   []byte{1, 2, 3, 2, 3, 4},
		},
		"png sub predictor": {
			filter: "FlateDecode",
			param:  Value{data: types.Dict{"Predictor": int64(11), "Columns": int64(4)}},
			input:  deflate([]byte{1, 5, 1, 1, 1}),
			want:   []byte{5, 6, 7, 8},
		},
		"tiff predictor": {
			filter: "FlateDecode",
			param:  Value{data: types.Dict{"Predictor": int64(2), "Columns": int64(3)}},
			input:  deflate([]byte{10, 1, 1}),
			want:   []byte{10, 11, 12},
		},
		"identity crypt": {
			filter: "Crypt",
			input:  []byte("plain"),
			want:   []byte("plain"),
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			rd, err := applyFilter(bytes.NewReader(tc.input), tc.filter, tc.param)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(rd)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Error("decoded data did not match expectations:", diff)
			}
		})
	}
}

func Test_ApplyFilter_Unsupported(t *testing.T) {
	testCases := map[string]struct {
		filter string
		param  Value
	}{
		"lzw":           {filter: "LZWDecode"},
		"dct":           {filter: "DCTDecode"},
		"named crypt":   {filter: "Crypt", param: Value{data: types.Dict{"Name": types.Name("StdCF")}}},
		"bad predictor": {filter: "FlateDecode", param: Value{data: types.Dict{"Predictor": int64(7)}}},
		"tiff 16 bit":   {filter: "FlateDecode", param: Value{data: types.Dict{"Predictor": int64(2), "BitsPerComponent": int64(16)}}},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := applyFilter(bytes.NewReader(deflate(nil)), tc.filter, tc.param)
			if !errors.Is(err, ErrUnsupportedFilter) {
				t.Errorf("got %v, want ErrUnsupportedFilter", err)
			}
		})
	}
}
