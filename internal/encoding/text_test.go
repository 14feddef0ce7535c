package encoding

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_PDFDocDecode(t *testing.T) {
	testCases := map[string]struct {
		input   string
		want    string
		encoded bool
	}{
		"ascii":            {input: "Hello, world", want: "Hello, world", encoded: true},
		"bullet and dash":  {input: "\x80 \x84", want: "• —", encoded: true},
		"latin-1 range":    {input: "caf\xe9", want: "café", encoded: true},
		"euro":             {input: "\xa0", want: "€", encoded: true},
		"unmapped control": {input: "a\x01b", want: "a�b", encoded: false},
		"utf-16":           {input: "\xfe\xff\x00A", want: "þÿ�A", encoded: false},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, PDFDocDecode(tc.input)); diff != "" {
				t.Error("decoded text did not match expectations:", diff)
			}
			if got := IsPDFDocEncoded(tc.input); got != tc.encoded {
				t.Errorf("IsPDFDocEncoded(%q) = %t, want %t", tc.input, got, tc.encoded)
			}
		})
	}
}

func Test_UTF16Decode(t *testing.T) {
	testCases := map[string]struct {
		input string
		want  string
	}{
		"basic":          {input: "\x00J\x00o", want: "Jo"},
		"surrogate pair": {input: "\xd8\x3d\xde\x00", want: "\U0001F600"},
		"compatibility":  {input: "\xfb\x01", want: "fi"},
		"empty":          {input: "", want: ""},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, UTF16Decode(tc.input)); diff != "" {
				t.Error("decoded text did not match expectations:", diff)
			}
		})
	}
}

func Test_IsUTF16(t *testing.T) {
	testCases := map[string]struct {
		input string
		want  bool
	}{
		"marked":     {input: "\xfe\xff\x00A", want: true},
		"odd length": {input: "\xfe\xff\x00", want: false},
		"little end": {input: "\xff\xfe\x00A", want: false},
		"plain":      {input: "AB", want: false},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			if got := IsUTF16(tc.input); got != tc.want {
				t.Errorf("IsUTF16(%q) = %t, want %t", tc.input, got, tc.want)
			}
		})
	}
}

func Test_TrimUTF8BOM(t *testing.T) {
	if got := TrimUTF8BOM("\xef\xbb\xbfTitle"); got != "Title" {
		t.Errorf("TrimUTF8BOM = %q", got)
	}
	if got := TrimUTF8BOM("Title"); got != "Title" {
		t.Errorf("TrimUTF8BOM = %q", got)
	}
	if IsPDFDocEncoded("\xef\xbb\xbfTitle") {
		t.Error("UTF-8 text with a byte order mark is not PDFDocEncoded")
	}
}
