package pdf

import (
	"context"
	"crypto/md5"
	"crypto/rc4"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ScriptRock/rangepdf/internal/types"
)

var testPasswordPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pw string) []byte {
	out := make([]byte, 32)
	n := copy(out, pw)
	copy(out[n:], testPasswordPad)
	return out
}

func rc4XOR(key, data []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

func md5Of(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// encryptedPDF returns a document protected with 40-bit RC4 (revision 2)
// whose Info Title is encrypted. Each of extra may add objects, given the
// file key.
func encryptedPDF(user, owner string, p int32, extra ...func(b *pdfBuilder, key []byte)) []byte {
	id := []byte("0123456789abcdef")
	o := rc4XOR(md5Of(padPassword(owner))[:5], padPassword(user))
	pb := []byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)}
	key := md5Of(padPassword(user), o, pb, id)[:5]
	u := rc4XOR(key, testPasswordPad)
	title := rc4XOR(md5Of(key, []byte{4, 0, 0, 0, 0})[:10], []byte("Secret Title"))

	b := newPDFBuilder("1.4")
	b.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.obj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	b.obj(3, "<< /Type /Page /Parent 2 0 R >>")
	b.obj(4, fmt.Sprintf("<< /Title <%x> >>", title))
	b.obj(5, fmt.Sprintf("<< /Filter /Standard /V 1 /R 2 /O <%x> /U <%x> /P %d >>", o, u, p))
	for _, f := range extra {
		f(b, key)
	}
	trailer := fmt.Sprintf("/Root 1 0 R /Info 4 0 R /Encrypt 5 0 R /ID [<%x> <%x>]", id, id)
	return b.startxref(b.xref(trailer, b.allNums()...))
}

func Test_LoadDocument_Password(t *testing.T) {
	data := encryptedPDF("user", "owner", -20)

	testCases := map[string]struct {
		password string
		wantErr  *PasswordError
	}{
		"no password":    {password: "", wantErr: &PasswordError{Incorrect: false}},
		"wrong password": {password: "nope", wantErr: &PasswordError{Incorrect: true}},
		"user password":  {password: "user"},
		"owner password": {password: "owner"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m := NewLocalManager(data, Options{Password: tc.password})
			doc, err := LoadDocument(context.Background(), m)
			if tc.wantErr != nil {
				var pwErr *PasswordError
				if !errors.As(err, &pwErr) {
					t.Fatalf("got %v, want *PasswordError", err)
				}
				if diff := cmp.Diff(tc.wantErr, pwErr); diff != "" {
					t.Error("PasswordError did not match expectations:", diff)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !doc.IsEncrypted() {
				t.Error("IsEncrypted() = false")
			}
			info, err := doc.Info()
			if err != nil || info.Title != "Secret Title" {
				t.Errorf("Info().Title = %q, %v", info.Title, err)
			}
			perms := doc.Permissions()
			if !perms.Has(PermPrint) || perms.Has(PermCopy) {
				t.Errorf("Permissions() = %b, want print but not copy", perms)
			}
		})
	}
}

func Test_LoadDocument_UpdatePassword(t *testing.T) {
	m := NewLocalManager(encryptedPDF("user", "owner", -4), Options{})
	_, err := LoadDocument(context.Background(), m)
	var pwErr *PasswordError
	if !errors.As(err, &pwErr) {
		t.Fatalf("got %v, want *PasswordError", err)
	}

	m.UpdatePassword("user")
	doc, err := LoadDocument(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := doc.NumPages(); err != nil || n != 1 {
		t.Errorf("NumPages() = %d, %v", n, err)
	}
}

func Test_StreamData_Encryption(t *testing.T) {
	data := encryptedPDF("user", "owner", -4, func(b *pdfBuilder, key []byte) {
		b.stream(6, "/Type /Metadata", []byte("plain metadata"))
		b.stream(7, "", rc4XOR(md5Of(key, []byte{7, 0, 0, 0, 0})[:10], []byte("secret data")))
	})
	doc, _ := loadLocal(t, data, Options{Password: "user"})
	x := doc.XRef()

	// Read with encryption suppressed, the stream data is left as stored.
	obj, err := x.fetch(Ref{ID: 6}, true)
	if err != nil {
		t.Fatal(err)
	}
	strm, ok := obj.(types.Stream)
	if !ok {
		t.Fatalf("object 6 is %T, want a stream", obj)
	}
	got, err := x.streamData(strm)
	if err != nil || string(got) != "plain metadata" {
		t.Errorf("streamData = %q, %v", got, err)
	}

	v, err := x.Fetch(Ref{ID: 7})
	if err != nil {
		t.Fatal(err)
	}
	got, err = v.Bytes()
	if err != nil || string(got) != "secret data" {
		t.Errorf("Bytes() = %q, %v", got, err)
	}
}
