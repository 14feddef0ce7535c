// Package decrypter implements the standard security handler: it derives
// the file key from a password and decrypts strings and streams.
package decrypter

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/ScriptRock/rangepdf/internal/types"
)

// ErrInvalidPassword is returned by New when neither the user nor the
// owner password matches.
var ErrInvalidPassword = errors.New("encrypted PDF: invalid password")

// A Decrypter holds the file key of an encrypted document.
type Decrypter struct {
	key   []byte
	v     int
	perms uint32
}

// params are the entries of an Encrypt dictionary used for key derivation.
type params struct {
	n, v, r int64
	o, u    string
	oe, ue  string
	perms   string
	p       uint32
	id      string
}

// New derives the file key from password. The password is tried as the
// user password and then as the owner password. id is the first element
// of the trailer ID array.
func New(password string, encrypt types.Dict, id string) (*Decrypter, error) {
	var p params
	p.n, _ = encrypt["Length"].(int64)
	if p.n == 0 {
		p.n = 40
	}
	p.v, _ = encrypt["V"].(int64)
	p.r, _ = encrypt["R"].(int64)
	p.o, _ = encrypt["O"].(string)
	p.u, _ = encrypt["U"].(string)
	p.oe, _ = encrypt["OE"].(string)
	p.ue, _ = encrypt["UE"].(string)
	p.perms, _ = encrypt["Perms"].(string)
	P, _ := encrypt["P"].(int64)
	p.p = uint32(P)
	p.id = id

	if filter, ok := encrypt["Filter"].(types.Name); ok && filter != "Standard" {
		return nil, fmt.Errorf("unsupported PDF: security handler %s", filter)
	}
	if p.n%8 != 0 || p.n < 40 || (p.n > 128 && p.n != 256) {
		return nil, fmt.Errorf("malformed PDF: %d-bit encryption key", p.n)
	}
	if !validateVersion(p.v, encrypt) {
		return nil, fmt.Errorf("unsupported PDF: encryption version V=%d", p.v)
	}
	if p.r < 2 || p.r == 5 || p.r > 6 {
		return nil, fmt.Errorf("malformed PDF: encryption revision R=%d", p.r)
	}

	pw := []byte(password)
	if p.r == 6 {
		return p.newR6(pw)
	}

	if len(p.o) != 32 || len(p.u) < 32 {
		return nil, errors.New("malformed PDF: missing O= or U= encryption parameters")
	}
	if key := p.userKey(pw); p.checkUser(key) {
		return &Decrypter{key: key, v: int(p.v), perms: p.p}, nil
	}
	// The owner password unlocks the padded user password stored in O.
	userPw := p.ownerToUser(pw)
	if key := p.userKey(userPw); p.checkUser(key) {
		return &Decrypter{key: key, v: int(p.v), perms: p.p}, nil
	}
	return nil, ErrInvalidPassword
}

// Permissions returns the P entry of the Encrypt dictionary.
func (d *Decrypter) Permissions() uint32 {
	if d == nil {
		return ^uint32(0)
	}
	return d.perms
}

func pad(pw []byte) []byte {
	out := make([]byte, 32)
	n := copy(out, pw)
	copy(out[n:], passwordPad)
	return out
}

// userKey computes the file key from a user password (Algorithm 2).
func (p *params) userKey(pw []byte) []byte {
	h := md5.New()
	h.Write(pad(pw))
	h.Write([]byte(p.o))
	h.Write([]byte{byte(p.p), byte(p.p >> 8), byte(p.p >> 16), byte(p.p >> 24)})
	h.Write([]byte(p.id))
	key := h.Sum(nil)

	if p.r >= 3 {
		for i := 0; i < 50; i++ {
			h.Reset()
			h.Write(key[:p.n/8])
			key = h.Sum(key[:0])
		}
		return key[:p.n/8]
	}
	return key[:40/8]
}

// checkUser reports whether key reproduces the U entry (Algorithms 4 and 5).
func (p *params) checkUser(key []byte) bool {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return false
	}

	var w []byte
	if p.r == 2 {
		w = make([]byte, 32)
		copy(w, passwordPad)
		c.XORKeyStream(w, w)
	} else {
		h := md5.New()
		h.Write(passwordPad)
		h.Write([]byte(p.id))
		w = h.Sum(nil)
		c.XORKeyStream(w, w)
		xorRounds(key, w, 1, 19)
	}
	return bytes.HasPrefix([]byte(p.u), w)
}

// ownerToUser recovers the padded user password from O (Algorithm 7).
func (p *params) ownerToUser(pw []byte) []byte {
	h := md5.New()
	h.Write(pad(pw))
	key := h.Sum(nil)
	n := 5
	if p.r >= 3 {
		for i := 0; i < 50; i++ {
			h.Reset()
			h.Write(key)
			key = h.Sum(key[:0])
		}
		n = int(p.n / 8)
	}
	key = key[:n]

	out := []byte(p.o)
	if p.r == 2 {
		c, _ := rc4.NewCipher(key)
		c.XORKeyStream(out, out)
		return out
	}
	for i := 19; i >= 0; i-- {
		xorRounds(key, out, i, i)
	}
	return out
}

// xorRounds applies RC4 with key^i to buf for i from first to last.
func xorRounds(key, buf []byte, first, last int) {
	key1 := make([]byte, len(key))
	for i := first; i <= last; i++ {
		for j := range key {
			key1[j] = key[j] ^ byte(i)
		}
		c, _ := rc4.NewCipher(key1)
		c.XORKeyStream(buf, buf)
	}
}

var passwordPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func (p *params) newR6(password []byte) (*Decrypter, error) {
	if len(password) > 127 {
		password = password[:127]
	}
	if len(p.u) < 48 || len(p.o) < 48 || len(p.ue) < 32 || len(p.oe) < 32 || len(p.perms) < 16 {
		return nil, errors.New("malformed PDF: missing R6 encryption parameters")
	}
	u, o := []byte(p.u)[:48], []byte(p.o)[:48]

	var intermediate, wrapped []byte
	switch {
	case bytes.Equal(hashR6(password, u[32:40], nil), u[:32]):
		intermediate, wrapped = hashR6(password, u[40:48], nil), []byte(p.ue)[:32]
	case bytes.Equal(hashR6(password, o[32:40], u), o[:32]):
		intermediate, wrapped = hashR6(password, o[40:48], u), []byte(p.oe)[:32]
	default:
		return nil, ErrInvalidPassword
	}

	b, err := aes.NewCipher(intermediate)
	if err != nil {
		return nil, err
	}
	var iv [16]byte
	key := make([]byte, 32)
	cipher.NewCBCDecrypter(b, iv[:]).CryptBlocks(key, wrapped)

	dec := make([]byte, 16)
	b, err = aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	b.Decrypt(dec, []byte(p.perms)[:16])
	if string(dec[9:12]) != "adb" {
		return nil, errors.New("malformed PDF: Perms did not validate")
	}

	return &Decrypter{key: key, v: 5, perms: p.p}, nil
}

// hashR6 implements Algorithm 2.B of ISO 32000-2. udata is the U string
// when checking an owner password and nil otherwise.
func hashR6(p, salt, udata []byte) []byte {
	h := sha256.New()
	h.Write(p)
	h.Write(salt)
	h.Write(udata)
	k := h.Sum(nil)

	for i := 1; ; i++ {
		var seq []byte
		seq = append(seq, p...)
		seq = append(seq, k...)
		seq = append(seq, udata...)
		k1 := bytes.Repeat(seq, 64)
		b, err := aes.NewCipher(k[:16])
		if err != nil {
			panic(err)
		}
		e := make([]byte, len(k1))
		cipher.NewCBCEncrypter(b, k[16:32]).CryptBlocks(e, k1)

		var mod int
		for _, c := range e[:16] {
			mod += int(c)
		}
		switch mod % 3 {
		case 0:
			v := sha256.Sum256(e)
			k = v[:]
		case 1:
			v := sha512.Sum384(e)
			k = v[:]
		case 2:
			v := sha512.Sum512(e)
			k = v[:]
		}

		if i >= 64 && e[len(e)-1] <= byte(i-32) {
			break
		}
	}

	return k[:32]
}

func (d *Decrypter) aes() bool { return d.v == 4 || d.v == 5 }

// Decrypt returns a reader over the decrypted contents of rd, which holds
// a string or stream belonging to the object ptr. A nil Decrypter returns
// rd unchanged.
func (d *Decrypter) Decrypt(ptr types.Objptr, rd io.Reader) (io.Reader, error) {
	if d == nil {
		return rd, nil
	}

	key := d.cryptKey(ptr)
	if d.aes() {
		cb, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("bad AES key: %w", err)
		}
		iv := make([]byte, 16)
		if _, err := io.ReadFull(rd, iv); err != nil {
			return bytes.NewReader(nil), nil
		}
		cbc := cipher.NewCBCDecrypter(cb, iv)
		return &cbcReader{cbc: cbc, rd: rd, buf: make([]byte, 16)}, nil
	}
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad RC4 key: %w", err)
	}
	return &cipher.StreamReader{S: c, R: rd}, nil
}

func (d *Decrypter) cryptKey(ptr types.Objptr) []byte {
	if d.v == 5 {
		return d.key
	}

	h := md5.New()
	h.Write(d.key)
	h.Write([]byte{byte(ptr.ID), byte(ptr.ID >> 8), byte(ptr.ID >> 16), byte(ptr.Gen), byte(ptr.Gen >> 8)})
	if d.v == 4 {
		h.Write([]byte("sAlT"))
	}
	key := h.Sum(nil)
	return key[:min(len(d.key)+5, 16)]
}

// cbcReader decrypts AES-CBC blocks and strips the padding of the last one.
type cbcReader struct {
	cbc  cipher.BlockMode
	rd   io.Reader
	buf  []byte
	next []byte
	pend []byte
	eof  bool
}

func (r *cbcReader) Read(b []byte) (int, error) {
	for len(r.pend) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if r.next == nil {
			r.next = make([]byte, 16)
			if _, err := io.ReadFull(r.rd, r.next); err != nil {
				r.eof = true
				return 0, io.EOF
			}
		}
		r.cbc.CryptBlocks(r.buf, r.next)
		r.pend = r.buf
		if _, err := io.ReadFull(r.rd, r.next); err != nil {
			// The block just decrypted was the last one.
			r.eof = true
			if n := int(r.buf[15]); n >= 1 && n <= 16 {
				r.pend = r.buf[:16-n]
			}
		}
	}
	n := copy(b, r.pend)
	r.pend = r.pend[n:]
	return n, nil
}

func validateVersion(v int64, encrypt types.Dict) bool {
	switch v {
	case 1, 2:
		return true
	case 4, 5: // validate params below.
	default:
		return false
	}

	cf, ok := encrypt["CF"].(types.Dict)
	if !ok {
		return false
	}
	stmf, ok := encrypt["StmF"].(types.Name)
	if !ok {
		return false
	}
	strf, ok := encrypt["StrF"].(types.Name)
	if !ok {
		return false
	}
	if stmf != strf {
		return false
	}
	cfparam, ok := cf[stmf].(types.Dict)
	if !ok {
		return false
	}
	if cfparam["AuthEvent"] != nil && cfparam["AuthEvent"] != types.Name("DocOpen") {
		return false
	}

	length := int64(16)
	cfm := types.Name("AESV2")
	if v == 5 {
		length = 32
		cfm = types.Name("AESV3")
	}
	if cfparam["Length"] != nil && cfparam["Length"] != length {
		return false
	}
	return cfparam["CFM"] == cfm
}
