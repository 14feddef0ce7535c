// Copyright 2014 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pdf reads PDF documents incrementally. Objects are parsed from
// whatever part of the file has been loaded, and reading anything that
// has not arrived yet fails with *MissingDataError; Ensure loads the
// missing span and retries.
//
// Open picks a Manager for a transport, LoadDocument reads the
// cross-reference data, and a Document gives access to the object graph:
//
//	m, err := pdf.Open(ctx, transport.NewHTTP(url, transport.DefaultHTTPOptions()), pdf.Options{})
//	if err != nil {
//		return err
//	}
//	defer m.Terminate(nil)
//	doc, err := pdf.LoadDocument(ctx, m)
//	if err != nil {
//		return err
//	}
//	n, err := pdf.Ensure(ctx, m, doc.NumPages)
package pdf

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"

	"github.com/ScriptRock/rangepdf/chunked"
	"github.com/ScriptRock/rangepdf/internal/types"
)

const (
	// The header may be preceded by garbage, but not by more than this.
	headerSearchLimit = 1024
	// startxref is looked for backwards from the end in steps this big.
	startXRefStep = 1024
	// Fingerprint hashes this many bytes when the file has no ID.
	fingerprintBytes = 1024
)

// A Document is a PDF file whose cross-reference data has been read.
// Every method that follows references can fail with *MissingDataError;
// wrap calls in Ensure to load what is needed.
type Document struct {
	stream    *chunked.Stream
	xref      *XRef
	log       *slog.Logger
	base      int64
	startXRef int64
	version   string
}

// LoadDocument reads the header and the cross-reference data of the file
// m serves. A file whose cross-reference data is damaged is indexed by
// scanning its body. An encrypted file opened with a wrong or missing
// password fails with *PasswordError; set the right one with
// m.UpdatePassword and call LoadDocument again.
func LoadDocument(ctx context.Context, m Manager) (*Document, error) {
	stream := m.Stream()
	d := &Document{
		stream: stream,
		xref:   newXRef(stream, m.Logger()),
		log:    m.Logger(),
	}
	if err := ensure(ctx, m, d.checkHeader); err != nil {
		return nil, wrapError("reading header", err)
	}
	if err := ensure(ctx, m, d.parseStartXRef); err != nil {
		return nil, wrapError("finding startxref", err)
	}
	d.xref.base = d.base
	d.xref.setStartXRef(d.startXRef)

	password := m.Password()
	err := ensure(ctx, m, func() error { return d.xref.Parse(false, password) })
	var parseErr *XRefParseError
	var entryErr *XRefEntryError
	if errors.As(err, &parseErr) || errors.As(err, &entryErr) {
		d.log.Warn("cross-reference data is damaged, indexing objects", slog.String("error", err.Error()))
		err = ensure(ctx, m, func() error { return d.xref.Parse(true, password) })
	}
	if err != nil {
		var pwErr *PasswordError
		if errors.As(err, &pwErr) {
			return nil, err
		}
		return nil, wrapError("loading document", err)
	}
	return d, nil
}

// checkHeader finds the %PDF- header and reads the version after it.
func (d *Document) checkHeader() error {
	n := min(d.stream.Length(), headerSearchLimit)
	buf, err := d.stream.ByteRange(0, n)
	if err != nil {
		return err
	}
	i := bytes.Index(buf, []byte("%PDF-"))
	if i < 0 {
		d.log.Warn("PDF header not found")
		return nil
	}
	d.base = int64(i)
	v := buf[i+5:]
	end := 0
	for end < len(v) && end < 8 && (v[end] == '.' || '0' <= v[end] && v[end] <= '9') {
		end++
	}
	d.version = string(v[:end])
	return nil
}

// parseStartXRef finds the last startxref keyword and reads the offset
// after it. A file without one gets offset 0, which fails to parse and
// sends LoadDocument to indexing.
func (d *Document) parseStartXRef() error {
	marker := []byte("startxref")
	length := d.stream.Length()
	pos := int64(-1)
	for end := length; end > d.base; {
		begin := max(end-startXRefStep-int64(len(marker)), d.base)
		buf, err := d.stream.ByteRange(begin, end)
		if err != nil {
			return err
		}
		if i := bytes.LastIndex(buf, marker); i >= 0 {
			pos = begin + int64(i) + int64(len(marker))
			break
		}
		end = begin + int64(len(marker))
		if begin == d.base {
			break
		}
	}
	if pos < 0 {
		d.log.Warn("startxref not found")
		d.startXRef = 0
		return nil
	}

	buf, err := d.stream.ByteRange(pos, min(pos+64, length))
	if err != nil {
		return err
	}
	buf = bytes.TrimLeft(buf, "\x00\t\n\f\r ")
	end := 0
	for end < len(buf) && '0' <= buf[end] && buf[end] <= '9' {
		end++
	}
	off, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		d.log.Warn("invalid startxref offset", slog.String("error", err.Error()))
		off = 0
	}
	d.startXRef = off
	return nil
}

// XRef returns the cross-reference table of the document.
func (d *Document) XRef() *XRef {
	return d.xref
}

// Version returns the PDF version: the Version entry of the catalog when
// it is newer than the header, else the header version.
func (d *Document) Version() (string, error) {
	v, err := d.Catalog().Key("Version")
	if err != nil {
		if isMissingData(err) {
			return "", err
		}
		d.log.Warn("cannot read catalog Version", slog.String("error", err.Error()))
		return d.version, nil
	}
	if name := v.Name(); name > d.version {
		return name, nil
	}
	return d.version, nil
}

// Trailer returns the trailer dictionary.
func (d *Document) Trailer() Value {
	return d.xref.Trailer()
}

// Catalog returns the document catalog.
func (d *Document) Catalog() Value {
	return d.xref.Root()
}

// IsEncrypted reports whether the file is encrypted.
func (d *Document) IsEncrypted() bool {
	return d.xref.decrypter != nil
}

// NumPages returns the page count recorded at the root of the page tree.
func (d *Document) NumPages() (int, error) {
	count, err := d.Catalog().Lookup("Pages", "Count")
	if err != nil {
		return 0, err
	}
	if count.Kind() != IntegerKind || count.Int64() < 0 {
		return 0, &InvalidPDFError{Msg: "page count is not a non-negative integer"}
	}
	return int(count.Int64()), nil
}

// Info holds the document information dictionary, decoded as text.
type Info struct {
	Title        string
	Author       string
	Subject      string
	Keywords     string
	Creator      string
	Producer     string
	CreationDate string
	ModDate      string
}

// Info returns the document information dictionary. Entries that are not
// text strings are left empty.
func (d *Document) Info() (Info, error) {
	var info Info
	dict, err := d.Trailer().Key("Info")
	if err != nil {
		if isMissingData(err) {
			return info, err
		}
		d.log.Warn("cannot read Info dictionary", slog.String("error", err.Error()))
		return info, nil
	}
	fields := []struct {
		key string
		dst *string
	}{
		{"Title", &info.Title},
		{"Author", &info.Author},
		{"Subject", &info.Subject},
		{"Keywords", &info.Keywords},
		{"Creator", &info.Creator},
		{"Producer", &info.Producer},
		{"CreationDate", &info.CreationDate},
		{"ModDate", &info.ModDate},
	}
	for _, f := range fields {
		v, err := dict.Key(f.key)
		if err != nil {
			if isMissingData(err) {
				return info, err
			}
			d.log.Warn("bad Info entry", slog.String("key", f.key), slog.String("error", err.Error()))
			continue
		}
		if v.Kind() == StringKind {
			*f.dst = v.Text()
		}
	}
	return info, nil
}

// Fingerprint identifies the document: the hex form of the first element
// of the trailer ID, or an MD5 of the start of the file when the ID is
// missing or all zeros.
func (d *Document) Fingerprint() (string, error) {
	if ids, ok := d.xref.trailer["ID"].(types.Array); ok && len(ids) > 0 {
		if id, ok := ids[0].(string); ok && id != "" && !allZero(id) {
			return hex.EncodeToString([]byte(id)), nil
		}
	}
	buf, err := d.stream.ByteRange(d.base, min(d.base+fingerprintBytes, d.stream.Length()))
	if err != nil {
		return "", err
	}
	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != 0 {
			return false
		}
	}
	return true
}

// Permission is a set of operations an encrypted document allows.
type Permission uint32

const (
	PermPrint                Permission = 1 << 2
	PermModify               Permission = 1 << 3
	PermCopy                 Permission = 1 << 4
	PermModifyAnnotations    Permission = 1 << 5
	PermFillInteractiveForms Permission = 1 << 8
	PermCopyForAccessibility Permission = 1 << 9
	PermAssemble             Permission = 1 << 10
	PermPrintHighQuality     Permission = 1 << 11
)

// AllPermissions is every operation a document can allow.
const AllPermissions = PermPrint | PermModify | PermCopy | PermModifyAnnotations |
	PermFillInteractiveForms | PermCopyForAccessibility | PermAssemble | PermPrintHighQuality

// Has reports whether p allows all of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// Permissions returns what the document allows. An unencrypted document
// allows everything.
func (d *Document) Permissions() Permission {
	if !d.IsEncrypted() {
		return AllPermissions
	}
	return Permission(d.xref.decrypter.Permissions()) & AllPermissions
}

// AcroForm returns the interactive form dictionary, or a null Value when
// the document has none or it is unreadable.
func (d *Document) AcroForm() (Value, error) {
	return d.catalogDict("AcroForm")
}

// Collection returns the collection dictionary of a portfolio, or a null
// Value.
func (d *Document) Collection() (Value, error) {
	return d.catalogDict("Collection")
}

func (d *Document) catalogDict(key string) (Value, error) {
	v, err := d.Catalog().Key(key)
	if err != nil {
		if isMissingData(err) {
			return Value{}, err
		}
		d.log.Warn("cannot read catalog entry", slog.String("key", key), slog.String("error", err.Error()))
		return Value{}, nil
	}
	if !v.IsNull() && v.Kind() != DictKind {
		d.log.Warn("catalog entry is not a dictionary", slog.String("key", key))
		return Value{}, nil
	}
	return v, nil
}

// Cleanup drops every cached object. Later reads parse them again.
func (d *Document) Cleanup() {
	d.xref.ResetCache()
}
