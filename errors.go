package pdf

import (
	"errors"
	"fmt"

	"github.com/ScriptRock/rangepdf/chunked"
)

// MissingDataError reports bytes that must be loaded before an operation
// can succeed. Ensure handles it by loading the span and retrying.
type MissingDataError = chunked.MissingDataError

// An XRefEntryError reports a cross-reference entry that does not lead to
// the object it names.
type XRefEntryError struct {
	Ref Ref
	Msg string
}

func (e *XRefEntryError) Error() string {
	return fmt.Sprintf("pdf: %s: %v", e.Msg, e.Ref)
}

// An XRefParseError reports that the cross-reference data could not be
// read as written. Loading falls back to rebuilding it from the file body.
type XRefParseError struct {
	Err error
}

func (e *XRefParseError) Error() string {
	if e.Err == nil {
		return "pdf: invalid cross-reference data"
	}
	return fmt.Sprintf("pdf: invalid cross-reference data: %v", e.Err)
}

func (e *XRefParseError) Unwrap() error { return e.Err }

// An InvalidPDFError reports a file that cannot be read even after
// rebuilding its cross-reference table.
type InvalidPDFError struct {
	Msg string
}

func (e *InvalidPDFError) Error() string {
	return "pdf: " + e.Msg
}

// A PasswordError reports an encrypted file that cannot be opened with
// the current password.
type PasswordError struct {
	// Incorrect is false when no password was given.
	Incorrect bool
}

func (e *PasswordError) Error() string {
	if e.Incorrect {
		return "pdf: incorrect password"
	}
	return "pdf: password required"
}

// PDFError wraps a failed document operation.
type PDFError struct {
	Op  string
	Err error
}

func (e *PDFError) Error() string {
	return fmt.Sprintf("pdf: %s: %v", e.Op, e.Err)
}

func (e *PDFError) Unwrap() error { return e.Err }

var (
	// ErrUnsupportedFilter is returned for stream filters this package
	// does not decode, such as image codecs.
	ErrUnsupportedFilter = errors.New("pdf: unsupported filter")

	// ErrNotStream is returned when stream data is read from a non-stream value.
	ErrNotStream = errors.New("pdf: value is not a stream")
)

// isMissingData reports whether err is, or wraps, a *MissingDataError.
func isMissingData(err error) bool {
	var md *MissingDataError
	return errors.As(err, &md)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PDFError{Op: op, Err: err}
}
