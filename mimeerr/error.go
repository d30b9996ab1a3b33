package mimeerr

import (
	"errors"
	"fmt"
)

var (
	ErrIncomplete          = errors.New("header block is incomplete")
	ErrUnknownEncoding     = errors.New("unknown encoding")
	ErrUnknownLength       = errors.New("body length is unknown")
	ErrChunkTooLarge       = errors.New("chunk exceeds the maximum chunk size")
	ErrLineTooLong         = errors.New("line exceeds the maximum length")
	ErrMalformedBoundary   = errors.New("malformed boundary trailer")
	ErrBetweenBoundaries   = errors.New("unexpected data between boundaries")
	ErrImmutable           = errors.New("part is not modifiable")
	ErrNoBoundary          = errors.New("multipart has no boundary")
	ErrNotReopenable       = errors.New("content can not be reopened")
	ErrUnexpectedContinue  = errors.New("continue expectation on a nested part")
	ErrUnformattable       = errors.New("part can not be formatted")
	ErrMalformedHeader     = errors.New("malformed header")
	ErrMalformedChunk      = errors.New("malformed chunk")
	ErrUnsupportedSMIME    = errors.New("unsupported smime-type")
	ErrInvalidSignedLayout = errors.New("invalid multipart/signed layout")
)

// ParseError reports a failure to parse a part. Offset is the cursor
// position at which the failure was detected, or -1 when not known. It is
// counted from the start of the parsed resource, except below a chunked
// multipart or a decoded S/MIME envelope, where it is counted in the
// decoded stream of the nearest such ancestor.
type ParseError struct {
	Offset int64
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var s string
	if e.Offset >= 0 {
		s = fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Msg)
	} else {
		s = "parse error: " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func NewParseError(offset int64, err error, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Msg: fmt.Sprintf(format, args...), Err: err}
}

// FormatError reports a failure to render a part.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return "format error: " + e.Msg + ": " + e.Err.Error()
	}
	return "format error: " + e.Msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func NewFormatError(err error, format string, args ...any) *FormatError {
	return &FormatError{Msg: fmt.Sprintf(format, args...), Err: err}
}
