// Package chunked implements the chunked transfer coding used by HTTP and
// by MIME bodies carrying Transfer-Encoding: chunked.
package chunked

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/mimeerr"
)

const (
	DefaultMaxChunkSize = 64 << 20
	MaxLineLength       = 1000
	maxTrailerSize      = 64 << 10
)

type readerState int

const (
	stateSizeLine readerState = iota
	stateBody
	stateBodyCRLF
	stateTrailers
	stateDone
)

// Reader decodes a chunked stream. It tolerates an underlying reader that
// returns no data without an error: whatever has been decoded is returned
// and the state is kept for the next call, including a partially read size
// line.
type Reader struct {
	r            io.Reader
	MaxChunkSize int64
	state        readerState
	line         []byte
	remaining    int64
	trailerBuf   []byte
	trailers     header.List
	parentEOF    bool
	err          error
	one          [1]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, MaxChunkSize: DefaultMaxChunkSize}
}

// Trailers returns the headers that followed the terminal chunk.
func (cr *Reader) Trailers() header.List {
	return cr.trailers
}

// Finished reports whether no more data will come, either because the
// terminal chunk has been consumed or because the underlying stream ended.
func (cr *Reader) Finished() bool {
	return cr.state == stateDone || cr.parentEOF
}

func (cr *Reader) readByte() (byte, bool, error) {
	n, err := cr.r.Read(cr.one[:])
	if n == 1 {
		return cr.one[0], true, nil
	}
	if err == io.EOF {
		cr.parentEOF = true
	}
	return 0, false, err
}

func (cr *Reader) fail(n int, err error) (int, error) {
	cr.err = err
	if n > 0 {
		return n, nil
	}
	return 0, err
}

// stop handles a control byte that could not be read.
func (cr *Reader) stop(n int, err error) (int, error) {
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF && cr.state == stateTrailers:
		return cr.finishTrailers(n)
	case err == io.EOF:
		return cr.fail(n, io.ErrUnexpectedEOF)
	}
	return cr.fail(n, err)
}

func (cr *Reader) finishTrailers(n int) (int, error) {
	if len(bytes.TrimSpace(cr.trailerBuf)) > 0 {
		l, err := header.ReadBlock(bufio.NewReader(bytes.NewReader(cr.trailerBuf)), false)
		if err != nil {
			return cr.fail(n, err)
		}
		cr.trailers = l
	}
	cr.trailerBuf = nil
	cr.state = stateDone
	return cr.fail(n, io.EOF)
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	s = strings.TrimSuffix(s, "\r")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, mimeerr.NewParseError(-1, mimeerr.ErrMalformedChunk, "empty chunk size line")
	}
	v, err := strconv.ParseUint(s, 16, 63)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return 0, mimeerr.NewParseError(-1, mimeerr.ErrChunkTooLarge, "chunk size %q", s)
		}
		return 0, mimeerr.NewParseError(-1, mimeerr.ErrMalformedChunk, "invalid chunk size %q", s)
	}
	return int64(v), nil
}

func (cr *Reader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	n := 0
	for n < len(p) {
		switch cr.state {
		case stateSizeLine:
			c, ok, err := cr.readByte()
			if !ok {
				return cr.stop(n, err)
			}
			if c != '\n' {
				if len(cr.line) >= MaxLineLength {
					return cr.fail(n, mimeerr.NewParseError(-1, mimeerr.ErrLineTooLong, "chunk size line"))
				}
				cr.line = append(cr.line, c)
				continue
			}
			size, err := parseChunkSize(cr.line)
			cr.line = cr.line[:0]
			if err != nil {
				return cr.fail(n, err)
			}
			if size == 0 {
				cr.state = stateTrailers
				continue
			}
			if size > cr.MaxChunkSize {
				return cr.fail(n, mimeerr.NewParseError(-1, mimeerr.ErrChunkTooLarge, "chunk of %d bytes", size))
			}
			cr.remaining = size
			cr.state = stateBody
		case stateBody:
			m := len(p) - n
			if int64(m) > cr.remaining {
				m = int(cr.remaining)
			}
			k, err := cr.r.Read(p[n : n+m])
			n += k
			cr.remaining -= int64(k)
			if cr.remaining == 0 {
				cr.state = stateBodyCRLF
			}
			if err != nil {
				if err != io.EOF {
					return cr.fail(n, err)
				}
				cr.parentEOF = true
				if cr.remaining > 0 {
					return cr.fail(n, io.ErrUnexpectedEOF)
				}
			} else if k == 0 {
				return n, nil
			}
		case stateBodyCRLF:
			c, ok, err := cr.readByte()
			if !ok {
				return cr.stop(n, err)
			}
			switch c {
			case '\r':
			case '\n':
				cr.state = stateSizeLine
			default:
				return cr.fail(n, mimeerr.NewParseError(-1, mimeerr.ErrMalformedChunk, "missing line break after chunk data"))
			}
		case stateTrailers:
			c, ok, err := cr.readByte()
			if !ok {
				return cr.stop(n, err)
			}
			cr.trailerBuf = append(cr.trailerBuf, c)
			if len(cr.trailerBuf) > maxTrailerSize {
				return cr.fail(n, mimeerr.NewParseError(-1, mimeerr.ErrLineTooLong, "chunked trailers"))
			}
			if c != '\n' {
				continue
			}
			b := cr.trailerBuf
			if len(bytes.TrimRight(b, "\r\n")) == 0 || bytes.HasSuffix(b, []byte("\n\n")) || bytes.HasSuffix(b, []byte("\n\r\n")) {
				return cr.finishTrailers(n)
			}
		case stateDone:
			return cr.fail(n, io.EOF)
		}
	}
	return n, nil
}
