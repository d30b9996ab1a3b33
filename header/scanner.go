package header

import (
	"io"

	"github.com/moriyoshi/mimekit/mimeerr"
)

// Reader is the byte stream a header block is scanned from. What is left
// after the blank line is handed to HandleBody untouched.
type Reader interface {
	io.Reader
	io.ByteReader
}

type ScannerHandler interface {
	HandleStraggler([]byte) error
	HandleHeaderLine([][]byte) error
	HandleBody(Reader) error
}

func readLineSlice(r io.ByteReader, buf []byte) ([]byte, error) {
	l := buf[:0]
	for {
		c, err := r.ReadByte()
		if err != nil {
			return l, err
		}
		if c == '\n' {
			break
		}
		l = append(l, c)
	}
	if len(l) > 0 && l[len(l)-1] == '\r' {
		l = l[:len(l)-1]
	}
	return l, nil
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t'
}

// Scan reads a header block from r. Each header line is delivered with its
// continuation lines as separate chunks. If the stream ends before the
// blank line, the headers seen so far are delivered and ErrIncomplete is
// returned without calling HandleBody.
func Scan(r Reader, handler ScannerHandler) error {
	var chunks [][]byte
	var buf []byte
	for {
		l, err := readLineSlice(r, buf)
		eof := false
		if err != nil {
			if err != io.EOF {
				return err
			}
			eof = true
		}
		if len(l) > 0 && isWhitespace(l[0]) {
			if len(chunks) == 0 {
				if err := handler.HandleStraggler(l); err != nil {
					return err
				}
				if eof {
					return mimeerr.ErrIncomplete
				}
				continue
			}
		} else {
			if len(chunks) > 0 {
				if err := handler.HandleHeaderLine(chunks); err != nil {
					return err
				}
				chunks = chunks[:0]
			}
			if len(l) == 0 {
				if eof {
					return mimeerr.ErrIncomplete
				}
				break
			}
		}
		chunks = append(chunks, append([]byte(nil), l...))
		if eof {
			if err := handler.HandleHeaderLine(chunks); err != nil {
				return err
			}
			return mimeerr.ErrIncomplete
		}
		buf = l[:0]
	}
	return handler.HandleBody(r)
}

type functionBackedScannerHandler struct {
	StragglerHandler  func([]byte) error
	HeaderLineHandler func([][]byte) error
	BodyHandler       func(Reader) error
}

func (h *functionBackedScannerHandler) HandleStraggler(l []byte) error {
	if h.StragglerHandler == nil {
		return nil
	}
	return h.StragglerHandler(l)
}

func (h *functionBackedScannerHandler) HandleHeaderLine(l [][]byte) error {
	if h.HeaderLineHandler == nil {
		return nil
	}
	return h.HeaderLineHandler(l)
}

func (h *functionBackedScannerHandler) HandleBody(r Reader) error {
	if h.BodyHandler == nil {
		return nil
	}
	return h.BodyHandler(r)
}

func ScannerHandlerFromFunctions(
	stragglerHandler func([]byte) error,
	headerLineHandler func([][]byte) error,
	bodyHandler func(Reader) error,
) ScannerHandler {
	return &functionBackedScannerHandler{
		StragglerHandler:  stragglerHandler,
		HeaderLineHandler: headerLineHandler,
		BodyHandler:       bodyHandler,
	}
}

// Unfold joins a header line and its continuation lines, collapsing each
// fold into a single space.
func Unfold(chunks [][]byte) string {
	n := 0
	for _, c := range chunks {
		n += len(c) + 1
	}
	b := make([]byte, 0, n)
	for i, c := range chunks {
		if i > 0 {
			for len(c) > 0 && isWhitespace(c[0]) {
				c = c[1:]
			}
			b = append(b, ' ')
		}
		b = append(b, c...)
	}
	return string(b)
}

// ReadBlock reads headers up to and including the blank line that ends the
// block. When the stream ends first, mustFinish turns the partial result
// into ErrIncomplete; otherwise the headers read so far are returned.
func ReadBlock(r Reader, mustFinish bool) (List, error) {
	var headers List
	err := Scan(r, ScannerHandlerFromFunctions(
		nil,
		func(chunks [][]byte) error {
			h, err := Parse(Unfold(chunks))
			if err != nil {
				return err
			}
			headers = append(headers, h)
			return nil
		},
		nil,
	))
	if err == mimeerr.ErrIncomplete {
		if mustFinish {
			return nil, err
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return headers, nil
}
