package chunked

import (
	"io"
	"strconv"

	"github.com/moriyoshi/mimekit/header"
)

const DefaultChunkSize = 50 << 10

// Writer encodes everything written to it as chunks of at most the window
// size. Close emits the pending chunk, the terminal chunk and the trailers;
// the final blank line is only written when WriteEnding is set, so that an
// enclosing structure can supply its own separator.
type Writer struct {
	w           io.Writer
	buf         []byte
	WriteEnding bool
	Trailers    header.List
	closed      bool
}

func NewWriter(w io.Writer, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{w: w, buf: make([]byte, 0, chunkSize), WriteEnding: true}
}

func (cw *Writer) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, io.ErrClosedPipe
	}
	n := 0
	for len(p) > 0 {
		m := cap(cw.buf) - len(cw.buf)
		if m > len(p) {
			m = len(p)
		}
		cw.buf = append(cw.buf, p[:m]...)
		p = p[m:]
		n += m
		if len(cw.buf) == cap(cw.buf) {
			if err := cw.Flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush emits the buffered bytes as one chunk.
func (cw *Writer) Flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	b := make([]byte, 0, len(cw.buf)+20)
	b = strconv.AppendInt(b, int64(len(cw.buf)), 16)
	b = append(b, '\r', '\n')
	b = append(b, cw.buf...)
	b = append(b, '\r', '\n')
	cw.buf = cw.buf[:0]
	_, err := cw.w.Write(b)
	return err
}

// Close finishes the chunked stream. It does not close the underlying
// writer.
func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	if err := cw.Flush(); err != nil {
		return err
	}
	b := []byte{'0'}
	for _, h := range cw.Trailers {
		s, err := h.Render(false, header.EncodingRFC2047)
		if err != nil {
			return err
		}
		b = append(b, '\r', '\n')
		b = append(b, s...)
	}
	if cw.WriteEnding {
		b = append(b, "\r\n\r\n"...)
	}
	_, err := cw.w.Write(b)
	return err
}
