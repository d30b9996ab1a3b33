package transcode

import (
	"bytes"
	"io"

	"golang.org/x/sync/errgroup"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NopWriteCloser returns w with a Close that does nothing.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

// lineBreaker inserts CRLF every maxLineLength bytes.
type lineBreaker struct {
	w    io.Writer
	used int
}

const maxLineLength = 76

func (l *lineBreaker) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		if l.used == maxLineLength {
			if _, err := l.w.Write([]byte{'\r', '\n'}); err != nil {
				return n, err
			}
			l.used = 0
		}
		m := maxLineLength - l.used
		if m > len(b) {
			m = len(b)
		}
		k, err := l.w.Write(b[:m])
		n += k
		l.used += k
		if err != nil {
			return n, err
		}
		b = b[m:]
	}
	return n, nil
}

// lazyReader defers building a decoder until the first Read, for decoders
// that consume a header on construction.
type lazyReader struct {
	r   io.Reader
	new func() (io.Reader, error)
	err error
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	if l.r == nil {
		r, err := l.new()
		if err != nil {
			l.err = err
			return 0, err
		}
		l.r = r
	}
	return l.r.Read(p)
}

// encodingReader turns a writer-side encoder into a reader by feeding it
// from src into a buffer. A read of src that yields nothing is passed on
// to the caller as (0, nil).
type encodingReader struct {
	src     io.Reader
	buf     bytes.Buffer
	enc     io.WriteCloser
	scratch []byte
	eof     bool
	err     error
}

func newEncodingReader(src io.Reader, newEncoder func(io.Writer) (io.WriteCloser, error)) (io.Reader, error) {
	er := &encodingReader{src: src, scratch: make([]byte, 8192)}
	enc, err := newEncoder(&er.buf)
	if err != nil {
		return nil, err
	}
	er.enc = enc
	return er, nil
}

func (er *encodingReader) Read(p []byte) (int, error) {
	for er.buf.Len() == 0 {
		if er.err != nil {
			return 0, er.err
		}
		if er.eof {
			return 0, io.EOF
		}
		n, err := er.src.Read(er.scratch)
		if n > 0 {
			if _, werr := er.enc.Write(er.scratch[:n]); werr != nil {
				er.err = werr
				continue
			}
		}
		if err == io.EOF {
			er.eof = true
			if cerr := er.enc.Close(); cerr != nil {
				er.err = cerr
			}
			continue
		}
		if err != nil {
			er.err = err
			continue
		}
		if n == 0 {
			return 0, nil
		}
	}
	return er.buf.Read(p)
}

// decodingWriter turns a reader-side decoder into a writer by pumping a
// pipe through it on a separate goroutine.
type decodingWriter struct {
	pw *io.PipeWriter
	eg errgroup.Group
}

func newDecodingWriter(w io.Writer, newDecoder func(io.Reader) (io.Reader, error)) io.WriteCloser {
	pr, pw := io.Pipe()
	dw := &decodingWriter{pw: pw}
	dw.eg.Go(func() error {
		r, err := newDecoder(pr)
		if err == nil {
			_, err = io.Copy(w, r)
		}
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		_, err = io.Copy(io.Discard, pr)
		return err
	})
	return dw
}

func (dw *decodingWriter) Write(p []byte) (int, error) {
	return dw.pw.Write(p)
}

func (dw *decodingWriter) Close() error {
	dw.pw.Close()
	return dw.eg.Wait()
}

// stack closes a chain of encoders from the innermost outwards.
type stack struct {
	io.Writer
	closers []io.Closer
}

func (s *stack) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
