package header

import (
	"io"
)

// Writer renders headers onto an io.Writer. It also implements
// ScannerHandler so a scanned header block can be written back verbatim.
type Writer struct {
	io.Writer
	Fold       bool
	Encoding   Encoding
	Charset    string
	shortWrite bool
}

var newline = []byte{'\r', '\n'}

func NewWriter(w io.Writer, fold bool, enc Encoding) *Writer {
	return &Writer{Writer: w, Fold: fold, Encoding: enc}
}

func (hw *Writer) write(b []byte) error {
	n, err := hw.Writer.Write(b)
	if n != len(b) {
		hw.shortWrite = true
	}
	if err == nil && hw.shortWrite {
		err = io.ErrShortWrite
	}
	return err
}

func (hw *Writer) WriteHeader(h Header) error {
	cs := hw.Charset
	if cs == "" {
		cs = "UTF-8"
	}
	s, err := h.RenderCharset(hw.Fold, hw.Encoding, cs)
	if err != nil {
		return err
	}
	if err := hw.write([]byte(s)); err != nil {
		return err
	}
	return hw.write(newline)
}

func (hw *Writer) WriteHeaders(hs ...Header) error {
	for _, h := range hs {
		if err := hw.WriteHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// Finish writes the blank line that separates headers from the body.
func (hw *Writer) Finish() error {
	return hw.write(newline)
}

func (hw *Writer) HandleStraggler(b []byte) error {
	err := hw.write(b)
	if err != nil {
		return err
	}
	return hw.write(newline)
}

func (hw *Writer) HandleHeaderLine(chunks [][]byte) error {
	for _, chunk := range chunks {
		err := hw.write(chunk)
		if err != nil {
			return err
		}
		err = hw.write(newline)
		if err != nil {
			return err
		}
	}
	return nil
}

func (hw *Writer) HandleBody(r Reader) error {
	err := hw.Finish()
	if err != nil {
		return err
	}
	_, err = io.Copy(hw.Writer, r)
	return err
}

func (hw *Writer) ShortWrite() bool {
	return hw.shortWrite
}
