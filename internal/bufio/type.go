// Package bufio provides the byte cursors the parser walks a message with.
package bufio

import (
	_bufio "bufio"
	"io"
)

// Reader is a byte stream that can be consumed one byte at a time.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Wrap returns r itself when it can already be read byte by byte and a
// buffered reader around it otherwise.
func Wrap(r io.Reader) Reader {
	if br, ok := r.(Reader); ok {
		return br
	}
	return _bufio.NewReader(r)
}

func readBytes(r io.ByteReader, p []byte) (int, error) {
	for i := range p {
		c, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				return i, nil
			}
			return i, err
		}
		p[i] = c
	}
	return len(p), nil
}

// Drain consumes r to the end and returns the number of bytes read along
// with the last tailSize of them.
func Drain(r Reader, tailSize int) (int64, []byte, error) {
	var buf [4096]byte
	tail := make([]byte, 0, tailSize)
	var n int64
	for {
		m, err := r.Read(buf[:])
		if m > 0 {
			n += int64(m)
			tail = appendTail(tail, buf[:m], tailSize)
		}
		if err != nil {
			if err == io.EOF {
				return n, tail, nil
			}
			return n, tail, err
		}
	}
}

func appendTail(tail, b []byte, size int) []byte {
	if size <= 0 {
		return tail
	}
	if len(b) >= size {
		return append(tail[:0], b[len(b)-size:]...)
	}
	if over := len(tail) + len(b) - size; over > 0 {
		tail = append(tail[:0], tail[over:]...)
	}
	return append(tail, b...)
}
