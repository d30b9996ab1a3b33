package part

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// Resource is the origin of the bytes of a parsed tree. Every Open returns
// a stream positioned at the start.
type Resource interface {
	Open() (io.ReadCloser, error)
}

func resourceReopenable(res Resource) bool {
	if res == nil {
		return false
	}
	if r, ok := res.(interface{ Reopenable() bool }); ok {
		return r.Reopenable()
	}
	return true
}

type bytesReadCloser struct {
	*bytes.Reader
}

func (bytesReadCloser) Close() error { return nil }

// BytesResource serves a document held in memory.
type BytesResource []byte

func (b BytesResource) Open() (io.ReadCloser, error) {
	return bytesReadCloser{bytes.NewReader(b)}, nil
}

// FileResource serves a document stored in a file.
type FileResource string

func (f FileResource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// SpoolResource records a one-shot stream as it is consumed so that it
// can be opened again. Readers that fall behind are served from the
// recording; the one in front pulls from the source.
type SpoolResource struct {
	mu   sync.Mutex
	src  io.Reader
	data []byte
	err  error
}

func NewSpoolResource(r io.Reader) *SpoolResource {
	return &SpoolResource{src: r}
}

func (s *SpoolResource) Open() (io.ReadCloser, error) {
	return &spoolReader{s: s}, nil
}

// Bytes returns what has been recorded so far.
func (s *SpoolResource) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

type spoolReader struct {
	s   *SpoolResource
	pos int
}

func (r *spoolReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.pos < len(s.data) {
		n := copy(p, s.data[r.pos:])
		r.pos += n
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.src.Read(p)
	s.data = append(s.data, p[:n]...)
	r.pos += n
	if err != nil {
		s.err = err
		if n > 0 {
			return n, nil
		}
	}
	return n, err
}

func (r *spoolReader) Close() error { return nil }
