package bufio

import "io"

// LimitedReader reads at most N bytes and reports whether the underlying
// stream ended early.
type LimitedReader struct {
	R         Reader
	N         int64
	Truncated bool
}

func (l *LimitedReader) ReadByte() (byte, error) {
	if l.N <= 0 {
		return 0, io.EOF
	}
	c, err := l.R.ReadByte()
	if err != nil {
		if err == io.EOF {
			l.Truncated = true
		}
		return 0, err
	}
	l.N--
	return c, nil
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.N <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.N {
		p = p[:l.N]
	}
	n, err := l.R.Read(p)
	l.N -= int64(n)
	if err == io.EOF && l.N > 0 {
		l.Truncated = true
	}
	return n, err
}
