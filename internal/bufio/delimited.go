package bufio

import "io"

// DelimitedReader yields the bytes of the underlying stream up to a
// multipart delimiter, a line starting with "--" followed by the
// boundary. The delimiter is consumed but not yielded, and neither is the
// LF in front of it; a preceding CR is left to the caller. A delimiter
// right at the start of the stream also matches.
type DelimitedReader struct {
	r       Reader
	delim   []byte
	state   int
	virtual bool
	release []byte
	pos     int
	found   bool
	done    bool
	err     error
}

func NewDelimitedReader(r Reader, boundary string) *DelimitedReader {
	delim := make([]byte, 0, len(boundary)+3)
	delim = append(delim, '\n', '-', '-')
	delim = append(delim, boundary...)
	return &DelimitedReader{r: r, delim: delim, state: 1, virtual: true}
}

// Found reports whether the stream ended on the delimiter rather than on
// the end of the underlying stream.
func (d *DelimitedReader) Found() bool {
	return d.found
}

func (d *DelimitedReader) held() []byte {
	if d.virtual {
		return d.delim[1:d.state]
	}
	return d.delim[:d.state]
}

func (d *DelimitedReader) ReadByte() (byte, error) {
	if d.pos < len(d.release) {
		c := d.release[d.pos]
		d.pos++
		return c, nil
	}
	if d.done {
		return 0, d.err
	}
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			d.done = true
			d.err = err
			d.release = append(d.release[:0], d.held()...)
			d.pos = 0
			d.state = 0
			if len(d.release) > 0 {
				return d.ReadByte()
			}
			return 0, err
		}
		if c == d.delim[d.state] {
			d.state++
			if d.state == len(d.delim) {
				d.found = true
				d.done = true
				d.err = io.EOF
				return 0, io.EOF
			}
			continue
		}
		if d.state == 0 {
			return c, nil
		}
		d.release = append(d.release[:0], d.held()...)
		d.pos = 0
		d.virtual = false
		if c == '\n' {
			d.state = 1
		} else {
			d.state = 0
			d.release = append(d.release, c)
		}
		if len(d.release) > 0 {
			return d.ReadByte()
		}
	}
}

func (d *DelimitedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return readBytes(d, p)
}
