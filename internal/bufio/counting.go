package bufio

// CountingReader tracks how many bytes have been consumed through it.
type CountingReader struct {
	r Reader
	n int64
}

func NewCountingReader(r Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *CountingReader) Count() int64 {
	return c.n
}
