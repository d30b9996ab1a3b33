package transcode

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moriyoshi/mimekit/mimeerr"
)

func sampleInputs() [][]byte {
	rnd := rand.New(rand.NewSource(42))
	bin := make([]byte, 5000)
	rnd.Read(bin)
	return [][]byte{
		nil,
		[]byte("hello"),
		[]byte("line one\r\nline two\nwith trailing whitespace  \r\n"),
		[]byte(strings.Repeat("café ", 200)),
		bin,
	}
}

func encodeAll(t *testing.T, r *Registry, input []byte, te, cte, ce string) []byte {
	buf := &bytes.Buffer{}
	w, err := r.Encoder(buf, te, cte, ce)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	_, err = w.Write(input)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if !assert.NoError(t, w.Close()) {
		t.FailNow()
	}
	return buf.Bytes()
}

func TestRoundtrip(t *testing.T) {
	t.Parallel()

	combos := []struct{ te, cte, ce string }{
		{"", "", ""},
		{"", "base64", ""},
		{"", "quoted-printable", ""},
		{"", "7bit", ""},
		{"", "", "gzip"},
		{"", "", "deflate"},
		{"chunked", "", ""},
		{"", "base64", "gzip"},
		{"chunked", "quoted-printable", "deflate"},
		{"chunked", "base64", "gzip"},
		{"", "binary", "x-custom"},
	}

	for i, c := range combos {
		for j, input := range sampleInputs() {
			t.Run(fmt.Sprintf("#%d/%d: te=%q cte=%q ce=%q", i, j, c.te, c.cte, c.ce), func(t *testing.T) {
				t.Parallel()
				r := New()
				r.ChunkSize = 100
				encoded := encodeAll(t, r, input, c.te, c.cte, c.ce)

				rd, err := r.Decoder(bytes.NewReader(encoded), c.te, c.cte, c.ce)
				if !assert.NoError(t, err) {
					t.FailNow()
				}
				decoded, err := io.ReadAll(rd)
				if assert.NoError(t, err) {
					assert.True(t, bytes.Equal(input, decoded))
				}

				pulled, err := r.EncoderReader(bytes.NewReader(input), c.te, c.cte, c.ce)
				if !assert.NoError(t, err) {
					t.FailNow()
				}
				pb, err := io.ReadAll(pulled)
				if assert.NoError(t, err) {
					assert.Equal(t, string(encoded), string(pb))
				}
			})
		}
	}
}

func TestBase64LineLength(t *testing.T) {
	t.Parallel()
	encoded := encodeAll(t, New(), bytes.Repeat([]byte{0xff}, 1000), "", "base64", "")
	lines := strings.Split(string(encoded), "\r\n")
	assert.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 76)
	}
}

func TestUnknownTokens(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.EncodeTransferWriter("x-uuencode", &bytes.Buffer{})
	assert.ErrorIs(t, err, mimeerr.ErrUnknownEncoding)
	_, err = r.DecodeTransferReader("x-uuencode", strings.NewReader(""))
	assert.ErrorIs(t, err, mimeerr.ErrUnknownEncoding)
	_, err = r.DecodeTransferWriter("x-uuencode", &bytes.Buffer{})
	assert.ErrorIs(t, err, mimeerr.ErrUnknownEncoding)

	rd, err := r.DecodeContentReader("br-custom", strings.NewReader("as is"))
	if assert.NoError(t, err) {
		b, _ := io.ReadAll(rd)
		assert.Equal(t, "as is", string(b))
	}
}

func TestDecodeWriters(t *testing.T) {
	t.Parallel()
	r := New()
	input := []byte(strings.Repeat("writer side decoding ", 50))

	for _, token := range []string{"base64", "quoted-printable"} {
		encoded := encodeAll(t, r, input, "", token, "")
		buf := &bytes.Buffer{}
		w, err := r.DecodeTransferWriter(token, buf)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		_, err = w.Write(encoded)
		assert.NoError(t, err)
		assert.NoError(t, w.Close())
		assert.Equal(t, input, buf.Bytes(), token)
	}
	for _, token := range []string{"gzip", "deflate", "chunked"} {
		encoded := encodeAll(t, r, input, "", "", token)
		buf := &bytes.Buffer{}
		w, err := r.DecodeContentWriter(token, buf)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		_, err = w.Write(encoded)
		assert.NoError(t, err)
		assert.NoError(t, w.Close())
		assert.Equal(t, input, buf.Bytes(), token)
	}
}

func TestChunkEnding(t *testing.T) {
	t.Parallel()
	r := *New()
	r.ChunkEnding = false
	encoded := encodeAll(t, &r, []byte("abc"), "chunked", "", "")
	assert.Equal(t, "3\r\nabc\r\n0", string(encoded))
}

type stallingReader struct {
	r     io.Reader
	calls int
}

func (s *stallingReader) Read(p []byte) (int, error) {
	s.calls++
	if s.calls%2 == 1 {
		return 0, nil
	}
	return s.r.Read(p)
}

func TestEncoderReaderStalls(t *testing.T) {
	t.Parallel()
	r := New()
	rd, err := r.EncoderReader(&stallingReader{r: strings.NewReader("hello")}, "", "base64", "")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	buf := make([]byte, 64)
	n, err := rd.Read(buf)
	assert.Equal(t, 0, n)
	assert.NoError(t, err)
	var out []byte
	for i := 0; i < 10; i++ {
		n, err = rd.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)
	}
	assert.Equal(t, "aGVsbG8=", string(out))
}
