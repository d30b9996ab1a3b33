package parser

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moriyoshi/mimekit/chunked"
	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
)

func content(t *testing.T, p part.Part) string {
	rc, err := p.Open()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return string(b)
}

func newParser(t *testing.T, options ...OptionFunc) *Parser {
	p, err := New(options...)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return p
}

const mixed = "Content-Type: multipart/mixed; boundary=xyz\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"first\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"second\r\n" +
	"--xyz--\r\n"

func TestParseMultipart(t *testing.T) {
	t.Parallel()

	root, err := newParser(t).ParseBytes([]byte(mixed))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, part.KindMulti, root.Kind())
	assert.Equal(t, "multipart/mixed", root.ContentType())
	children := root.Children()
	if !assert.Len(t, children, 2) {
		t.FailNow()
	}
	assert.Equal(t, "part0", children[0].Name())
	assert.Equal(t, "part1", children[1].Name())
	assert.Equal(t, "first", content(t, children[0]))
	assert.Equal(t, "second", content(t, children[1]))

	off, ok := children[0].AbsoluteOffset()
	assert.True(t, ok)
	assert.Equal(t, int64(strings.Index(mixed, "Content-Type: text/plain")), off)

	pos, _ := root.Position()
	assert.Equal(t, int64(len(mixed)), pos.Size)
	assert.False(t, root.Modifiable())
	assert.True(t, root.Reopenable())
}

const nested = "Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"preamble text\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<b>html</b>\r\n" +
	"--inner--\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"Content-Disposition: attachment; filename=\"data.bin\"\r\n" +
	"\r\n" +
	"AAECAw==\r\n" +
	"--outer--\r\n"

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	for i, spool := range []bool{false, true} {
		t.Run(fmt.Sprintf("#%d: spool=%t", i, spool), func(t *testing.T) {
			p := newParser(t)
			var root part.Part
			var err error
			if spool {
				root, err = p.ParseReader(strings.NewReader(nested))
			} else {
				root, err = p.ParseBytes([]byte(nested))
			}
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			children := root.Children()
			if !assert.Len(t, children, 3) {
				t.FailNow()
			}
			assert.Equal(t, "preamble text", content(t, children[0]))
			assert.Equal(t, "text/plain", children[0].ContentType())

			alt := children[1]
			assert.Equal(t, part.KindMulti, alt.Kind())
			if assert.Equal(t, 2, alt.ChildCount()) {
				assert.Equal(t, "plain", content(t, alt.Children()[0]))
				assert.Equal(t, "<b>html</b>", content(t, alt.Children()[1]))
				assert.Equal(t, "1.1", alt.Children()[1].Path())
			}

			att, ok := root.Child("data.bin")
			if assert.True(t, ok) {
				assert.Equal(t, []byte{0, 1, 2, 3}, []byte(content(t, att)))
			}
		})
	}
}

func TestParseChunked(t *testing.T) {
	t.Parallel()

	p := newParser(t)
	root, err := p.ParseBytes([]byte("Transfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Checksum: 1\r\n\r\n"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "Wikipedia", content(t, root))
	h, ok := root.Header("X-Checksum")
	if assert.True(t, ok) {
		assert.Equal(t, "1", h.Value)
	}
}

func TestParseChunkedMultipart(t *testing.T) {
	t.Parallel()

	body := "--b\r\nContent-Type: text/plain\r\n\r\nhello chunked world\r\n--b--\r\n"
	buf := &bytes.Buffer{}
	buf.WriteString("Content-Type: multipart/mixed; boundary=b\r\nTransfer-Encoding: chunked\r\n\r\n")
	cw := chunked.NewWriter(buf, 7)
	_, err := io.WriteString(cw, body)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if !assert.NoError(t, cw.Close()) {
		t.FailNow()
	}
	msg := buf.String()

	root, err := newParser(t).ParseBytes([]byte(msg))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	pos, _ := root.Position()
	assert.Equal(t, int64(len(msg)), pos.Size)
	if !assert.Equal(t, 1, root.ChildCount()) {
		t.FailNow()
	}
	child := root.Children()[0]
	_, ok := child.AbsoluteOffset()
	assert.False(t, ok)
	assert.Equal(t, "hello chunked world", content(t, child))
}

func TestParseForm(t *testing.T) {
	t.Parallel()

	p := newParser(t)
	root, err := p.ParseBytes([]byte("Content-Type: application/x-www-form-urlencoded\r\nContent-Length: 9\r\n\r\na=1&b=two"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	values, ok := FormValues(root)
	assert.True(t, ok)
	assert.Equal(t, url.Values{"a": {"1"}, "b": {"two"}}, values)

	root, err = p.ParseWithHeaders(part.BytesResource("x=%20y"), header.List{
		header.New("Content-Type", "application/www-form-urlencoded"),
		header.New("Content-Length", "6"),
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	values, _ = FormValues(root)
	assert.Equal(t, " y", values.Get("x"))
}

func TestUnknownLength(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		input    string
		options  []OptionFunc
		expected string
		err      error
	}{
		{
			name:  "rejected by default",
			input: "Content-Type: text/plain\r\n\r\nbody",
			err:   mimeerr.ErrUnknownLength,
		},
		{
			name:     "read all",
			input:    "Content-Type: text/plain\r\n\r\nbody\r\n",
			options:  []OptionFunc{WithUnknownLength(UnknownLengthReadAll)},
			expected: "body",
		},
		{
			name:     "empty",
			input:    "Content-Type: text/plain\r\n\r\nbody",
			options:  []OptionFunc{WithUnknownLength(UnknownLengthEmpty)},
			expected: "",
		},
		{
			name:     "closed connection",
			input:    "Connection: close\r\n\r\nbody",
			options:  []OptionFunc{WithClosedConnectionBodies(true)},
			expected: "body",
		},
		{
			name:     "content length is authoritative",
			input:    "Content-Length: 6\r\n\r\nbody  and more",
			expected: "body  ",
		},
		{
			name:  "content length truncated",
			input: "Content-Length: 10\r\n\r\nabc",
			err:   io.ErrUnexpectedEOF,
		},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			root, err := newParser(t, c.options...).ParseBytes([]byte(c.input))
			if c.err != nil {
				assert.ErrorIs(t, err, c.err)
				var pe *mimeerr.ParseError
				assert.ErrorAs(t, err, &pe)
				return
			}
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, c.expected, content(t, root))
		})
	}
}

func TestContentLengthInChild(t *testing.T) {
	t.Parallel()

	msg := "Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
		"--b\r\nContent-Length: 7\r\n\r\nbinary \r\n" +
		"--b\r\n\r\ntrimmed \r\n" +
		"--b--\r\n"
	root, err := newParser(t).ParseBytes([]byte(msg))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if assert.Equal(t, 2, root.ChildCount()) {
		assert.Equal(t, "binary ", content(t, root.Children()[0]))
		assert.Equal(t, "trimmed", content(t, root.Children()[1]))
	}
}

func TestBoundaryErrors(t *testing.T) {
	t.Parallel()

	const head = "Content-Type: multipart/mixed; boundary=b\r\n\r\n--b\r\n\r\nx\r\n"
	cases := []struct {
		name    string
		input   string
		options []OptionFunc
		err     error
	}{
		{
			name:  "three dashes",
			input: head + "--b---\r\n",
			err:   mimeerr.ErrMalformedBoundary,
		},
		{
			name:  "trailing garbage on boundary line",
			input: head + "--b--x\r\n",
			err:   mimeerr.ErrMalformedBoundary,
		},
		{
			name:  "epilogue rejected",
			input: head + "--b--\r\nepilogue\r\n",
			err:   mimeerr.ErrBetweenBoundaries,
		},
		{
			name:    "epilogue tolerated",
			input:   head + "--b--\r\nepilogue\r\n",
			options: []OptionFunc{WithTolerantBoundaries(true)},
		},
		{
			name:    "epilogue left unread",
			input:   head + "--b--\r\nepilogue\r\n",
			options: []OptionFunc{WithBoundaryCleanup(false)},
		},
		{
			name:  "whitespace epilogue",
			input: head + "--b--\r\n \t\r\n\r\n",
		},
		{
			name:  "missing closing boundary",
			input: head,
		},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			root, err := newParser(t, c.options...).ParseBytes([]byte(c.input))
			if c.err != nil {
				assert.ErrorIs(t, err, c.err)
				return
			}
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			if assert.Equal(t, 1, root.ChildCount()) {
				assert.Equal(t, "x", content(t, root.Children()[0]))
			}
		})
	}
}

func TestExpectContinue(t *testing.T) {
	t.Parallel()

	input := "Expect: 100-continue\r\nContent-Length: 4\r\n\r\nbody"
	declined := 0
	p := newParser(t, WithContinuePolicy(ContinuePolicyFunc(func(h header.List) bool {
		declined++
		return false
	})))
	root, err := p.ParseBytes([]byte(input))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, 1, declined)
	pos, _ := root.Position()
	assert.Equal(t, pos.BodyOffset, pos.Size)
	assert.Equal(t, "", content(t, root))

	root, err = newParser(t).ParseBytes([]byte(input))
	if assert.NoError(t, err) {
		assert.Equal(t, "body", content(t, root))
	}

	_, err = newParser(t).ParseBytes([]byte("Content-Type: multipart/mixed; boundary=b\r\n\r\n--b\r\nExpect: 100-continue\r\n\r\nx\r\n--b--\r\n"))
	assert.ErrorIs(t, err, mimeerr.ErrUnexpectedContinue)
}

func TestCustomHandler(t *testing.T) {
	t.Parallel()

	seen := []string{}
	h := NewHandler(part.KindContent, func(p *Parser, pt part.Part) error {
		seen = append(seen, pt.Path())
		pt.SetExtension(len(seen))
		return nil
	})
	p := newParser(t, WithHandler("Text/Plain", h))
	root, err := p.ParseBytes([]byte(mixed))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, []string{"0", "1"}, seen)
	assert.Equal(t, 2, root.Children()[1].Extension())
	assert.Equal(t, MultipartHandler, p.Handler("multipart/related"))
	assert.Equal(t, ContentHandler, p.Handler("image/png"))
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	_, err := New(WithTrimSize(-1))
	assert.Error(t, err)
	_, err = New(WithMaxChunkSize(0))
	assert.Error(t, err)
	_, err = New(WithTranscoder(nil))
	assert.Error(t, err)

	p := newParser(t, WithMaxChunkSize(4))
	_, err = p.ParseBytes([]byte("Transfer-Encoding: chunked\r\n\r\n5\r\npedia\r\n0\r\n\r\n"))
	assert.ErrorIs(t, err, mimeerr.ErrChunkTooLarge)

	policy, err := ParseUnknownLengthPolicy("read-all")
	assert.NoError(t, err)
	assert.Equal(t, UnknownLengthReadAll, policy)
	_, err = ParseUnknownLengthPolicy("sometimes")
	assert.Error(t, err)
}

func TestParseErrorOffset(t *testing.T) {
	t.Parallel()

	const bad = "--i---\r\n"
	cases := []struct {
		name  string
		input string
	}{
		{
			name: "depth 1",
			input: "Content-Type: multipart/mixed; boundary=i\r\n\r\n" +
				"--i\r\n\r\nx\r\n" + bad,
		},
		{
			name: "depth 3",
			input: "Content-Type: multipart/mixed; boundary=o\r\n\r\n--o\r\n" +
				"Content-Type: multipart/mixed; boundary=m\r\n\r\n--m\r\n" +
				"Content-Type: multipart/mixed; boundary=i\r\n\r\n" +
				"--i\r\n\r\nx\r\n" + bad +
				"--m--\r\n--o--\r\n",
		},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			_, err := newParser(t).ParseBytes([]byte(c.input))
			var pe *mimeerr.ParseError
			if !assert.ErrorAs(t, err, &pe) {
				t.FailNow()
			}
			assert.ErrorIs(t, err, mimeerr.ErrMalformedBoundary)
			at := int64(strings.Index(c.input, bad))
			assert.GreaterOrEqual(t, pe.Offset, at+3)
			assert.LessOrEqual(t, pe.Offset, at+int64(len(bad)))
		})
	}
}
