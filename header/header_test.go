package header

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moriyoshi/mimekit/mimeerr"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		input    string
		expected Header
		err      error
	}{
		{
			name:     "plain",
			input:    "Subject: hello",
			expected: Header{Name: "Subject", Value: "hello"},
		},
		{
			name:     "q word",
			input:    "Subject: =?UTF-8?Q?caf=C3=A9?=",
			expected: Header{Name: "Subject", Value: "café"},
		},
		{
			name:     "b word",
			input:    "Subject: =?UTF-8?B?Y2Fmw6k=?=",
			expected: Header{Name: "Subject", Value: "café"},
		},
		{
			name:     "split run",
			input:    "Subject: =?iso-8859-1?Q?We=5Fneed_to_test-some-things=5Flike=5Fth=FCs=5Fto_find=2E?=\r\n=?iso-8859-1?Q?errors_?=",
			expected: Header{Name: "Subject", Value: "We_need to test-some-things_like_thüs_to find.errors "},
		},
		{
			name:     "multibyte split across words",
			input:    "Subject: =?UTF-8?Q?caf=C3?= =?UTF-8?Q?=A9?=",
			expected: Header{Name: "Subject", Value: "café"},
		},
		{
			name:     "text around words keeps its spaces",
			input:    "Subject: Re: =?UTF-8?Q?caf=C3=A9?= time",
			expected: Header{Name: "Subject", Value: "Re: café time"},
		},
		{
			name:  "comments",
			input: `Content-Type: multipart/mixed; boundary="a;b"; charset=utf-8`,
			expected: Header{
				Name:     "Content-Type",
				Value:    "multipart/mixed",
				Comments: []string{`boundary="a;b"`, "charset=utf-8"},
			},
		},
		{
			name:  "rfc2231",
			input: "Content-Disposition: attachment; fileName*=UTF-8''t%C3%A9st.pdf",
			expected: Header{
				Name:     "Content-Disposition",
				Value:    "attachment",
				Comments: []string{`fileName="tést.pdf"`},
			},
		},
		{
			name:  "rfc2231 continuations",
			input: "Content-Disposition: attachment; filename*0*=UTF-8''caf%C3; filename*1*=%A9; filename*2=.txt; size=3",
			expected: Header{
				Name:     "Content-Disposition",
				Value:    "attachment",
				Comments: []string{`filename="café.txt"`, "size=3"},
			},
		},
		{
			name:  "wrong charset",
			input: "Subject: =?UTF-8?Q?We=5Fneed_to_test-some-things=5Flike=5Fth=FCs?=",
			err:   mimeerr.ErrUnknownEncoding,
		},
		{
			name:  "unknown word encoding",
			input: "Subject: =?UTF-8?X?abc?=",
			err:   mimeerr.ErrUnknownEncoding,
		},
		{
			name:  "no colon",
			input: "Subject",
			err:   mimeerr.ErrMalformedHeader,
		},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			h, err := Parse(c.input)
			if c.err != nil {
				assert.ErrorIs(t, err, c.err)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, c.expected, h)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		header   Header
		fold     bool
		encoding Encoding
		expected string
	}{
		{
			name:     "ascii untouched",
			header:   New("Subject", "hello world"),
			fold:     true,
			encoding: EncodingRFC2047,
			expected: "Subject: hello world",
		},
		{
			name:     "q word",
			header:   New("Subject", "We_need to test-some-things_like_thüs_to find.errors "),
			fold:     true,
			encoding: EncodingRFC2047,
			expected: "Subject: =?UTF-8?Q?We=5Fneed_to_test-some-things=5Flike=5Fth=C3=BCs=5Fto_find=2Eer?=\r\n =?UTF-8?Q?rors_?=",
		},
		{
			name:     "b word",
			header:   New("Subject", "日本語"),
			fold:     true,
			encoding: EncodingRFC2047,
			expected: "Subject: =?UTF-8?B?5pel5pys6Kqe?=",
		},
		{
			name:     "folded comments",
			header:   New("Content-Type", "multipart/mixed", `boundary="xyz"`, "charset=utf-8"),
			fold:     true,
			encoding: EncodingRFC2047,
			expected: "Content-Type: multipart/mixed;\r\n\tboundary=\"xyz\";\r\n\tcharset=utf-8",
		},
		{
			name:     "unfolded comments",
			header:   New("Content-Type", "text/plain", "charset=utf-8"),
			fold:     false,
			encoding: EncodingNone,
			expected: "Content-Type: text/plain; charset=utf-8",
		},
		{
			name:     "rfc2231",
			header:   New("Content-Disposition", "attachment", `fileName="tést.pdf"`),
			fold:     false,
			encoding: EncodingRFC2231,
			expected: "Content-Disposition: attachment; fileName*=UTF-8''t%C3%A9st.pdf",
		},
		{
			name:     "rfc2231 space",
			header:   New("Content-Disposition", "attachment", `filename="à b.txt"`),
			fold:     false,
			encoding: EncodingRFC2231,
			expected: "Content-Disposition: attachment; filename*=UTF-8''%C3%A0%20b.txt",
		},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			s, err := c.header.Render(c.fold, c.encoding)
			if assert.NoError(t, err) {
				assert.Equal(t, c.expected, s)
			}
		})
	}
}

func TestHeaderFidelity(t *testing.T) {
	t.Parallel()

	headers := []Header{
		New("Subject", "café"),
		New("Subject", "plain ascii subject"),
		New("Subject", "Grüße aus Köln"),
		New("Subject", "日本語のメール"),
		New("Content-Disposition", "attachment", `filename="résumé.pdf"`),
		New("X-Mixed", "naïve", "key=valüe", "plain"),
	}

	for i, h := range headers {
		for _, enc := range []Encoding{EncodingRFC2047, EncodingRFC2231} {
			for _, fold := range []bool{true, false} {
				t.Run(fmt.Sprintf("#%d: %s %s fold=%v", i, h.Value, enc, fold), func(t *testing.T) {
					t.Parallel()
					s, err := h.Render(fold, enc)
					if !assert.NoError(t, err) {
						t.FailNow()
					}
					p, err := Parse(s)
					if !assert.NoError(t, err) {
						t.FailNow()
					}
					if enc == EncodingRFC2231 {
						// extended values come back quoted
						for j, c := range p.Comments {
							assert.Equal(t, unquoteParam(h.Comments[j]), unquoteParam(c))
						}
						assert.Equal(t, h.Value, p.Value)
					} else {
						assert.True(t, h.Equal(p), "%#v != %#v", h, p)
					}
				})
			}
		}
	}
}

func unquoteParam(s string) string {
	m := map[string]string{}
	putParam(m, s, false)
	for k, v := range m {
		return k + "=" + v
	}
	return ""
}

func TestEncodeWordCharset(t *testing.T) {
	t.Parallel()
	s, err := EncodeWord("café", "ISO-8859-1")
	if assert.NoError(t, err) {
		assert.Equal(t, "=?ISO-8859-1?Q?caf=E9?=", s)
	}
	d, err := DecodeWords(s)
	if assert.NoError(t, err) {
		assert.Equal(t, "café", d)
	}
	_, err = EncodeWord("café", "x-no-such-charset")
	assert.ErrorIs(t, err, mimeerr.ErrUnknownEncoding)
}

func TestEncodeWordSplitting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		value   string
		charset string
	}{
		{"q words", strings.Repeat("Grüße aus Köln, ", 8), "UTF-8"},
		{"b words", strings.Repeat("日本語のメール", 10), "UTF-8"},
		{"latin1", strings.Repeat("façade élégante ", 8), "ISO-8859-1"},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			s, err := EncodeWord(c.value, c.charset)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			words := strings.Split(s, " ")
			assert.Greater(t, len(words), 1)
			for _, w := range words {
				assert.LessOrEqual(t, len(w), maxWordLength)
				assert.True(t, strings.HasPrefix(w, "=?"+c.charset+"?"))
				assert.True(t, strings.HasSuffix(w, "?="))
			}
			d, err := DecodeWords(s)
			if assert.NoError(t, err) {
				assert.Equal(t, c.value, d)
			}

			h := New("Subject", c.value)
			rendered, err := h.RenderCharset(true, EncodingRFC2047, c.charset)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			for _, line := range strings.Split(rendered, "\r\n")[1:] {
				assert.True(t, strings.HasPrefix(line, " =?"))
			}
			l, err := ReadBlock(bufio.NewReader(strings.NewReader(rendered+"\r\n\r\n")), true)
			if assert.NoError(t, err) && assert.Len(t, l, 1) {
				assert.Equal(t, c.value, l[0].Value)
			}
		})
	}
}
