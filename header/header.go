// Package header implements the MIME header model: a name, a value and an
// ordered list of semicolon-delimited comments, together with RFC 2047 and
// RFC 2231 encoding on render and decoding on parse.
package header

import (
	"strings"

	"github.com/moriyoshi/mimekit/mimeerr"
)

type Header struct {
	Name     string
	Value    string
	Comments []string
}

func New(name, value string, comments ...string) Header {
	return Header{Name: name, Value: value, Comments: comments}
}

// Encoding selects how non-ASCII segments are escaped on render.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingRFC2047
	EncodingRFC2231
)

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingRFC2047:
		return "rfc2047"
	case EncodingRFC2231:
		return "rfc2231"
	}
	return "unknown"
}

func ParseEncoding(s string) (Encoding, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return EncodingNone, true
	case "rfc2047":
		return EncodingRFC2047, true
	case "rfc2231":
		return EncodingRFC2231, true
	}
	return EncodingNone, false
}

// Is reports whether h carries the given name, compared case-insensitively.
func (h Header) Is(name string) bool {
	return strings.EqualFold(h.Name, name)
}

func (h Header) Clone() Header {
	if h.Comments != nil {
		h.Comments = append([]string(nil), h.Comments...)
	}
	return h
}

func (h Header) Equal(o Header) bool {
	if !h.Is(o.Name) || h.Value != o.Value || len(h.Comments) != len(o.Comments) {
		return false
	}
	for i := range h.Comments {
		if h.Comments[i] != o.Comments[i] {
			return false
		}
	}
	return true
}

// Parse parses a single unfolded header line.
func Parse(line string) (Header, error) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return Header{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "no colon in %q", line)
	}
	name := strings.TrimSpace(line[:i])
	if name == "" {
		return Header{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "empty header name in %q", line)
	}
	segments := splitSegments(line[i+1:])
	values := make([]string, 0, len(segments))
	for j, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" && j > 0 {
			continue
		}
		decoded, err := DecodeWords(seg)
		if err != nil {
			return Header{}, mimeerr.NewParseError(-1, err, "header %s", name)
		}
		values = append(values, decoded)
	}
	h := Header{Name: name, Value: values[0]}
	if len(values) > 1 {
		comments, err := decodeExtendedParams(values[1:])
		if err != nil {
			return Header{}, mimeerr.NewParseError(-1, err, "header %s", name)
		}
		h.Comments = comments
	}
	return h, nil
}

// splitSegments splits s on semicolons that are not inside a quoted string.
func splitSegments(s string) []string {
	var segments []string
	quoted := false
	escaped := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ';' && !quoted:
			segments = append(segments, s[start:i])
			start = i + 1
		}
	}
	return append(segments, s[start:])
}

// Render returns "Name: value" followed by the comments, using UTF-8 for
// any encoded words.
func (h Header) Render(fold bool, enc Encoding) (string, error) {
	return h.RenderCharset(fold, enc, "UTF-8")
}

func (h Header) RenderCharset(fold bool, enc Encoding, charset string) (string, error) {
	var sb strings.Builder
	sb.WriteString(h.Name)
	sb.WriteString(": ")
	v, err := encodeSegment(h.Value, enc, charset, true)
	if err != nil {
		return "", err
	}
	if fold && strings.HasPrefix(v, "=?") {
		// encoded words never contain spaces, only the gaps between them do
		v = strings.ReplaceAll(v, "?= =?", "?=\r\n =?")
	}
	sb.WriteString(v)
	for _, c := range h.Comments {
		sb.WriteByte(';')
		if fold {
			sb.WriteString("\r\n\t")
		} else {
			sb.WriteByte(' ')
		}
		ec, err := encodeSegment(c, enc, charset, false)
		if err != nil {
			return "", err
		}
		sb.WriteString(ec)
	}
	return sb.String(), nil
}

func (h Header) String() string {
	s, err := h.Render(true, EncodingRFC2047)
	if err != nil {
		s, _ = h.Render(true, EncodingNone)
	}
	return s
}

func encodeSegment(s string, enc Encoding, charset string, isValue bool) (string, error) {
	switch enc {
	case EncodingRFC2047:
		return EncodeWord(s, charset)
	case EncodingRFC2231:
		if isValue || matchRate(s) == 1 {
			return EncodeWord(s, charset)
		}
		k, v, ok := strings.Cut(s, "=")
		if ok && matchRate(k) == 1 {
			ev, err := EncodeExtended(unquote(strings.TrimSpace(v)), charset)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(k) + "*=" + ev, nil
		}
		return EncodeWord(s, charset)
	}
	return s, nil
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func quote(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return `"` + s + `"`
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}
