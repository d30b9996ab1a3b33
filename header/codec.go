package header

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/moriyoshi/mimekit/mimeerr"
)

const upperhex = "0123456789ABCDEF"

// matchRate is the share of runes in s that can be written without
// encoding.
func matchRate(s string) float64 {
	if s == "" {
		return 1
	}
	total, matched := 0, 0
	for _, r := range s {
		total++
		if r >= 32 && r < 127 {
			matched++
		}
	}
	return float64(matched) / float64(total)
}

func isUTF8(cs string) bool {
	return strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "utf8")
}

func toCharset(s, cs string) ([]byte, error) {
	if isUTF8(cs) {
		return []byte(s), nil
	}
	e, err := ianaindex.MIME.Encoding(cs)
	if err != nil || e == nil {
		return nil, fmt.Errorf("charset %q: %w", cs, mimeerr.ErrUnknownEncoding)
	}
	b, err := e.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode into %s: %w", cs, err)
	}
	return []byte(b), nil
}

func fromCharset(b []byte, cs string) (string, error) {
	if isUTF8(cs) || strings.EqualFold(cs, "us-ascii") {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("invalid %s sequence: %w", cs, mimeerr.ErrUnknownEncoding)
		}
		return string(b), nil
	}
	r, err := charset.NewReaderLabel(cs, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("charset %q: %w", cs, mimeerr.ErrUnknownEncoding)
	}
	d, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(d), nil
}

// maxWordLength is the longest encoded word RFC 2047 allows.
const maxWordLength = 75

// EncodeWord returns s unchanged when every rune is printable ASCII,
// otherwise RFC 2047 encoded words: Q when more than half the runes are
// printable, B otherwise. Values whose encoding would exceed 75 characters
// are split between runes into several words separated by a space.
func EncodeWord(s, cs string) (string, error) {
	rate := matchRate(s)
	if rate == 1 {
		return s, nil
	}
	q := rate > 0.5
	var words []string
	var last string
	start := 0
	for i := 0; i < len(s); {
		_, n := utf8.DecodeRuneInString(s[i:])
		w, err := encodeWord(s[start:i+n], cs, q)
		if err != nil {
			return "", err
		}
		if len(w) > maxWordLength && last != "" {
			words = append(words, last)
			start, last = i, ""
			continue
		}
		last = w
		i += n
	}
	return strings.Join(append(words, last), " "), nil
}

func encodeWord(s, cs string, q bool) (string, error) {
	b, err := toCharset(s, cs)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("=?")
	sb.WriteString(cs)
	if q {
		sb.WriteString("?Q?")
		for _, c := range b {
			switch {
			case c == ' ':
				sb.WriteByte('_')
			case isQSafe(c):
				sb.WriteByte(c)
			default:
				sb.WriteByte('=')
				sb.WriteByte(upperhex[c>>4])
				sb.WriteByte(upperhex[c&0x0f])
			}
		}
	} else {
		sb.WriteString("?B?")
		sb.WriteString(base64.StdEncoding.EncodeToString(b))
	}
	sb.WriteString("?=")
	return sb.String(), nil
}

func isQSafe(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '!' || c == '*' || c == '+' || c == '/'
}

// EncodeExtended renders v as an RFC 2231 extended value without the
// language tag, e.g. UTF-8''t%C3%A9st.pdf.
func EncodeExtended(v, cs string) (string, error) {
	b, err := toCharset(v, cs)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(cs)
	sb.WriteString("''")
	for _, c := range b {
		if isAttrChar(c) {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&0x0f])
		}
	}
	return sb.String(), nil
}

func isAttrChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

var wordRe = regexp.MustCompile(`=\?([^?\s]+)\?([^?\s]+)\?([^?\s]*)\?=`)

// DecodeWords decodes every RFC 2047 encoded word in s. Linear whitespace
// between two adjacent encoded words is dropped and the raw bytes of
// adjacent words sharing a charset are joined before charset conversion, so
// a multi-byte sequence split across words survives.
func DecodeWords(s string) (string, error) {
	matches := wordRe.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}
	var sb strings.Builder
	var pending []byte
	var pendingCharset string
	havePending := false
	flush := func() error {
		if !havePending {
			return nil
		}
		d, err := fromCharset(pending, pendingCharset)
		if err != nil {
			return err
		}
		sb.WriteString(d)
		pending = pending[:0]
		havePending = false
		return nil
	}
	last := 0
	for _, m := range matches {
		gap := s[last:m[0]]
		if !havePending || strings.TrimLeft(gap, " \t\r\n") != "" {
			if err := flush(); err != nil {
				return "", err
			}
			sb.WriteString(gap)
		}
		cs := s[m[2]:m[3]]
		if i := strings.IndexByte(cs, '*'); i >= 0 {
			cs = cs[:i]
		}
		raw, err := decodeWordText(s[m[4]:m[5]], s[m[6]:m[7]])
		if err != nil {
			return "", err
		}
		if havePending && !strings.EqualFold(cs, pendingCharset) {
			if err := flush(); err != nil {
				return "", err
			}
		}
		pendingCharset = cs
		pending = append(pending, raw...)
		havePending = true
		last = m[1]
	}
	if err := flush(); err != nil {
		return "", err
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func decodeWordText(enc, text string) ([]byte, error) {
	switch enc {
	case "B", "b":
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
			if err != nil {
				return nil, fmt.Errorf("malformed B word: %w", err)
			}
		}
		return b, nil
	case "Q", "q":
		b := make([]byte, 0, len(text))
		for i := 0; i < len(text); i++ {
			switch c := text[i]; c {
			case '_':
				b = append(b, ' ')
			case '=':
				if i+2 >= len(text) {
					return nil, fmt.Errorf("truncated escape in Q word %q", text)
				}
				v, err := strconv.ParseUint(text[i+1:i+3], 16, 8)
				if err != nil {
					return nil, fmt.Errorf("malformed escape in Q word %q", text)
				}
				b = append(b, byte(v))
				i += 2
			default:
				b = append(b, c)
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("word encoding %q: %w", enc, mimeerr.ErrUnknownEncoding)
}

type extendedSection struct {
	index   int
	encoded bool
	value   string
}

type extendedParam struct {
	name     string
	slot     int
	sections []extendedSection
}

// decodeExtendedParams folds RFC 2231 parameters (name*=, name*0=,
// name*0*=, ...) in comments into plain name="value" comments.
func decodeExtendedParams(comments []string) ([]string, error) {
	var params map[string]*extendedParam
	out := make([]string, 0, len(comments))
	for _, c := range comments {
		k, v, ok := strings.Cut(c, "=")
		k = strings.TrimSpace(k)
		star := strings.IndexByte(k, '*')
		if !ok || star <= 0 {
			out = append(out, c)
			continue
		}
		name, rest := k[:star], k[star+1:]
		sec := extendedSection{value: strings.TrimSpace(v)}
		switch {
		case rest == "":
			sec.encoded = true
		default:
			if strings.HasSuffix(rest, "*") {
				sec.encoded = true
				rest = rest[:len(rest)-1]
			}
			n, err := strconv.Atoi(rest)
			if err != nil {
				out = append(out, c)
				continue
			}
			sec.index = n
		}
		if params == nil {
			params = make(map[string]*extendedParam)
		}
		key := strings.ToLower(name)
		p := params[key]
		if p == nil {
			p = &extendedParam{name: name, slot: len(out)}
			params[key] = p
			out = append(out, "")
		}
		p.sections = append(p.sections, sec)
	}
	for _, p := range params {
		v, err := p.decode()
		if err != nil {
			return nil, err
		}
		out[p.slot] = p.name + "=" + quote(v)
	}
	return out, nil
}

func (p *extendedParam) decode() (string, error) {
	sort.SliceStable(p.sections, func(i, j int) bool { return p.sections[i].index < p.sections[j].index })
	cs := "us-ascii"
	var raw []byte
	for i, sec := range p.sections {
		v := sec.value
		if !sec.encoded {
			raw = append(raw, unquote(v)...)
			continue
		}
		if i == 0 {
			parts := strings.SplitN(v, "'", 3)
			if len(parts) != 3 {
				return "", fmt.Errorf("malformed extended parameter %s: %w", p.name, mimeerr.ErrMalformedHeader)
			}
			if parts[0] != "" {
				cs = parts[0]
			}
			v = parts[2]
		}
		for j := 0; j < len(v); j++ {
			if v[j] == '%' && j+2 < len(v) {
				n, err := strconv.ParseUint(v[j+1:j+3], 16, 8)
				if err == nil {
					raw = append(raw, byte(n))
					j += 2
					continue
				}
			}
			raw = append(raw, v[j])
		}
	}
	return fromCharset(raw, cs)
}
