package header

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moriyoshi/mimekit/mimeerr"
)

// List is an ordered header set. Lookups are case-insensitive and
// duplicates are kept.
type List []Header

func (l List) Get(name string) (Header, bool) {
	for _, h := range l {
		if h.Is(name) {
			return h, true
		}
	}
	return Header{}, false
}

func (l List) GetAll(name string) []Header {
	var hs []Header
	for _, h := range l {
		if h.Is(name) {
			hs = append(hs, h)
		}
	}
	return hs
}

func (l List) Clone() List {
	if l == nil {
		return nil
	}
	c := make(List, len(l))
	for i, h := range l {
		c[i] = h.Clone()
	}
	return c
}

func (l *List) Add(hs ...Header) {
	*l = append(*l, hs...)
}

// Set replaces the headers carrying each given name, keeping the position
// of the first one, and appends those that are not present yet.
func (l *List) Set(hs ...Header) {
	for _, h := range hs {
		replaced := false
		out := (*l)[:0]
		for _, e := range *l {
			if e.Is(h.Name) {
				if replaced {
					continue
				}
				e = h
				replaced = true
			}
			out = append(out, e)
		}
		if !replaced {
			out = append(out, h)
		}
		*l = out
	}
}

func (l *List) Remove(names ...string) {
	out := (*l)[:0]
outer:
	for _, e := range *l {
		for _, n := range names {
			if e.Is(n) {
				continue outer
			}
		}
		out = append(out, e)
	}
	*l = out
}

// Params returns the value and comments of the named headers as a map.
// A value without "=" is stored lowercased under the key "value"; keys
// are lowercased and surrounding quotes are stripped from values.
func (l List) Params(name string) map[string]string {
	m := map[string]string{}
	for _, h := range l.GetAll(name) {
		putParam(m, h.Value, true)
		for _, c := range h.Comments {
			putParam(m, c, false)
		}
	}
	return m
}

func putParam(m map[string]string, s string, isValue bool) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		if isValue {
			m["value"] = strings.ToLower(strings.TrimSpace(s))
		} else if s = strings.TrimSpace(s); s != "" {
			m[strings.ToLower(s)] = ""
		}
		return
	}
	m[strings.ToLower(strings.TrimSpace(k))] = unquote(strings.TrimSpace(v))
}

func (l List) value(name string) string {
	h, ok := l.Get(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(h.Value)
}

// ContentType returns the media type without parameters, text/plain when
// absent.
func (l List) ContentType() string {
	v := l.value("Content-Type")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if v == "" {
		return "text/plain"
	}
	return strings.ToLower(v)
}

func (l List) Boundary() string {
	return l.Params("Content-Type")["boundary"]
}

func (l List) Charset() string {
	return l.Params("Content-Type")["charset"]
}

// Name returns the Content-Disposition filename or the Content-Type name.
func (l List) Name() string {
	if v := l.Params("Content-Disposition")["filename"]; v != "" {
		return v
	}
	return l.Params("Content-Type")["name"]
}

func (l List) ContentLength() (int64, bool, error) {
	v := l.value("Content-Length")
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Length %q", v)
	}
	return n, true, nil
}

func (l List) token(name string) string {
	return strings.ToLower(l.value(name))
}

func (l List) TransferEncoding() string {
	return l.token("Transfer-Encoding")
}

func (l List) ContentTransferEncoding() string {
	return l.token("Content-Transfer-Encoding")
}

func (l List) ContentEncoding() string {
	return l.token("Content-Encoding")
}

func (l List) ExpectsContinue() bool {
	return l.token("Expect") == "100-continue"
}

func (l List) ConnectionClose() bool {
	return l.token("Connection") == "close"
}

func (l List) SMIMEType() string {
	return strings.ToLower(l.Params("Content-Type")["smime-type"])
}

// ContentRange is an inclusive byte range; Total is -1 when unknown.
type ContentRange struct {
	From  int64
	To    int64
	Total int64
}

func (cr ContentRange) Length() int64 {
	return cr.To - cr.From + 1
}

func (cr ContentRange) String() string {
	total := "*"
	if cr.Total >= 0 {
		total = strconv.FormatInt(cr.Total, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", cr.From, cr.To, total)
}

// ParseContentRange accepts "[bytes ]from-to/total".
func ParseContentRange(s string) (ContentRange, error) {
	orig := s
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, "bytes"))
	rng, total, ok := strings.Cut(s, "/")
	if !ok {
		return ContentRange{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Range %q", orig)
	}
	from, to, ok := strings.Cut(rng, "-")
	if !ok {
		return ContentRange{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Range %q", orig)
	}
	var cr ContentRange
	var err error
	if cr.From, err = strconv.ParseInt(strings.TrimSpace(from), 10, 64); err != nil {
		return ContentRange{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Range %q", orig)
	}
	if cr.To, err = strconv.ParseInt(strings.TrimSpace(to), 10, 64); err != nil || cr.To < cr.From {
		return ContentRange{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Range %q", orig)
	}
	cr.Total = -1
	if total = strings.TrimSpace(total); total != "*" {
		if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
			return ContentRange{}, mimeerr.NewParseError(-1, mimeerr.ErrMalformedHeader, "invalid Content-Range %q", orig)
		}
	}
	return cr, nil
}

func (l List) ContentRange() (ContentRange, bool, error) {
	v := l.value("Content-Range")
	if v == "" {
		return ContentRange{}, false, nil
	}
	cr, err := ParseContentRange(v)
	if err != nil {
		return ContentRange{}, false, err
	}
	return cr, true, nil
}
