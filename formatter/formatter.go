// Package formatter renders part trees back into MIME entities, either by
// writing to an io.Writer or through a reader that produces the same bytes
// on demand.
package formatter

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/transcode"
)

var (
	crlf        = []byte("\r\n")
	partTrailer = []byte("\r\n\r\n")
)

type Formatter struct {
	logger                 *slog.Logger
	mimeVersion            string
	ignored                map[string]struct{}
	fold                   bool
	headerEncoding         header.Encoding
	allowBinary            bool
	quoteBoundary          bool
	trailingLineFeeds      bool
	disableContentEncoding bool
	quotable               []string
	unencoded              []string
	transcoder             transcode.Registry
}

func New(options ...OptionFunc) (*Formatter, error) {
	f := &Formatter{
		logger:            logging.Discard(),
		mimeVersion:       "1.0",
		ignored:           map[string]struct{}{},
		fold:              true,
		headerEncoding:    header.EncodingRFC2047,
		quoteBoundary:     true,
		trailingLineFeeds: true,
		quotable:          []string{"text/*", "*/xml"},
		unencoded:         []string{"application/x-www-form-urlencoded"},
		transcoder:        *transcode.New(),
	}
	for _, option := range options {
		if err := option(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func matchAny(patterns []string, contentType string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, contentType); ok {
			return true
		}
	}
	return false
}

// transferEncodingFor picks the Content-Transfer-Encoding added to a part
// that has none.
func (f *Formatter) transferEncodingFor(contentType string) string {
	switch {
	case matchAny(f.unencoded, contentType):
		return ""
	case matchAny(f.quotable, contentType):
		return transcode.QuotedPrintable
	}
	return transcode.Base64
}

func (f *Formatter) registry(chunkEnding bool) *transcode.Registry {
	r := f.transcoder
	r.ChunkEnding = chunkEnding
	return &r
}

func (f *Formatter) isIgnored(name string) bool {
	_, ok := f.ignored[strings.ToLower(name)]
	return ok
}

func (f *Formatter) writeHeaders(w io.Writer, hs ...header.Header) error {
	for _, h := range hs {
		s, err := h.Render(f.fold, f.headerEncoding)
		if err != nil {
			return mimeerr.NewFormatError(err, "header %s", h.Name)
		}
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}
	return nil
}

func writeBoundary(w io.Writer, boundary string, last bool) error {
	s := "--" + boundary
	if last {
		s += "--"
	}
	_, err := io.WriteString(w, s+"\r\n")
	return err
}

// isMultipart tells whether p renders as a boundary-delimited multipart:
// a multi part with a multipart/* type or with no Content-Type at all,
// which gets multipart/mixed. Parts that hold children under another type,
// such as decoded PKCS7 envelopes, render as their raw body instead.
func isMultipart(p part.Part) bool {
	if p.Kind() != part.KindMulti {
		return false
	}
	if _, ok := p.Headers().Get("Content-Type"); !ok {
		return true
	}
	return strings.HasPrefix(p.ContentType(), "multipart/")
}

// ensureBoundary returns the boundary of a multipart, generating one when
// the part can take it.
func (f *Formatter) ensureBoundary(p part.Part) (string, error) {
	hs := p.Headers()
	if b := hs.Boundary(); b != "" {
		return b, nil
	}
	if !p.Modifiable() {
		return "", mimeerr.NewFormatError(mimeerr.ErrNoBoundary, "%s", p)
	}
	b, err := header.NewBoundary()
	if err != nil {
		return "", err
	}
	ct, ok := hs.Get("Content-Type")
	if !ok {
		ct = header.New("Content-Type", "multipart/mixed")
	}
	ct = ct.Clone()
	if f.quoteBoundary {
		ct.Comments = append(ct.Comments, fmt.Sprintf("boundary=%q", b))
	} else {
		ct.Comments = append(ct.Comments, "boundary="+b)
	}
	if err := p.SetHeader(ct); err != nil {
		return "", err
	}
	f.logger.Debug("boundary generated", slog.String("path", p.Path()), slog.String("boundary", b))
	return b, nil
}

func (f *Formatter) writeMultiHeaders(w io.Writer, p part.Part) error {
	if err := f.writeHeaders(w, header.New("MIME-Version", f.mimeVersion)); err != nil {
		return err
	}
	for _, h := range p.Headers() {
		if h.Is("MIME-Version") || f.isIgnored(h.Name) {
			continue
		}
		if err := f.writeHeaders(w, h); err != nil {
			return err
		}
	}
	_, err := w.Write(crlf)
	return err
}

// encodings returns the transfer, content transfer and content encodings
// a body is written with.
func (f *Formatter) encodings(hs header.List, auto string) (te, cte, ce string) {
	te = hs.TransferEncoding()
	cte = hs.ContentTransferEncoding()
	if cte == "" {
		cte = auto
	}
	if !f.disableContentEncoding {
		ce = hs.ContentEncoding()
	}
	return te, cte, ce
}

type contentPlan struct {
	headers  header.List
	auto     string
	rng      *header.ContentRange
	trailing bool
}

// planContent works out what a content part renders as. It may update the
// Content-Length of a modifiable part to match its Content-Range.
func (f *Formatter) planContent(p part.Part) (*contentPlan, error) {
	plan := &contentPlan{}
	hs := p.Headers()
	cr, hasRange, err := hs.ContentRange()
	if err != nil {
		return nil, mimeerr.NewFormatError(err, "%s", p)
	}
	if hasRange {
		plan.rng = &cr
		cl, hasCL, _ := hs.ContentLength()
		if p.Modifiable() && hasCL && cl != cr.Length() {
			if err := p.SetHeader(header.New("Content-Length", fmt.Sprint(cr.Length()))); err != nil {
				return nil, err
			}
			hs = p.Headers()
		}
	}
	if !f.allowBinary && hs.ContentTransferEncoding() == "" {
		plan.auto = f.transferEncodingFor(hs.ContentType())
	}
	// Content-Length no longer holds once the body is re-encoded.
	te, cte, ce := f.encodings(hs, plan.auto)
	dropLength := !transcode.IsIdentity(te) || !transcode.IsIdentity(cte) || !transcode.IsIdentity(ce)
	for _, h := range hs {
		if f.isIgnored(h.Name) || (dropLength && h.Is("Content-Length")) {
			continue
		}
		plan.headers = append(plan.headers, h)
	}
	if plan.auto != "" {
		plan.headers = append(plan.headers, header.New("Content-Transfer-Encoding", plan.auto))
		f.logger.Debug("transfer encoding added", slog.String("path", p.Path()), slog.String("encoding", plan.auto))
	}
	_, hasParent := p.Parent()
	plan.trailing = hasParent || f.trailingLineFeeds
	return plan, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// openContent opens the decoded body, narrowed to the Content-Range.
func (plan *contentPlan) openContent(p part.Part) (io.ReadCloser, error) {
	rc, err := p.Open()
	if err != nil {
		return nil, err
	}
	if plan.rng == nil {
		return rc, nil
	}
	if plan.rng.From > 0 {
		if _, err := io.CopyN(io.Discard, rc, plan.rng.From); err != nil && err != io.EOF {
			rc.Close()
			return nil, err
		}
	}
	return readCloser{io.LimitReader(rc, plan.rng.Length()), rc}, nil
}

// FormatPart renders p; it lets formattable parts hand their descendants
// back to the formatter.
func (f *Formatter) FormatPart(w io.Writer, p part.Part) error {
	return f.Format(w, p)
}

// FormatHeaders writes hs followed by the blank line. Ignored headers are
// left out and MIME-Version carries the configured version.
func (f *Formatter) FormatHeaders(w io.Writer, hs header.List) error {
	hw := header.NewWriter(w, f.fold, f.headerEncoding)
	for _, h := range hs {
		switch {
		case h.Is("MIME-Version"):
			h = header.New(h.Name, f.mimeVersion)
		case f.isIgnored(h.Name):
			continue
		}
		if err := hw.WriteHeader(h); err != nil {
			return mimeerr.NewFormatError(err, "header %s", h.Name)
		}
	}
	return hw.Finish()
}

func (f *Formatter) TransferEncoder(w io.Writer, cte string) (io.WriteCloser, error) {
	return f.registry(false).EncodeTransferWriter(cte, w)
}

func (f *Formatter) Format(w io.Writer, p part.Part) error {
	switch {
	case p.Kind() == part.KindFormattable:
		return p.Formattable().Format(f, w, p)
	case isMultipart(p):
		return f.formatMulti(w, p)
	case p.Kind() == part.KindContent:
		return f.formatContent(w, p)
	case p.Kind() == part.KindMulti:
		return f.formatRaw(w, p)
	}
	return mimeerr.NewFormatError(mimeerr.ErrUnformattable, "%s", p)
}

func (f *Formatter) formatMulti(w io.Writer, p part.Part) error {
	boundary, err := f.ensureBoundary(p)
	if err != nil {
		return err
	}
	if err := f.writeMultiHeaders(w, p); err != nil {
		return err
	}
	te, cte, ce := f.encodings(p.Headers(), "")
	enc, err := f.registry(true).Encoder(w, te, cte, ce)
	if err != nil {
		return mimeerr.NewFormatError(err, "%s", p)
	}
	for _, c := range p.Children() {
		if err := writeBoundary(enc, boundary, false); err != nil {
			return err
		}
		if err := f.Format(enc, c); err != nil {
			return err
		}
	}
	if err := writeBoundary(enc, boundary, true); err != nil {
		return err
	}
	return enc.Close()
}

func (f *Formatter) formatContent(w io.Writer, p part.Part) error {
	plan, err := f.planContent(p)
	if err != nil {
		return err
	}
	if err := f.writeHeaders(w, plan.headers...); err != nil {
		return err
	}
	if _, err := w.Write(crlf); err != nil {
		return err
	}
	if !p.HasContent() {
		return nil
	}
	rc, err := plan.openContent(p)
	if err != nil {
		return err
	}
	defer rc.Close()
	te, cte, ce := f.encodings(p.Headers(), plan.auto)
	enc, err := f.registry(!plan.trailing).Encoder(w, te, cte, ce)
	if err != nil {
		return mimeerr.NewFormatError(err, "%s", p)
	}
	if _, err := io.Copy(enc, rc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if plan.trailing {
		_, err = w.Write(partTrailer)
	}
	return err
}

// formatRaw writes a parsed part with its headers and its body as it was
// read, still encoded.
func (f *Formatter) formatRaw(w io.Writer, p part.Part) error {
	rc, err := f.openRaw(p)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

func (f *Formatter) openRaw(p part.Part) (io.ReadCloser, error) {
	if _, ok := p.Position(); !ok {
		return nil, mimeerr.NewFormatError(mimeerr.ErrUnformattable, "%s has neither a multipart type nor a parsed body", p)
	}
	var hs header.List
	for _, h := range p.Headers() {
		if !f.isIgnored(h.Name) {
			hs = append(hs, h)
		}
	}
	pr := &prefixed{}
	if err := f.writeHeaders(&pr.head, hs...); err != nil {
		return nil, err
	}
	pr.head.Write(crlf)
	body, err := p.OpenRawBody()
	if err != nil {
		return nil, err
	}
	pr.body = body
	return pr, nil
}
