// Package parser reads MIME entities into a part tree. Bodies are not
// kept in memory: each part records where it lives in the resource, and
// its content is read back on demand.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/moriyoshi/mimekit/chunked"
	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/internal/bufio"
	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/transcode"
)

const (
	DefaultTrimSize = 10
	// the CRLF pairs framing a boundary, trimmed on top of the trim size
	boundaryFraming = 4
)

type Parser struct {
	logger                 *slog.Logger
	trimSize               int
	unknownLength          UnknownLengthPolicy
	closedConnectionBodies bool
	cleanup                bool
	tolerant               bool
	continuePolicy         ContinuePolicy
	transcoder             *transcode.Registry
	handlers               map[string]Handler
}

func New(options ...OptionFunc) (*Parser, error) {
	p := &Parser{
		logger:         logging.Discard(),
		trimSize:       DefaultTrimSize,
		unknownLength:  UnknownLengthReject,
		cleanup:        true,
		continuePolicy: AlwaysContinue,
		transcoder:     transcode.New(),
		handlers: map[string]Handler{
			"application/x-www-form-urlencoded": FormHandler,
			"application/www-form-urlencoded":   FormHandler,
		},
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Parser) Logger() *slog.Logger {
	return p.logger
}

func (p *Parser) Transcoder() *transcode.Registry {
	return p.transcoder
}

func (p *Parser) SetHandler(contentType string, h Handler) {
	p.handlers[strings.ToLower(contentType)] = h
}

// Handler returns the handler for a content type: a registered one, the
// generic multipart handler for multipart/*, the content handler
// otherwise.
func (p *Parser) Handler(contentType string) Handler {
	contentType = strings.ToLower(contentType)
	if h, ok := p.handlers[contentType]; ok {
		return h
	}
	if strings.HasPrefix(contentType, "multipart/") {
		return MultipartHandler
	}
	return ContentHandler
}

func (p *Parser) Parse(res part.Resource) (part.Part, error) {
	return p.ParseWithHeaders(res, nil)
}

// ParseWithHeaders parses res as a body whose headers were already read
// elsewhere, such as by a transport. With no headers given, the header
// block is read from res.
func (p *Parser) ParseWithHeaders(res part.Resource, headers header.List) (part.Part, error) {
	rc, err := res.Open()
	if err != nil {
		return part.Part{}, err
	}
	defer rc.Close()
	tree := part.NewTreeWithResource(res)
	tree.Transcoder = p.transcoder
	return p.parsePart(tree, frame{
		cur:     bufio.NewCountingReader(bufio.Wrap(rc)),
		root:    true,
		headers: headers,
	})
}

// ParseReader parses a one-shot stream, recording it so that the parts
// can be read back afterwards.
func (p *Parser) ParseReader(r io.Reader) (part.Part, error) {
	return p.Parse(part.NewSpoolResource(r))
}

func (p *Parser) ParseBytes(b []byte) (part.Part, error) {
	return p.Parse(part.BytesResource(b))
}

// ParseNested parses the entity returned by open as a child of parent.
// The children of parent are then positioned in that stream instead of in
// the raw bytes of parent.
func (p *Parser) ParseNested(parent part.Part, open part.Opener) (part.Part, error) {
	rc, err := open()
	if err != nil {
		return part.Part{}, err
	}
	defer rc.Close()
	parent.SetChildBase(open)
	return p.parsePart(parent.Tree(), frame{
		cur:     bufio.NewCountingReader(bufio.Wrap(rc)),
		parent:  parent,
		bounded: true,
	})
}

// frame is the state of one recursive step. cur counts from the start of
// the part; offset is where that start lies in the stream of the parent,
// and origin where it lies in the outermost undecoded stream: the resource,
// or the decoded body of the nearest chunked or nested ancestor.
type frame struct {
	cur     *bufio.CountingReader
	parent  part.Part
	offset  int64
	origin  int64
	root    bool
	bounded bool
	headers header.List
}

// at returns the position of the cursor in the stream origin refers to.
func (f frame) at() int64 {
	return f.origin + f.cur.Count()
}

func (p *Parser) parsePart(tree *part.Tree, f frame) (part.Part, error) {
	headers := f.headers
	if headers == nil {
		var err error
		headers, err = header.ReadBlock(f.cur, false)
		if err != nil {
			return part.Part{}, wrapParseError(f, err, "failed to read headers")
		}
	}
	bodyOffset := f.cur.Count()
	h := p.Handler(headers.ContentType())
	pt := tree.NewParsed(h.Kind(), f.parent, headers, part.Position{
		Offset:     f.offset,
		BodyOffset: bodyOffset,
		Size:       bodyOffset,
		RawSize:    bodyOffset,
	})

	if headers.ExpectsContinue() {
		if !f.root {
			return pt, mimeerr.NewParseError(f.origin, mimeerr.ErrUnexpectedContinue, "part %s", pt.Path())
		}
		if !p.continuePolicy.ShouldContinue(headers) {
			p.logger.Debug("continuation declined", slog.String("content_type", headers.ContentType()))
			return pt, nil
		}
	}

	var err error
	if boundary := headers.Boundary(); h.Kind() == part.KindMulti && boundary != "" {
		err = p.parseMulti(tree, pt, f, boundary)
	} else {
		err = p.parseLeaf(pt, f)
	}
	if err != nil {
		return pt, err
	}

	pos, _ := pt.Position()
	p.logger.Debug(
		"part positioned",
		slog.String("path", pt.Path()),
		slog.String("kind", pt.Kind().String()),
		slog.String("content_type", pt.ContentType()),
		slog.Int64("offset", pos.Offset),
		slog.Int64("body_offset", pos.BodyOffset),
		slog.Int64("size", pos.Size),
	)

	if err := h.Parse(p, pt); err != nil {
		return pt, err
	}
	return pt, nil
}

func wrapParseError(f frame, err error, msg string) error {
	var pe *mimeerr.ParseError
	if errors.As(err, &pe) {
		if pe.Offset < 0 {
			pe.Offset = f.at()
		}
		return pe
	}
	if err == mimeerr.ErrIncomplete || err == io.ErrUnexpectedEOF {
		return mimeerr.NewParseError(f.at(), err, msg)
	}
	return err
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}

func trailingSpace(tail []byte) int64 {
	n := 0
	for i := len(tail) - 1; i >= 0 && isSpace(tail[i]); i-- {
		n++
	}
	return int64(n)
}

func (p *Parser) tailSize() int {
	return boundaryFraming + p.trimSize
}

func (p *Parser) parseLeaf(pt part.Part, f frame) error {
	headers := pt.Headers()
	pos, _ := pt.Position()
	isChunked := headers.TransferEncoding() == transcode.Chunked
	cl, hasCL, err := headers.ContentLength()
	if err != nil {
		return wrapParseError(f, err, "invalid Content-Length")
	}

	var body bufio.Reader = f.cur
	var limited *bufio.LimitedReader
	if !f.bounded {
		switch {
		case hasCL:
			limited = &bufio.LimitedReader{R: f.cur, N: cl}
			body = limited
		case isChunked:
		case p.unknownLength == UnknownLengthReadAll:
		case p.closedConnectionBodies && headers.ConnectionClose():
		case p.unknownLength == UnknownLengthEmpty:
			return nil
		default:
			return mimeerr.NewParseError(f.origin+pos.BodyOffset, mimeerr.ErrUnknownLength, "root part %s has neither Content-Length nor chunked framing", headers.ContentType())
		}
	}

	var trim int64
	if isChunked {
		cr := chunked.NewReader(body)
		cr.MaxChunkSize = p.transcoder.MaxChunkSize
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return wrapParseError(f, err, "truncated chunked body")
		}
		pt.AppendHeaders(cr.Trailers()...)
		if f.bounded {
			_, tail, err := bufio.Drain(body, p.tailSize())
			if err != nil {
				return err
			}
			trim = trailingSpace(tail)
		}
	} else {
		_, tail, err := bufio.Drain(body, p.tailSize())
		if err != nil {
			return err
		}
		trim = trailingSpace(tail)
	}
	if limited != nil && limited.Truncated {
		return mimeerr.NewParseError(f.at(), io.ErrUnexpectedEOF, "body shorter than Content-Length %d", cl)
	}

	pos.RawSize = f.cur.Count()
	pos.Size = pos.RawSize - trim
	if hasCL {
		pos.Size = pos.BodyOffset + cl
	}
	pt.SetPosition(pos)
	return nil
}

// isLastBoundary reads the rest of a delimiter line and reports whether
// it closes the multipart.
func isLastBoundary(r bufio.Reader, offset func() int64) (bool, error) {
	dashes := 0
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		switch c {
		case '-':
			dashes++
			if dashes > 2 {
				return false, mimeerr.NewParseError(offset(), mimeerr.ErrMalformedBoundary, "more than two dashes after boundary")
			}
		case '\r':
		case '\n':
			return dashes > 0, nil
		default:
			return false, mimeerr.NewParseError(offset(), mimeerr.ErrMalformedBoundary, "boundary followed by %q", c)
		}
	}
}

func (p *Parser) parseMulti(tree *part.Tree, pt part.Part, f frame, boundary string) error {
	headers := pt.Headers()
	pos, _ := pt.Position()

	var src bufio.Reader = f.cur
	var limited *bufio.LimitedReader
	if f.root {
		cl, hasCL, err := headers.ContentLength()
		if err != nil {
			return wrapParseError(f, err, "invalid Content-Length")
		}
		if hasCL {
			limited = &bufio.LimitedReader{R: f.cur, N: cl}
			src = limited
		}
	}

	// children are positioned in body, counted by at
	body := src
	at := func() int64 { return f.cur.Count() }
	isChunked := headers.TransferEncoding() == transcode.Chunked
	if isChunked {
		cr := chunked.NewReader(src)
		cr.MaxChunkSize = p.transcoder.MaxChunkSize
		dechunked := bufio.NewCountingReader(bufio.Wrap(cr))
		body = dechunked
		at = dechunked.Count
		pt.SetChildBase(func() (io.ReadCloser, error) {
			rc, err := pt.OpenRawBody()
			if err != nil {
				return nil, err
			}
			dr := chunked.NewReader(rc)
			dr.MaxChunkSize = p.transcoder.MaxChunkSize
			return struct {
				io.Reader
				io.Closer
			}{dr, rc}, nil
		})
	}
	offset := f.at

	preambleOffset := at()
	pre := bufio.NewDelimitedReader(body, boundary)
	preCur := bufio.NewCountingReader(pre)
	n, tail, err := bufio.Drain(preCur, p.tailSize())
	if err != nil {
		return wrapParseError(f, err, "failed to read preamble")
	}
	if size := n - trailingSpace(tail); size > 0 {
		tree.NewParsed(part.KindContent, pt, nil, part.Position{
			Offset:  preambleOffset,
			Size:    size,
			RawSize: n,
		})
	}

	last := true
	if pre.Found() {
		if last, err = isLastBoundary(body, offset); err != nil {
			return err
		}
	}
	for !last {
		childOffset := at()
		origin := f.origin + childOffset
		if isChunked {
			origin = childOffset
		}
		d := bufio.NewDelimitedReader(body, boundary)
		c := bufio.NewCountingReader(d)
		if _, err := p.parsePart(tree, frame{cur: c, parent: pt, offset: childOffset, origin: origin, bounded: true}); err != nil {
			return err
		}
		if _, _, err := bufio.Drain(c, 0); err != nil {
			return err
		}
		if !d.Found() {
			break
		}
		if last, err = isLastBoundary(body, offset); err != nil {
			return err
		}
	}
	pos.Size = f.cur.Count()

	if isChunked || !f.root || p.cleanup {
		if err := p.drainEpilogue(body, offset); err != nil {
			return err
		}
		p.logger.Debug("boundary trailer drained", slog.String("path", pt.Path()))
	}
	if isChunked {
		// the epilogue ran the dechunker to its end, framing included
		pos.Size = f.cur.Count()
	}
	if limited != nil && limited.Truncated {
		return mimeerr.NewParseError(offset(), io.ErrUnexpectedEOF, "body shorter than Content-Length")
	}
	pos.RawSize = f.cur.Count()
	pt.SetPosition(pos)
	return nil
}

func (p *Parser) drainEpilogue(r bufio.Reader, offset func() int64) error {
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.tolerant && !isSpace(c) {
			return mimeerr.NewParseError(offset(), mimeerr.ErrBetweenBoundaries, "found %q", c)
		}
	}
}

func (p *Parser) String() string {
	return fmt.Sprintf("parser(trim=%d, unknown-length=%s, cleanup=%t, tolerant=%t)", p.trimSize, p.unknownLength, p.cleanup, p.tolerant)
}
