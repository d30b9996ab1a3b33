package part

import (
	"bytes"
	"io"
	"math"
	"sync"

	"github.com/moriyoshi/mimekit/mimeerr"
)

// Content supplies the decoded body of a content part.
type Content interface {
	Open() (io.ReadCloser, error)
	Reopenable() bool
}

// Bytes is content held in memory.
type Bytes []byte

func (b Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (Bytes) Reopenable() bool { return true }

type readerContent struct {
	mu     sync.Mutex
	r      io.Reader
	opened bool
}

// NewReaderContent wraps a stream that can be handed out only once.
func NewReaderContent(r io.Reader) Content {
	return &readerContent{r: r}
}

func (c *readerContent) Open() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return nil, mimeerr.ErrNotReopenable
	}
	c.opened = true
	if rc, ok := c.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(c.r), nil
}

func (*readerContent) Reopenable() bool { return false }

type openerContent struct {
	open       Opener
	reopenable bool
}

// NewOpenerContent serves content from open, which is trusted to return a
// fresh stream each time when reopenable is set.
func NewOpenerContent(open Opener, reopenable bool) Content {
	return &openerContent{open: open, reopenable: reopenable}
}

func (c *openerContent) Open() (io.ReadCloser, error) { return c.open() }

func (c *openerContent) Reopenable() bool { return c.reopenable }

type readCloser struct {
	io.Reader
	io.Closer
}

// Open returns the decoded body of a content part. A parsed part without
// explicit content is decoded from its raw body according to its
// transfer and content encoding headers.
func (p Part) Open() (io.ReadCloser, error) {
	n := p.node()
	if n.kind != KindContent {
		return nil, mimeerr.NewFormatError(mimeerr.ErrUnformattable, "%s has no content of its own", p)
	}
	if n.content != nil {
		return n.content.Open()
	}
	if n.pos == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	raw, err := p.OpenRawBody()
	if err != nil {
		return nil, err
	}
	h := n.headers
	rd, err := p.t.Transcoder.Decoder(raw, h.TransferEncoding(), h.ContentTransferEncoding(), h.ContentEncoding())
	if err != nil {
		raw.Close()
		return nil, err
	}
	return readCloser{rd, raw}, nil
}

// OpenRaw returns the bytes of a parsed part as they appear in the stream
// its parent hands to its children, header block included.
func (p Part) OpenRaw() (io.ReadCloser, error) {
	n := p.node()
	if n.pos == nil {
		return nil, mimeerr.NewFormatError(mimeerr.ErrNotReopenable, "%s was not parsed", p)
	}
	return p.openSpan(n.pos.Offset, n.pos.Size)
}

// OpenRawBody is OpenRaw without the header block.
func (p Part) OpenRawBody() (io.ReadCloser, error) {
	n := p.node()
	if n.pos == nil {
		return nil, mimeerr.NewFormatError(mimeerr.ErrNotReopenable, "%s was not parsed", p)
	}
	return p.openSpan(n.pos.Offset+n.pos.BodyOffset, n.pos.Size-n.pos.BodyOffset)
}

// OpenRawSpan returns length bytes starting off bytes into the raw form
// of p, without stopping at the recorded size.
func (p Part) OpenRawSpan(off, length int64) (io.ReadCloser, error) {
	n := p.node()
	if n.pos == nil {
		return nil, mimeerr.NewFormatError(mimeerr.ErrNotReopenable, "%s was not parsed", p)
	}
	return p.openSpan(n.pos.Offset+off, length)
}

// AbsoluteOffset returns the offset of p in the resource, which is only
// defined when no ancestor decodes its body for its children.
func (p Part) AbsoluteOffset() (int64, bool) {
	var off int64
	for q := p; ; {
		n := q.node()
		if n.pos == nil {
			return 0, false
		}
		off += n.pos.Offset
		parent, ok := q.Parent()
		if !ok {
			return off, true
		}
		if parent.node().childBase != nil {
			return 0, false
		}
		q = parent
	}
}

// openBase opens the stream the children of p are positioned in.
func (p Part) openBase() (io.ReadCloser, error) {
	if open := p.node().childBase; open != nil {
		return open()
	}
	return p.OpenRaw()
}

func (p Part) openSpan(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		length = 0
	}
	parent, hasParent := p.Parent()
	if abs, ok := p.AbsoluteOffset(); ok && p.t.resource != nil {
		rc, err := p.t.resource.Open()
		if err != nil {
			return nil, err
		}
		start := abs - p.node().pos.Offset + off
		if ra, ok := rc.(io.ReaderAt); ok {
			if start > math.MaxInt64-length {
				length = math.MaxInt64 - start
			}
			return readCloser{io.NewSectionReader(ra, start, length), rc}, nil
		}
		return skipAndLimit(rc, start, length)
	}
	var base io.ReadCloser
	var err error
	if hasParent {
		base, err = parent.openBase()
	} else {
		if p.t.resource == nil {
			return nil, mimeerr.NewFormatError(mimeerr.ErrNotReopenable, "%s has no resource", p)
		}
		base, err = p.t.resource.Open()
	}
	if err != nil {
		return nil, err
	}
	return skipAndLimit(base, off, length)
}

func skipAndLimit(rc io.ReadCloser, off, length int64) (io.ReadCloser, error) {
	if off > 0 {
		if s, ok := rc.(io.Seeker); ok {
			if _, err := s.Seek(off, io.SeekStart); err != nil {
				rc.Close()
				return nil, err
			}
		} else if _, err := io.CopyN(io.Discard, rc, off); err != nil {
			rc.Close()
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return readCloser{io.LimitReader(rc, length), rc}, nil
}
