package formatter

import (
	"bytes"
	"io"

	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/transcode"
)

// prefixed yields head and then body.
type prefixed struct {
	head bytes.Buffer
	body io.ReadCloser
}

func (pr *prefixed) Read(p []byte) (int, error) {
	if pr.head.Len() > 0 {
		return pr.head.Read(p)
	}
	return pr.body.Read(p)
}

func (pr *prefixed) Close() error {
	return pr.body.Close()
}

type pullFrame struct {
	boundary string
	rest     []part.Part
}

// PullFormatter produces the same bytes Formatter.Format writes, on
// demand. Bodies are streamed; only headers, boundaries and the output
// of formattable parts are buffered.
type PullFormatter struct {
	f       *Formatter
	buf     bytes.Buffer
	cur     io.Reader
	closer  io.Closer
	trailer []byte
	stack   []pullFrame
	err     error
}

func NewPullFormatter(f *Formatter, p part.Part) (*PullFormatter, error) {
	pf := &PullFormatter{f: f}
	if err := pf.enter(p); err != nil {
		pf.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *PullFormatter) setCurrent(r io.Reader, c io.Closer, trailer []byte) {
	pf.cur, pf.closer, pf.trailer = r, c, trailer
}

func (pf *PullFormatter) enter(p part.Part) error {
	f := pf.f
	switch {
	case p.Kind() == part.KindFormattable:
		return p.Formattable().Format(f, &pf.buf, p)
	case isMultipart(p):
		return pf.enterMulti(p)
	case p.Kind() == part.KindContent:
		return pf.enterContent(p)
	case p.Kind() == part.KindMulti:
		rc, err := f.openRaw(p)
		if err != nil {
			return err
		}
		pf.setCurrent(rc, rc, nil)
		return nil
	}
	return mimeerr.NewFormatError(mimeerr.ErrUnformattable, "%s", p)
}

func (pf *PullFormatter) enterMulti(p part.Part) error {
	f := pf.f
	boundary, err := f.ensureBoundary(p)
	if err != nil {
		return err
	}
	if err := f.writeMultiHeaders(&pf.buf, p); err != nil {
		return err
	}
	frame := pullFrame{boundary: boundary, rest: p.Children()}
	te, cte, ce := f.encodings(p.Headers(), "")
	if transcode.IsIdentity(te) && transcode.IsIdentity(cte) && transcode.IsIdentity(ce) {
		pf.stack = append(pf.stack, frame)
		return nil
	}
	// The encoded body is produced by a formatter of its own that emits
	// only the boundaries and the children.
	body := &PullFormatter{f: f, stack: []pullFrame{frame}}
	r, err := f.registry(true).EncoderReader(body, te, cte, ce)
	if err != nil {
		return mimeerr.NewFormatError(err, "%s", p)
	}
	pf.setCurrent(r, body, nil)
	return nil
}

func (pf *PullFormatter) enterContent(p part.Part) error {
	f := pf.f
	plan, err := f.planContent(p)
	if err != nil {
		return err
	}
	if err := f.writeHeaders(&pf.buf, plan.headers...); err != nil {
		return err
	}
	pf.buf.Write(crlf)
	if !p.HasContent() {
		return nil
	}
	rc, err := plan.openContent(p)
	if err != nil {
		return err
	}
	te, cte, ce := f.encodings(p.Headers(), plan.auto)
	r, err := f.registry(!plan.trailing).EncoderReader(rc, te, cte, ce)
	if err != nil {
		rc.Close()
		return mimeerr.NewFormatError(err, "%s", p)
	}
	var trailer []byte
	if plan.trailing {
		trailer = partTrailer
	}
	pf.setCurrent(r, rc, trailer)
	return nil
}

func (pf *PullFormatter) finishCurrent() error {
	var err error
	if pf.closer != nil {
		err = pf.closer.Close()
	}
	pf.buf.Write(pf.trailer)
	pf.setCurrent(nil, nil, nil)
	return err
}

func (pf *PullFormatter) advance() error {
	top := &pf.stack[len(pf.stack)-1]
	if len(top.rest) == 0 {
		pf.stack = pf.stack[:len(pf.stack)-1]
		return writeBoundary(&pf.buf, top.boundary, true)
	}
	c := top.rest[0]
	top.rest = top.rest[1:]
	if err := writeBoundary(&pf.buf, top.boundary, false); err != nil {
		return err
	}
	return pf.enter(c)
}

// Read returns (0, nil) when the body being streamed does so.
func (pf *PullFormatter) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if pf.buf.Len() > 0 {
			m, _ := pf.buf.Read(p[n:])
			n += m
			continue
		}
		if pf.err != nil {
			break
		}
		if pf.cur != nil {
			m, err := pf.cur.Read(p[n:])
			n += m
			switch {
			case err == io.EOF:
				if err := pf.finishCurrent(); err != nil {
					pf.err = err
				}
				continue
			case err != nil:
				pf.err = err
			}
			if n > 0 || err != nil {
				break
			}
			return 0, nil
		}
		if len(pf.stack) == 0 {
			pf.err = io.EOF
			break
		}
		if err := pf.advance(); err != nil {
			pf.err = err
		}
	}
	if n > 0 {
		return n, nil
	}
	return 0, pf.err
}

func (pf *PullFormatter) Close() error {
	if pf.closer == nil {
		return nil
	}
	err := pf.closer.Close()
	pf.setCurrent(nil, nil, nil)
	return err
}
