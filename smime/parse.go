package smime

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/part"
)

// Register installs the S/MIME handlers on p.
func Register(p *parser.Parser, c Crypto) {
	envelope := parser.NewHandler(part.KindMulti, parseEnvelope(c))
	signature := parser.NewHandler(part.KindContent, parseSignature(c))
	p.SetHandler("application/pkcs7-mime", envelope)
	p.SetHandler("application/x-pkcs7-mime", envelope)
	p.SetHandler("application/pkcs7-signature", signature)
	p.SetHandler("application/x-pkcs7-signature", signature)
}

// WithCrypto is the parser option form of Register.
func WithCrypto(c Crypto) parser.OptionFunc {
	return func(p *parser.Parser) error {
		Register(p, c)
		return nil
	}
}

func bodyOffset(pt part.Part) int64 {
	pos, _ := pt.Position()
	return pos.Offset + pos.BodyOffset
}

// decodedBody is the content of an enveloped or compressed part, decoded
// once and served from memory afterwards.
type decodedBody struct {
	mu        sync.Mutex
	pt        part.Part
	transform func([]byte) ([]byte, error)
	data      []byte
	err       error
	loaded    bool
}

func (d *decodedBody) load() ([]byte, error) {
	raw, err := d.pt.OpenRawBody()
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	h := d.pt.Headers()
	rd, err := d.pt.Tree().Transcoder.Decoder(raw, h.TransferEncoding(), h.ContentTransferEncoding(), h.ContentEncoding())
	if err != nil {
		return nil, err
	}
	der, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	return d.transform(der)
}

func (d *decodedBody) Open() (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		d.data, d.err = d.load()
		d.loaded = true
	}
	if d.err != nil {
		return nil, d.err
	}
	return io.NopCloser(bytes.NewReader(d.data)), nil
}

func parseEnvelope(c Crypto) func(p *parser.Parser, pt part.Part) error {
	return func(p *parser.Parser, pt part.Part) error {
		smimeType := pt.Headers().SMIMEType()
		d := &decodedBody{pt: pt}
		switch smimeType {
		case "enveloped-data":
			d.transform = c.Decrypt
		case "compressed-data":
			d.transform = c.Decompress
		default:
			return mimeerr.NewParseError(bodyOffset(pt), mimeerr.ErrUnsupportedSMIME, "smime-type %q", smimeType)
		}
		if _, err := d.Open(); err != nil {
			return mimeerr.NewParseError(bodyOffset(pt), err, "failed to decode %s", smimeType)
		}
		child, err := p.ParseNested(pt, d.Open)
		if err != nil {
			return err
		}
		p.Logger().Debug(
			"smime envelope opened",
			slog.String("path", pt.Path()),
			slog.String("smime_type", smimeType),
			slog.String("content_type", child.ContentType()),
		)
		return nil
	}
}

// VerificationResult is the outcome of checking a detached signature.
type VerificationResult struct {
	Valid        bool
	Certificates []*x509.Certificate
	// Err tells why the signature did not verify.
	Err error
}

type signature struct {
	c      Crypto
	once   sync.Once
	result *VerificationResult
	err    error
}

func parseSignature(c Crypto) func(p *parser.Parser, pt part.Part) error {
	return func(p *parser.Parser, pt part.Part) error {
		if t := pt.Headers().SMIMEType(); t != "" && t != "signed-data" {
			return mimeerr.NewParseError(bodyOffset(pt), mimeerr.ErrUnsupportedSMIME, "smime-type %q on a signature", t)
		}
		parent, ok := pt.Parent()
		if !ok || parent.ContentType() != "multipart/signed" {
			return mimeerr.NewParseError(bodyOffset(pt), mimeerr.ErrInvalidSignedLayout, "signature outside of multipart/signed")
		}
		pt.SetExtension(&signature{c: c})
		return nil
	}
}

// SignedPart returns the sibling a signature applies to. A text/plain
// part ahead of it, left by a preamble, is skipped.
func SignedPart(sig part.Part) (part.Part, error) {
	parent, ok := sig.Parent()
	if !ok {
		return part.Part{}, fmt.Errorf("%s: %w", sig, mimeerr.ErrInvalidSignedLayout)
	}
	siblings := parent.Children()
	if sig.Index() != len(siblings)-1 {
		return part.Part{}, fmt.Errorf("%s is not the last part: %w", sig, mimeerr.ErrInvalidSignedLayout)
	}
	before := siblings[:sig.Index()]
	if len(before) == 2 && before[0].ContentType() == "text/plain" {
		before = before[1:]
	}
	if len(before) != 1 {
		return part.Part{}, fmt.Errorf("%d parts precede %s: %w", len(before), sig, mimeerr.ErrInvalidSignedLayout)
	}
	return before[0], nil
}

// signedBytes returns the signed entity as it was transmitted, without the
// CR that belongs to the line break ahead of the next boundary.
func signedBytes(sig part.Part) ([]byte, error) {
	signed, err := SignedPart(sig)
	if err != nil {
		return nil, err
	}
	pos, ok := signed.Position()
	if !ok {
		return nil, fmt.Errorf("%s was not parsed: %w", signed, mimeerr.ErrInvalidSignedLayout)
	}
	rc, err := signed.OpenRawSpan(0, pos.RawSize)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b, []byte{'\r'}), nil
}

func (s *signature) verify(pt part.Part) (*VerificationResult, error) {
	content, err := signedBytes(pt)
	if err != nil {
		return nil, err
	}
	rc, err := pt.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	der, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	certs, err := s.c.Verify(content, der)
	if err != nil {
		return &VerificationResult{Err: err}, nil
	}
	return &VerificationResult{Valid: true, Certificates: certs}, nil
}

// Verification checks the signature held by pt once and caches the
// result. An invalid signature is reported in the result; the error is
// for parts that are not signatures or can not be read.
func Verification(pt part.Part) (*VerificationResult, error) {
	s, ok := pt.Extension().(*signature)
	if !ok {
		return nil, fmt.Errorf("%s is not a parsed signature", pt)
	}
	s.once.Do(func() {
		s.result, s.err = s.verify(pt)
	})
	return s.result, s.err
}

// IsSignature reports whether pt was parsed as a detached signature.
func IsSignature(pt part.Part) bool {
	_, ok := pt.Extension().(*signature)
	return ok
}
