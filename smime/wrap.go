package smime

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/transcode"
)

type envelope struct {
	src       part.Part
	smimeType string
	filename  string
	transform func([]byte) ([]byte, error)
}

// Compress returns a part that renders src as S/MIME compressed data.
// Headers set on the returned part are written along with it.
func Compress(src part.Part, c Crypto) part.Part {
	return part.NewTree().NewFormattable(part.Part{}, &envelope{
		src:       src,
		smimeType: "compressed-data",
		filename:  "smime.p7z",
		transform: c.Compress,
	})
}

// Encrypt returns a part that renders src as S/MIME enveloped data for
// the given recipients.
func Encrypt(src part.Part, c Crypto, recipients ...*x509.Certificate) part.Part {
	return part.NewTree().NewFormattable(part.Part{}, &envelope{
		src:       src,
		smimeType: "enveloped-data",
		filename:  "smime.p7m",
		transform: func(b []byte) ([]byte, error) {
			return c.Encrypt(b, recipients)
		},
	})
}

func (e *envelope) Reopenable() bool {
	return e.src.Reopenable()
}

func (e *envelope) Format(f part.Formatter, w io.Writer, self part.Part) error {
	var buf bytes.Buffer
	if err := f.FormatPart(&buf, e.src); err != nil {
		return err
	}
	der, err := e.transform(buf.Bytes())
	if err != nil {
		return mimeerr.NewFormatError(err, "failed to build %s", e.smimeType)
	}

	own := self.Headers()
	hs := header.List{
		header.New("MIME-Version", "1.0"),
		header.New("Content-Type", "application/pkcs7-mime", fmt.Sprintf("name=%q", e.filename), "smime-type="+e.smimeType),
	}
	if _, ok := own.Get("Content-Disposition"); !ok {
		hs.Add(header.New("Content-Disposition", "attachment", fmt.Sprintf("filename=%q", e.filename)))
	}
	cte := own.ContentTransferEncoding()
	if cte == "" {
		cte = transcode.Base64
		hs.Add(header.New("Content-Transfer-Encoding", cte))
	}
	for _, h := range own {
		if !h.Is("MIME-Version") && !h.Is("Content-Type") {
			hs.Add(h)
		}
	}
	if err := f.FormatHeaders(w, hs); err != nil {
		return err
	}

	enc, err := f.TransferEncoder(w, cte)
	if err != nil {
		return mimeerr.NewFormatError(err, "%s", self)
	}
	if _, err := enc.Write(der); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

type signedEntity struct {
	src     part.Part
	c       Crypto
	digest  DigestAlgorithm
	signers []Signer

	mu        sync.Mutex
	signature []byte
}

func (s *signedEntity) Reopenable() bool {
	return s.src.Reopenable()
}

// Format writes src and signs exactly the bytes written for it.
func (s *signedEntity) Format(f part.Formatter, w io.Writer, self part.Part) error {
	var signed bytes.Buffer
	if err := f.FormatPart(io.MultiWriter(w, &signed), s.src); err != nil {
		return err
	}
	sig, err := s.c.Sign(signed.Bytes(), s.digest, s.signers)
	if err != nil {
		return mimeerr.NewFormatError(err, "failed to sign %s", s.src)
	}
	s.mu.Lock()
	s.signature = sig
	s.mu.Unlock()
	_, err = io.WriteString(w, "\r\n")
	return err
}

func (s *signedEntity) openSignature() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signature == nil {
		return nil, mimeerr.NewFormatError(nil, "signature requested before the signed part was formatted")
	}
	return io.NopCloser(bytes.NewReader(s.signature)), nil
}

// Sign returns a multipart/signed part holding src and a detached
// signature over it made by signers.
func Sign(src part.Part, c Crypto, digest DigestAlgorithm, signers ...Signer) part.Part {
	tree := part.NewTree()
	root := tree.NewMulti(part.Part{}, header.New(
		"Content-Type", "multipart/signed",
		`protocol="application/pkcs7-signature"`,
		"micalg="+digest.MICAlg(),
	))
	s := &signedEntity{src: src, c: c, digest: digest, signers: signers}
	tree.NewFormattable(root, s)
	tree.NewContent(root, part.NewOpenerContent(s.openSignature, true),
		header.New("Content-Type", "application/pkcs7-signature", `name="smime.p7s"`),
		header.New("Content-Disposition", "attachment", `filename="smime.p7s"`),
		header.New("Content-Transfer-Encoding", transcode.Base64),
	)
	return root
}
