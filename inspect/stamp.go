package inspect

import (
	"bufio"
	"bytes"
	"io"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/types"
)

const InspectionHeader = "X-MIME-Inspection"

type stamper struct {
	dkim      *dkim.SignOptions
	reception *types.ReceptionDescriptor
}

type StampOptionFunc func(*stamper)

// WithDKIMSignOptions re-signs the stamped message. Existing
// DKIM-Signature headers are dropped, since the stamp breaks them.
func WithDKIMSignOptions(options *dkim.SignOptions) StampOptionFunc {
	return func(s *stamper) {
		s.dkim = options
	}
}

// WithReception adds a Received header for the reception.
func WithReception(rd *types.ReceptionDescriptor) StampOptionFunc {
	return func(s *stamper) {
		s.reception = rd
	}
}

// Stamp copies the message in raw to w with the report summary in an
// X-MIME-Inspection header in front of the original headers. Header lines
// are passed through as they were received, folding included.
func Stamp(w io.Writer, raw io.Reader, report *Report, options ...StampOptionFunc) error {
	var st stamper
	for _, option := range options {
		option(&st)
	}

	var s header.Store
	if err := header.Scan(bufio.NewReader(raw), &s); err != nil {
		return err
	}
	s.Remove(InspectionHeader)
	if st.dkim != nil {
		s.Remove("DKIM-Signature")
	}
	value, comments := report.Summary()
	if err := s.Insert(header.New(InspectionHeader, value, comments...)); err != nil {
		return err
	}
	if st.reception != nil {
		if err := s.Insert(st.reception.Received()); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := s.Replay(header.NewWriter(&buf, false, header.EncodingRFC2047)); err != nil {
		return err
	}
	if st.dkim != nil {
		signer, err := dkim.NewSigner(st.dkim)
		if err != nil {
			return err
		}
		if _, err := signer.Write(buf.Bytes()); err != nil {
			signer.Close()
			return err
		}
		if err := signer.Close(); err != nil {
			return err
		}
		if _, err := io.WriteString(w, signer.Signature()); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
