// Package transcode maps transfer and content encoding tokens onto
// stream filters and composes them in wire order.
package transcode

import (
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/moriyoshi/mimekit/chunked"
	"github.com/moriyoshi/mimekit/mimeerr"
)

const (
	Base64          = "base64"
	QuotedPrintable = "quoted-printable"
	Gzip            = "gzip"
	Deflate         = "deflate"
	Chunked         = "chunked"
)

// Registry holds the settings shared by every filter it builds. It is a
// plain value; copy it to vary a setting for a single call.
type Registry struct {
	OptimizeCompression bool
	ChunkSize           int
	MaxChunkSize        int64
	// ChunkEnding makes chunked encoders write the final blank line.
	ChunkEnding bool
}

func New() *Registry {
	return &Registry{
		ChunkSize:    chunked.DefaultChunkSize,
		MaxChunkSize: chunked.DefaultMaxChunkSize,
		ChunkEnding:  true,
	}
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// IsIdentity reports whether token leaves bytes as they are.
func IsIdentity(token string) bool {
	switch normalize(token) {
	case "", "7bit", "8bit", "binary", "identity":
		return true
	}
	return false
}

func unknownTransfer(token string) error {
	return fmt.Errorf("transfer encoding %q: %w", token, mimeerr.ErrUnknownEncoding)
}

func (r *Registry) EncodeTransferWriter(token string, w io.Writer) (io.WriteCloser, error) {
	switch t := normalize(token); {
	case IsIdentity(t):
		return NopWriteCloser(w), nil
	case t == Base64:
		return base64.NewEncoder(base64.StdEncoding, &lineBreaker{w: w}), nil
	case t == QuotedPrintable:
		qw := quotedprintable.NewWriter(w)
		qw.Binary = true
		return qw, nil
	}
	return nil, unknownTransfer(token)
}

func (r *Registry) DecodeTransferReader(token string, rd io.Reader) (io.Reader, error) {
	switch t := normalize(token); {
	case IsIdentity(t):
		return rd, nil
	case t == Base64:
		return base64.NewDecoder(base64.StdEncoding, rd), nil
	case t == QuotedPrintable:
		return quotedprintable.NewReader(rd), nil
	}
	return nil, unknownTransfer(token)
}

func (r *Registry) EncodeTransferReader(token string, rd io.Reader) (io.Reader, error) {
	if IsIdentity(token) {
		return rd, nil
	}
	return newEncodingReader(rd, func(w io.Writer) (io.WriteCloser, error) {
		return r.EncodeTransferWriter(token, w)
	})
}

func (r *Registry) DecodeTransferWriter(token string, w io.Writer) (io.WriteCloser, error) {
	if IsIdentity(token) {
		return NopWriteCloser(w), nil
	}
	if _, err := r.DecodeTransferReader(token, nil); err != nil {
		return nil, err
	}
	return newDecodingWriter(w, func(rd io.Reader) (io.Reader, error) {
		return r.DecodeTransferReader(token, rd)
	}), nil
}

func (r *Registry) gzipLevel() int {
	if r.OptimizeCompression {
		return gzip.BestCompression
	}
	return gzip.BestSpeed
}

// EncodeContentWriter returns w unchanged for tokens it does not know.
func (r *Registry) EncodeContentWriter(token string, w io.Writer) (io.WriteCloser, error) {
	switch normalize(token) {
	case Gzip, "x-gzip":
		return gzip.NewWriterLevel(w, r.gzipLevel())
	case Deflate:
		return zlib.NewWriterLevel(w, r.gzipLevel())
	case Chunked:
		cw := chunked.NewWriter(w, r.ChunkSize)
		cw.WriteEnding = r.ChunkEnding
		return cw, nil
	}
	return NopWriteCloser(w), nil
}

func (r *Registry) DecodeContentReader(token string, rd io.Reader) (io.Reader, error) {
	switch normalize(token) {
	case Gzip, "x-gzip":
		return &lazyReader{new: func() (io.Reader, error) { return gzip.NewReader(rd) }}, nil
	case Deflate:
		return &lazyReader{new: func() (io.Reader, error) { return zlib.NewReader(rd) }}, nil
	case Chunked:
		cr := chunked.NewReader(rd)
		if r.MaxChunkSize > 0 {
			cr.MaxChunkSize = r.MaxChunkSize
		}
		return cr, nil
	}
	return rd, nil
}

func (r *Registry) EncodeContentReader(token string, rd io.Reader) (io.Reader, error) {
	switch normalize(token) {
	case Gzip, "x-gzip", Deflate, Chunked:
		return newEncodingReader(rd, func(w io.Writer) (io.WriteCloser, error) {
			return r.EncodeContentWriter(token, w)
		})
	}
	return rd, nil
}

func (r *Registry) DecodeContentWriter(token string, w io.Writer) (io.WriteCloser, error) {
	switch normalize(token) {
	case Gzip, "x-gzip", Deflate, Chunked:
		return newDecodingWriter(w, func(rd io.Reader) (io.Reader, error) {
			return r.DecodeContentReader(token, rd)
		}), nil
	}
	return NopWriteCloser(w), nil
}

// Encoder stacks the encoders for a body so that bytes written to it go
// through the content encoding (ce), then the content transfer encoding
// (cte), then the transfer encoding framing (te) before reaching w.
// Closing it flushes every layer without closing w.
func (r *Registry) Encoder(w io.Writer, te, cte, ce string) (io.WriteCloser, error) {
	outer, err := r.EncodeContentWriter(te, w)
	if err != nil {
		return nil, err
	}
	mid, err := r.EncodeTransferWriter(cte, outer)
	if err != nil {
		return nil, err
	}
	inner, err := r.EncodeContentWriter(ce, mid)
	if err != nil {
		return nil, err
	}
	return &stack{Writer: inner, closers: []io.Closer{inner, mid, outer}}, nil
}

// Decoder is the mirror of Encoder.
func (r *Registry) Decoder(rd io.Reader, te, cte, ce string) (io.Reader, error) {
	outer, err := r.DecodeContentReader(te, rd)
	if err != nil {
		return nil, err
	}
	mid, err := r.DecodeTransferReader(cte, outer)
	if err != nil {
		return nil, err
	}
	return r.DecodeContentReader(ce, mid)
}

// EncoderReader is the pull-side equivalent of Encoder: reading from it
// yields the encoded form of rd.
func (r *Registry) EncoderReader(rd io.Reader, te, cte, ce string) (io.Reader, error) {
	inner, err := r.EncodeContentReader(ce, rd)
	if err != nil {
		return nil, err
	}
	mid, err := r.EncodeTransferReader(cte, inner)
	if err != nil {
		return nil, err
	}
	return r.EncodeContentReader(te, mid)
}
