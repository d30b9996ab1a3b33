package cms

import (
	"bytes"
	"compress/zlib"
	encoding_asn1 "encoding/asn1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidData           = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidCompressedData = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 9}
	oidZlib           = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 3, 8}
)

var ErrMalformedCompressedData = errors.New("malformed compressed-data")

var explicit0 = asn1.Tag(0).Constructed().ContextSpecific()

// compress builds a ContentInfo holding RFC 3274 compressed data.
func compress(content []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidCompressedData)
		b.AddASN1(explicit0, func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(0)
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidZlib)
				})
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidData)
					b.AddASN1(explicit0, func(b *cryptobyte.Builder) {
						b.AddASN1OctetString(buf.Bytes())
					})
				})
			})
		})
	})
	return b.Bytes()
}

// readOctets reads an OCTET STRING, joining the segments of a constructed
// one.
func readOctets(s *cryptobyte.String) ([]byte, bool) {
	if s.PeekASN1Tag(asn1.OCTET_STRING.Constructed()) {
		var segments cryptobyte.String
		if !s.ReadASN1(&segments, asn1.OCTET_STRING.Constructed()) {
			return nil, false
		}
		var out []byte
		for !segments.Empty() {
			b, ok := readOctets(&segments)
			if !ok {
				return nil, false
			}
			out = append(out, b...)
		}
		return out, true
	}
	var b []byte
	if !s.ReadASN1Bytes(&b, asn1.OCTET_STRING) {
		return nil, false
	}
	return b, true
}

func decompress(der []byte) ([]byte, error) {
	s := cryptobyte.String(der)
	var ci, wrapped, cd, alg, eci, ec cryptobyte.String
	var contentType, algorithm, innerType encoding_asn1.ObjectIdentifier
	var version int64
	if !s.ReadASN1(&ci, asn1.SEQUENCE) ||
		!ci.ReadASN1ObjectIdentifier(&contentType) {
		return nil, fmt.Errorf("content info: %w", ErrMalformedCompressedData)
	}
	if !contentType.Equal(oidCompressedData) {
		return nil, fmt.Errorf("content type %s is not compressed-data", contentType)
	}
	if !ci.ReadASN1(&wrapped, explicit0) ||
		!wrapped.ReadASN1(&cd, asn1.SEQUENCE) ||
		!cd.ReadASN1Integer(&version) ||
		!cd.ReadASN1(&alg, asn1.SEQUENCE) ||
		!alg.ReadASN1ObjectIdentifier(&algorithm) ||
		!cd.ReadASN1(&eci, asn1.SEQUENCE) ||
		!eci.ReadASN1ObjectIdentifier(&innerType) ||
		!eci.ReadASN1(&ec, explicit0) {
		return nil, fmt.Errorf("compressed data: %w", ErrMalformedCompressedData)
	}
	if !algorithm.Equal(oidZlib) {
		return nil, fmt.Errorf("unsupported compression algorithm %s", algorithm)
	}
	compressed, ok := readOctets(&ec)
	if !ok {
		return nil, fmt.Errorf("encapsulated content: %w", ErrMalformedCompressedData)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
