// Package smime adds S/MIME to the parser and the formatter: it parses
// compressed, enveloped and detached-signature parts, and builds parts
// that render as such. The cryptography itself is supplied through the
// Crypto interface.
package smime

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"
)

// Signer is a certificate together with its private key. Chain holds the
// intermediate certificates included with signatures when requested.
type Signer struct {
	Certificate *x509.Certificate
	Key         crypto.PrivateKey
	Chain       []*x509.Certificate
}

// Crypto performs the PKCS#7 operations. Signatures are detached; der
// arguments and results are complete ContentInfo structures.
type Crypto interface {
	Sign(content []byte, digest DigestAlgorithm, signers []Signer) ([]byte, error)
	// Verify checks a detached signature and returns the signer
	// certificates.
	Verify(content, signature []byte) ([]*x509.Certificate, error)
	Encrypt(content []byte, recipients []*x509.Certificate) ([]byte, error)
	Decrypt(der []byte) ([]byte, error)
	Compress(content []byte) ([]byte, error)
	Decompress(der []byte) ([]byte, error)
}

type DigestAlgorithm int

const (
	SHA1 DigestAlgorithm = iota + 1
	MD5
	SHA256
	SHA384
	SHA512
	SHA224
	GOST3411
	RIPEMD160
	RIPEMD128
	RIPEMD256
)

type digestInfo struct {
	name   string
	micalg string
	oid    asn1.ObjectIdentifier
}

var digests = map[DigestAlgorithm]digestInfo{
	SHA1:      {"sha1", "sha-1", asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}},
	MD5:       {"md5", "md5", asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}},
	SHA256:    {"sha256", "sha-256", asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}},
	SHA384:    {"sha384", "sha-384", asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}},
	SHA512:    {"sha512", "sha-512", asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}},
	SHA224:    {"sha224", "sha-224", asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}},
	GOST3411:  {"gost3411", "gostr3411-94", asn1.ObjectIdentifier{1, 2, 643, 2, 2, 9}},
	RIPEMD160: {"ripemd160", "rmd160", asn1.ObjectIdentifier{1, 3, 36, 3, 2, 1}},
	RIPEMD128: {"ripemd128", "rmd128", asn1.ObjectIdentifier{1, 3, 36, 3, 2, 2}},
	RIPEMD256: {"ripemd256", "rmd256", asn1.ObjectIdentifier{1, 3, 36, 3, 2, 3}},
}

func (d DigestAlgorithm) String() string {
	if i, ok := digests[d]; ok {
		return i.name
	}
	return fmt.Sprintf("DigestAlgorithm(%d)", int(d))
}

func (d DigestAlgorithm) OID() asn1.ObjectIdentifier {
	return digests[d].oid
}

// MICAlg returns the name used in the micalg parameter of
// multipart/signed.
func (d DigestAlgorithm) MICAlg() string {
	return digests[d].micalg
}

// ParseDigestAlgorithm accepts either the plain name ("sha256") or the
// micalg form ("sha-256").
func ParseDigestAlgorithm(s string) (DigestAlgorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, i := range digests {
		if s == i.name || s == i.micalg {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown digest algorithm %q", s)
}

func (d *DigestAlgorithm) UnmarshalText(b []byte) error {
	v, err := ParseDigestAlgorithm(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
