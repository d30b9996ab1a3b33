// Package cms implements smime.Crypto on top of go.mozilla.org/pkcs7 for
// signed and enveloped data and of cryptobyte for compressed data.
package cms

import (
	"compress/zlib"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/pkcs12"

	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/smime"
)

var ErrNoIdentity = errors.New("no identity can decrypt the content")

// the pkcs7 package takes its content encryption algorithm from a package
// variable
var encryptMu sync.Mutex

type Provider struct {
	logger           *slog.Logger
	identities       []smime.Signer
	trust            *x509.CertPool
	encryption       int
	includeChains    bool
	compressionLevel int
}

type OptionFunc func(p *Provider) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(p *Provider) error {
		if logger == nil {
			logger = logging.Discard()
		}
		p.logger = logger
		return nil
	}
}

// WithIdentity adds a certificate and key used to decrypt, and offered as
// a default signer.
func WithIdentity(id smime.Signer) OptionFunc {
	return func(p *Provider) error {
		if id.Certificate == nil || id.Key == nil {
			return fmt.Errorf("identity needs both a certificate and a key")
		}
		p.identities = append(p.identities, id)
		return nil
	}
}

// WithTrustPool makes Verify check the signer chains against pool.
// Without it only the signatures themselves are checked.
func WithTrustPool(pool *x509.CertPool) OptionFunc {
	return func(p *Provider) error {
		p.trust = pool
		return nil
	}
}

func WithEncryptionAlgorithm(name string) OptionFunc {
	return func(p *Provider) error {
		alg, err := ParseEncryptionAlgorithm(name)
		if err != nil {
			return err
		}
		p.encryption = alg
		return nil
	}
}

// WithIncludeChains controls whether signer chains are embedded in
// signatures.
func WithIncludeChains(enabled bool) OptionFunc {
	return func(p *Provider) error {
		p.includeChains = enabled
		return nil
	}
}

func WithCompressionLevel(level int) OptionFunc {
	return func(p *Provider) error {
		if level < zlib.HuffmanOnly || level > zlib.BestCompression {
			return fmt.Errorf("invalid compression level: %d", level)
		}
		p.compressionLevel = level
		return nil
	}
}

func ParseEncryptionAlgorithm(name string) (int, error) {
	switch strings.ToLower(name) {
	case "", "aes128-cbc", "aes-128-cbc":
		return pkcs7.EncryptionAlgorithmAES128CBC, nil
	case "aes256-cbc", "aes-256-cbc":
		return pkcs7.EncryptionAlgorithmAES256CBC, nil
	case "aes128-gcm", "aes-128-gcm":
		return pkcs7.EncryptionAlgorithmAES128GCM, nil
	case "aes256-gcm", "aes-256-gcm":
		return pkcs7.EncryptionAlgorithmAES256GCM, nil
	case "des-cbc":
		return pkcs7.EncryptionAlgorithmDESCBC, nil
	}
	return 0, fmt.Errorf("unknown encryption algorithm %q", name)
}

func New(options ...OptionFunc) (*Provider, error) {
	p := &Provider{
		logger:           logging.Discard(),
		encryption:       pkcs7.EncryptionAlgorithmAES128CBC,
		includeChains:    true,
		compressionLevel: zlib.DefaultCompression,
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) Identities() []smime.Signer {
	return p.identities
}

func (p *Provider) Sign(content []byte, digest smime.DigestAlgorithm, signers []smime.Signer) ([]byte, error) {
	if len(signers) == 0 {
		signers = p.identities
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no signer")
	}
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare signed data: %w", err)
	}
	if digest != 0 {
		sd.SetDigestAlgorithm(digest.OID())
	}
	for _, s := range signers {
		if p.includeChains && len(s.Chain) > 0 {
			err = sd.AddSignerChain(s.Certificate, s.Key, s.Chain, pkcs7.SignerInfoConfig{})
		} else {
			err = sd.AddSigner(s.Certificate, s.Key, pkcs7.SignerInfoConfig{})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add signer %s: %w", s.Certificate.Subject, err)
		}
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	p.logger.Debug("content signed", slog.Int("signers", len(signers)), slog.String("digest", digest.String()))
	return der, nil
}

func (p *Provider) Verify(content, signature []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	p7.Content = content
	if p.trust != nil {
		err = p7.VerifyWithChain(p.trust)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, err
	}
	return p7.Certificates, nil
}

func (p *Provider) Encrypt(content []byte, recipients []*x509.Certificate) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipient")
	}
	encryptMu.Lock()
	defer encryptMu.Unlock()
	saved := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = p.encryption
	defer func() { pkcs7.ContentEncryptionAlgorithm = saved }()
	der, err := pkcs7.Encrypt(content, recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return der, nil
}

func (p *Provider) Decrypt(der []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse enveloped data: %w", err)
	}
	var errs []error
	for _, id := range p.identities {
		b, err := p7.Decrypt(id.Certificate, id.Key)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, pkcs7.ErrNotEncryptedContent) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", id.Certificate.Subject, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoIdentity
	}
	return nil, fmt.Errorf("%w: %w", ErrNoIdentity, errors.Join(errs...))
}

func (p *Provider) Compress(content []byte) ([]byte, error) {
	return compress(content, p.compressionLevel)
}

func (p *Provider) Decompress(der []byte) ([]byte, error) {
	return decompress(der)
}

// LoadPKCS12 reads a single key and certificate from a PKCS#12 keystore.
func LoadPKCS12(b []byte, password string) (smime.Signer, error) {
	key, cert, err := pkcs12.Decode(b, password)
	if err != nil {
		return smime.Signer{}, fmt.Errorf("failed to decode keystore: %w", err)
	}
	return smime.Signer{Certificate: cert, Key: key}, nil
}

// LoadPEM reads a certificate chain and its key. Certificates after the
// first become the chain.
func LoadPEM(certPEM, keyPEM []byte) (smime.Signer, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return smime.Signer{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	var certs []*x509.Certificate
	for _, der := range pair.Certificate {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return smime.Signer{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	return smime.Signer{Certificate: certs[0], Key: pair.PrivateKey, Chain: certs[1:]}, nil
}

func LoadPEMFiles(certFile, keyFile string) (smime.Signer, error) {
	c, err := os.ReadFile(certFile)
	if err != nil {
		return smime.Signer{}, err
	}
	k, err := os.ReadFile(keyFile)
	if err != nil {
		return smime.Signer{}, err
	}
	return LoadPEM(c, k)
}

// LoadTrustPool reads every certificate in a PEM bundle.
func LoadTrustPool(b []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	n := 0
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pool.AddCert(c)
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("no certificate in bundle")
	}
	return pool, nil
}
