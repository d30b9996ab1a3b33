package main

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/smime"
	"github.com/moriyoshi/mimekit/smime/cms"
)

// IdentityFlags override the S/MIME section of the configuration.
type IdentityFlags struct {
	Certificate string `name:"certificate" help:"PEM certificate of the local identity." env:"MIMEKIT_SMIME_CERTIFICATE" optional:"" type:"existingfile"`
	Key         string `name:"key" help:"PEM private key; the certificate file is searched when omitted." env:"MIMEKIT_SMIME_KEY" optional:"" type:"existingfile"`
	Keystore    string `name:"keystore" help:"PKCS#12 keystore holding the local identity." env:"MIMEKIT_SMIME_KEYSTORE" optional:"" type:"existingfile"`
	Password    string `name:"password" help:"Password of the keystore." env:"MIMEKIT_SMIME_PASSWORD" optional:""`
	TrustBundle string `name:"trust-bundle" help:"PEM bundle of the certificates signatures are verified against." env:"MIMEKIT_SMIME_TRUST_BUNDLE" optional:"" type:"existingfile"`
}

func (f *IdentityFlags) provider(e *env, options ...cms.OptionFunc) (*cms.Provider, error) {
	s := &e.config.SMIME
	switch {
	case f.Keystore != "":
		s.Keystore, s.Password = f.Keystore, f.Password
	case f.Certificate != "":
		s.Keystore = ""
		s.Certificate, s.Key = f.Certificate, f.Key
	}
	if f.TrustBundle != "" {
		s.TrustBundle = f.TrustBundle
	}
	return e.smime(options...)
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return certs, nil
}

type SignCmd struct {
	IdentityFlags

	File   string `arg:"" help:"Message to sign, - for standard input." default:"-"`
	Output string `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
	Digest string `name:"digest" help:"Digest algorithm, e.g. sha-256." optional:""`
}

func (c *SignCmd) Run(e *env) error {
	provider, err := c.provider(e)
	if err != nil {
		return err
	}
	if len(provider.Identities()) == 0 {
		return errors.New("no signing identity; set --certificate or --keystore")
	}
	digest, err := e.config.Digest()
	if c.Digest != "" {
		digest, err = smime.ParseDigestAlgorithm(c.Digest)
	}
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, nil)
	if err != nil {
		return err
	}
	e.logger.Debug("signing", slog.String("digest", digest.String()), slog.String("content_type", root.ContentType()))
	return e.format(c.Output, smime.Sign(root, provider, digest))
}

type VerifyCmd struct {
	IdentityFlags

	File string `arg:"" help:"Message to verify, - for standard input." default:"-"`
}

func signers(certs []*x509.Certificate) string {
	names := make([]string, len(certs))
	for i, cert := range certs {
		names[i] = cert.Subject.String()
	}
	return strings.Join(names, ", ")
}

func (c *VerifyCmd) Run(e *env) error {
	provider, err := c.provider(e)
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, provider)
	if err != nil {
		return err
	}
	var found, invalid int
	err = walkParts(root, func(p part.Part) error {
		if !smime.IsSignature(p) {
			return nil
		}
		found++
		result, err := smime.Verification(p)
		if err != nil {
			return err
		}
		path := p.Path()
		if result.Valid {
			fmt.Fprintf(e.stdout, "%s\tvalid\t%s\n", path, signers(result.Certificates))
			return nil
		}
		invalid++
		fmt.Fprintf(e.stdout, "%s\tinvalid\t%v\n", path, result.Err)
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case found == 0:
		return errors.New("no signature found")
	case invalid > 0:
		return fmt.Errorf("%d of %d signatures did not verify", invalid, found)
	}
	return nil
}

func walkParts(p part.Part, fn func(part.Part) error) error {
	if err := fn(p); err != nil {
		return err
	}
	for _, c := range p.Children() {
		if err := walkParts(c, fn); err != nil {
			return err
		}
	}
	return nil
}

type EncryptCmd struct {
	IdentityFlags

	File       string   `arg:"" help:"Message to encrypt, - for standard input." default:"-"`
	Output     string   `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
	Recipients []string `name:"recipient" short:"r" help:"PEM certificate of a recipient. The local identity is used when none is given." type:"existingfile"`
	Algorithm  string   `name:"algorithm" help:"Content encryption algorithm, e.g. aes256-cbc." optional:""`
}

func (c *EncryptCmd) Run(e *env) error {
	var options []cms.OptionFunc
	if c.Algorithm != "" {
		options = append(options, cms.WithEncryptionAlgorithm(c.Algorithm))
	}
	provider, err := c.provider(e, options...)
	if err != nil {
		return err
	}
	var recipients []*x509.Certificate
	for _, path := range c.Recipients {
		certs, err := loadCertificates(path)
		if err != nil {
			return err
		}
		recipients = append(recipients, certs...)
	}
	if len(recipients) == 0 {
		for _, id := range provider.Identities() {
			recipients = append(recipients, id.Certificate)
		}
	}
	if len(recipients) == 0 {
		return errors.New("no recipient; set --recipient or configure an identity")
	}
	root, err := e.parse(c.File, nil)
	if err != nil {
		return err
	}
	return e.format(c.Output, smime.Encrypt(root, provider, recipients...))
}

type CompressCmd struct {
	File   string `arg:"" help:"Message to compress, - for standard input." default:"-"`
	Output string `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
}

func (c *CompressCmd) Run(e *env) error {
	provider, err := e.smime()
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, nil)
	if err != nil {
		return err
	}
	return e.format(c.Output, smime.Compress(root, provider))
}

type UnwrapCmd struct {
	IdentityFlags

	File   string `arg:"" help:"S/MIME message, - for standard input." default:"-"`
	Output string `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
}

func isEnvelope(p part.Part) bool {
	switch p.ContentType() {
	case "application/pkcs7-mime", "application/x-pkcs7-mime":
		return len(p.Children()) == 1
	}
	return false
}

func (c *UnwrapCmd) Run(e *env) error {
	provider, err := c.provider(e)
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, provider)
	if err != nil {
		return err
	}
	if !isEnvelope(root) {
		return fmt.Errorf("%s is not an S/MIME envelope", root.ContentType())
	}
	inner := root
	for isEnvelope(inner) {
		e.logger.Debug("unwrapping", slog.String("smime_type", inner.Headers().SMIMEType()))
		inner = inner.Children()[0]
	}
	return e.format(c.Output, inner)
}
