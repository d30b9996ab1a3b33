package cms

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moriyoshi/mimekit/internal/testcert"
	"github.com/moriyoshi/mimekit/smime"
)

func identity(t *testing.T, cn string) smime.Signer {
	id, err := testcert.New(cn)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return id
}

func provider(t *testing.T, options ...OptionFunc) *Provider {
	p, err := New(options...)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return p
}

func TestCompressedData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content []byte
	}{
		{name: "empty", content: []byte{}},
		{name: "text", content: []byte("Content-Type: text/plain\r\n\r\nhello\r\n")},
		{name: "large", content: bytes.Repeat([]byte("0123456789"), 10000)},
	}
	p := provider(t)
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			der, err := p.Compress(c.content)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			out, err := p.Decompress(der)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, len(c.content), len(out))
			assert.True(t, bytes.Equal(c.content, out))
		})
	}

	_, err := p.Decompress([]byte{0x30, 0x03, 0x02, 0x01, 0x00})
	assert.Error(t, err)
	_, err = p.Decompress([]byte("garbage"))
	assert.True(t, errors.Is(err, ErrMalformedCompressedData))
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	alice := identity(t, "alice")
	content := []byte("Content-Type: text/plain\r\n\r\nsigned text\r\n")

	cases := []struct {
		name   string
		digest smime.DigestAlgorithm
	}{
		{name: "default", digest: 0},
		{name: "sha384", digest: smime.SHA384},
		{name: "sha256", digest: smime.SHA256},
		{name: "sha512", digest: smime.SHA512},
	}
	p := provider(t, WithIdentity(alice))
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			sig, err := p.Sign(content, c.digest, nil)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			certs, err := p.Verify(content, sig)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			if assert.Len(t, certs, 1) {
				assert.Equal(t, "alice", certs[0].Subject.CommonName)
			}
			tampered := bytes.Replace(content, []byte("signed"), []byte("Signed"), 1)
			_, err = p.Verify(tampered, sig)
			assert.Error(t, err)
		})
	}

	t.Run("trust pool", func(t *testing.T) {
		t.Parallel()
		sig, err := p.Sign(content, smime.SHA256, nil)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		trusted := x509.NewCertPool()
		trusted.AddCert(alice.Certificate)
		_, err = provider(t, WithTrustPool(trusted)).Verify(content, sig)
		assert.NoError(t, err)

		other := x509.NewCertPool()
		other.AddCert(identity(t, "mallory").Certificate)
		_, err = provider(t, WithTrustPool(other)).Verify(content, sig)
		assert.Error(t, err)
	})

	_, err := provider(t).Sign(content, smime.SHA256, nil)
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	bob := identity(t, "bob")
	content := []byte("Content-Type: text/plain\r\n\r\nfor bob only\r\n")

	for i, alg := range []string{"aes128-cbc", "aes256-cbc"} {
		alg := alg
		t.Run(fmt.Sprintf("#%d: %s", i, alg), func(t *testing.T) {
			t.Parallel()
			der, err := provider(t, WithEncryptionAlgorithm(alg)).Encrypt(content, []*x509.Certificate{bob.Certificate})
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			out, err := provider(t, WithIdentity(bob)).Decrypt(der)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, content, out)

			_, err = provider(t).Decrypt(der)
			assert.True(t, errors.Is(err, ErrNoIdentity))
		})
	}

	_, err := provider(t).Encrypt(content, nil)
	assert.Error(t, err)
}

func TestLoadPEM(t *testing.T) {
	t.Parallel()

	carol := identity(t, "carol")
	certPEM, keyPEM, err := testcert.PEM(carol)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	id, err := LoadPEM(certPEM, keyPEM)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.True(t, id.Certificate.Equal(carol.Certificate))
	assert.Empty(t, id.Chain)

	pool, err := LoadTrustPool(append(keyPEM, certPEM...))
	if assert.NoError(t, err) {
		_, err = carol.Certificate.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		assert.NoError(t, err)
	}
	_, err = LoadTrustPool(keyPEM)
	assert.Error(t, err)

	_, err = LoadPKCS12([]byte("not a keystore"), "secret")
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		option  OptionFunc
		invalid bool
	}{
		{name: "encryption", option: WithEncryptionAlgorithm("AES-256-CBC")},
		{name: "unknown encryption", option: WithEncryptionAlgorithm("rot13"), invalid: true},
		{name: "compression level", option: WithCompressionLevel(9)},
		{name: "bad compression level", option: WithCompressionLevel(42), invalid: true},
		{name: "identity without key", option: WithIdentity(smime.Signer{}), invalid: true},
		{name: "chains", option: WithIncludeChains(false)},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			_, err := New(c.option)
			if c.invalid {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
