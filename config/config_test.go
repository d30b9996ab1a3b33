package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moriyoshi/mimekit/formatter"
	"github.com/moriyoshi/mimekit/inspect"
	"github.com/moriyoshi/mimekit/internal/testcert"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/smime"
)

const yamlConfig = `
parser:
  trim_size: 4
  unknown_length: read-all
  tolerant_boundaries: true
formatter:
  fold_headers: false
  header_encoding: rfc2231
  chunk_size: 512
  ignored_headers: [X-Internal]
smime:
  certificate: ${env.MIMEKIT_TEST_DIR}/cert.pem
  key: ${env.MIMEKIT_TEST_DIR}/key.pem
  digest: sha-512
serve:
  bind: "[::1]:2525"
  spool_dir: ${env.MIMEKIT_TEST_DIR}/spool
rules:
  '^application/x-msdownload$': reject
`

const tomlConfig = `
[parser]
trim_size = 4
unknown_length = "read-all"
tolerant_boundaries = true

[formatter]
fold_headers = false
header_encoding = "rfc2231"
chunk_size = 512
ignored_headers = ["X-Internal"]

[smime]
certificate = "${env.MIMEKIT_TEST_DIR}/cert.pem"
key = "${env.MIMEKIT_TEST_DIR}/key.pem"
digest = "sha-512"

[serve]
bind = "[::1]:2525"
spool_dir = "${env.MIMEKIT_TEST_DIR}/spool"

[[rules]]
content_type = '^application/x-msdownload$'
action = "reject"
`

func writeIdentity(t *testing.T, dir string) {
	id, err := testcert.New("configured")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	certPEM, keyPEM, err := testcert.PEM(id)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if !assert.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0o600)) {
		t.FailNow()
	}
	if !assert.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0o600)) {
		t.FailNow()
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIMEKIT_TEST_DIR", dir)
	writeIdentity(t, dir)

	cases := []struct {
		name    string
		file    string
		content string
	}{
		{name: "yaml", file: "mimekit.yaml", content: yamlConfig},
		{name: "toml", file: "mimekit.toml", content: tomlConfig},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			path := filepath.Join(dir, c.file)
			if !assert.NoError(t, os.WriteFile(path, []byte(c.content), 0o600)) {
				t.FailNow()
			}
			cfg, err := LoadFile(path)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, filepath.Join(dir, "cert.pem"), cfg.SMIME.Certificate)
			assert.Equal(t, filepath.Join(dir, "spool"), cfg.Serve.SpoolDir)
			assert.Equal(t, "[::1]:2525", cfg.Serve.Bind)
			assert.Nil(t, cfg.Serve.VerifySPF)
			if assert.Len(t, cfg.Rules, 1) {
				assert.Equal(t, inspect.Reject, cfg.Rules[0].Action)
				assert.True(t, cfg.Rules[0].Match("application/x-msdownload", ""))
			}

			popts, err := cfg.ParserOptions()
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Len(t, popts, 3)
			p, err := parser.New(popts...)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, "parser(trim=4, unknown-length=read-all, cleanup=true, tolerant=true)", p.String())

			fopts, err := cfg.FormatterOptions()
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Len(t, fopts, 4)
			_, err = formatter.New(fopts...)
			assert.NoError(t, err)

			d, err := cfg.Digest()
			if assert.NoError(t, err) {
				assert.Equal(t, smime.SHA512, d)
			}

			provider, err := cfg.SMIMEProvider()
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			if assert.Len(t, provider.Identities(), 1) {
				assert.Equal(t, "configured", provider.Identities()[0].Certificate.Subject.CommonName)
			}
		})
	}
}

func TestConfiguredFormatter(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]byte("formatter:\n  ignored_headers: [X-Internal]\n  fold_headers: false\n"), "yaml")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	fopts, err := cfg.FormatterOptions()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	f, err := formatter.New(fopts...)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	p, err := parser.New(parser.WithUnknownLength(parser.UnknownLengthReadAll))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	root, err := p.ParseBytes([]byte("Content-Type: text/plain; charset=us-ascii\r\nX-Internal: secret\r\n\r\nhello"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	out := format(t, f, root)
	assert.NotContains(t, out, "X-Internal")
	assert.Contains(t, out, "Content-Type: text/plain; charset=us-ascii\r\n")
}

func format(t *testing.T, f *formatter.Formatter, p part.Part) string {
	pf, err := formatter.NewPullFormatter(f, p)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer pf.Close()
	b := make([]byte, 0, 256)
	buf := make([]byte, 16)
	for {
		n, err := pf.Read(buf)
		b = append(b, buf[:n]...)
		if err != nil {
			break
		}
	}
	return string(b)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		format string
	}{
		{name: "unknown yaml key", input: "parser:\n  trimsize: 4\n", format: "yaml"},
		{name: "unknown toml key", input: "[parser]\ntrimsize = 4\n", format: "toml"},
		{name: "unknown format", input: "", format: "ini"},
		{name: "bad rules", input: "rules: 3\n", format: "yaml"},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			_, err := Load([]byte(c.input), c.format)
			assert.Error(t, err)
		})
	}

	t.Run("invalid values", func(t *testing.T) {
		t.Parallel()
		cfg, err := Load([]byte("parser:\n  unknown_length: sometimes\nformatter:\n  header_encoding: rot13\nsmime:\n  digest: crc32\n"), "yaml")
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		_, err = cfg.ParserOptions()
		assert.Error(t, err)
		_, err = cfg.FormatterOptions()
		assert.Error(t, err)
		_, err = cfg.Digest()
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		cfg, err := Load(nil, "yaml")
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		provider, err := cfg.SMIMEProvider()
		if assert.NoError(t, err) {
			assert.Empty(t, provider.Identities())
		}
	})
}
