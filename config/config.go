// Package config loads the settings of the command line tool and the
// sink from YAML or TOML and turns them into component options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mimekit/formatter"
	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/inspect"
	"github.com/moriyoshi/mimekit/internal/expand"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/smime"
	"github.com/moriyoshi/mimekit/smime/cms"
)

type Parser struct {
	TrimSize               *int   `yaml:"trim_size" toml:"trim_size"`
	UnknownLength          string `yaml:"unknown_length" toml:"unknown_length"`
	ClosedConnectionBodies bool   `yaml:"closed_connection_bodies" toml:"closed_connection_bodies"`
	BoundaryCleanup        *bool  `yaml:"boundary_cleanup" toml:"boundary_cleanup"`
	TolerantBoundaries     bool   `yaml:"tolerant_boundaries" toml:"tolerant_boundaries"`
	MaxChunkSize           int64  `yaml:"max_chunk_size" toml:"max_chunk_size"`
}

type Formatter struct {
	MIMEVersion            string   `yaml:"mime_version" toml:"mime_version"`
	FoldHeaders            *bool    `yaml:"fold_headers" toml:"fold_headers"`
	HeaderEncoding         string   `yaml:"header_encoding" toml:"header_encoding"`
	AllowBinary            bool     `yaml:"allow_binary" toml:"allow_binary"`
	QuoteBoundary          *bool    `yaml:"quote_boundary" toml:"quote_boundary"`
	ChunkSize              int      `yaml:"chunk_size" toml:"chunk_size"`
	TrailingLineFeeds      *bool    `yaml:"trailing_line_feeds" toml:"trailing_line_feeds"`
	DisableContentEncoding bool     `yaml:"disable_content_encoding" toml:"disable_content_encoding"`
	OptimizeCompression    bool     `yaml:"optimize_compression" toml:"optimize_compression"`
	IgnoredHeaders         []string `yaml:"ignored_headers" toml:"ignored_headers"`
}

type SMIME struct {
	Certificate   string `yaml:"certificate" toml:"certificate"`
	Key           string `yaml:"key" toml:"key"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	Password      string `yaml:"password" toml:"password"`
	TrustBundle   string `yaml:"trust_bundle" toml:"trust_bundle"`
	Digest        string `yaml:"digest" toml:"digest"`
	Encryption    string `yaml:"encryption" toml:"encryption"`
	IncludeChains *bool  `yaml:"include_chains" toml:"include_chains"`
}

type Serve struct {
	Bind            string `yaml:"bind" toml:"bind"`
	BindImplicitTLS string `yaml:"bind_implicit_tls" toml:"bind_implicit_tls"`
	Hostname        string `yaml:"hostname" toml:"hostname"`
	Certificate     string `yaml:"certificate" toml:"certificate"`
	PrivateKey      string `yaml:"private_key" toml:"private_key"`
	VerifySPF       *bool  `yaml:"verify_spf" toml:"verify_spf"`
	VerifyDKIM      *bool  `yaml:"verify_dkim" toml:"verify_dkim"`
	SpoolDir        string `yaml:"spool_dir" toml:"spool_dir"`

	// Relay sends accepted mail on to the MX hosts of its recipients, or
	// to NextHop when one is set.
	Relay              bool   `yaml:"relay" toml:"relay"`
	NextHop            string `yaml:"next_hop" toml:"next_hop"`
	NextHopImplicitTLS bool   `yaml:"next_hop_implicit_tls" toml:"next_hop_implicit_tls"`
}

type Config struct {
	Parser    Parser        `yaml:"parser" toml:"parser"`
	Formatter Formatter     `yaml:"formatter" toml:"formatter"`
	SMIME     SMIME         `yaml:"smime" toml:"smime"`
	Serve     Serve         `yaml:"serve" toml:"serve"`
	Rules     inspect.Rules `yaml:"rules" toml:"rules"`
}

// Load decodes a configuration document. format is "yaml", "yml", "json"
// or "toml".
func Load(b []byte, format string) (*Config, error) {
	var c Config
	switch strings.ToLower(format) {
	case "yaml", "yml", "json":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode configuration: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(b), &c)
		if err != nil {
			return nil, fmt.Errorf("failed to decode configuration: %w", err)
		}
		var unknown []string
		for _, k := range md.Undecoded() {
			// rules decode themselves
			if len(k) > 0 && k[0] == "rules" {
				continue
			}
			unknown = append(unknown, k.String())
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format %q", format)
	}
	c.expand()
	return &c, nil
}

// LoadFile picks the format from the file extension.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Load(b, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) expand() {
	expand.ExpandEnv(
		&c.SMIME.Certificate,
		&c.SMIME.Key,
		&c.SMIME.Keystore,
		&c.SMIME.Password,
		&c.SMIME.TrustBundle,
		&c.Serve.Bind,
		&c.Serve.BindImplicitTLS,
		&c.Serve.Hostname,
		&c.Serve.Certificate,
		&c.Serve.PrivateKey,
		&c.Serve.SpoolDir,
		&c.Serve.NextHop,
	)
}

func (c *Config) ParserOptions() ([]parser.OptionFunc, error) {
	p := c.Parser
	var options []parser.OptionFunc
	if p.TrimSize != nil {
		options = append(options, parser.WithTrimSize(*p.TrimSize))
	}
	if p.UnknownLength != "" {
		policy, err := parser.ParseUnknownLengthPolicy(p.UnknownLength)
		if err != nil {
			return nil, err
		}
		options = append(options, parser.WithUnknownLength(policy))
	}
	if p.ClosedConnectionBodies {
		options = append(options, parser.WithClosedConnectionBodies(true))
	}
	if p.BoundaryCleanup != nil {
		options = append(options, parser.WithBoundaryCleanup(*p.BoundaryCleanup))
	}
	if p.TolerantBoundaries {
		options = append(options, parser.WithTolerantBoundaries(true))
	}
	if p.MaxChunkSize != 0 {
		options = append(options, parser.WithMaxChunkSize(p.MaxChunkSize))
	}
	return options, nil
}

func (c *Config) FormatterOptions() ([]formatter.OptionFunc, error) {
	f := c.Formatter
	var options []formatter.OptionFunc
	if f.MIMEVersion != "" {
		options = append(options, formatter.WithMIMEVersion(f.MIMEVersion))
	}
	if f.FoldHeaders != nil {
		options = append(options, formatter.WithFoldHeaders(*f.FoldHeaders))
	}
	if f.HeaderEncoding != "" {
		enc, ok := header.ParseEncoding(f.HeaderEncoding)
		if !ok {
			return nil, fmt.Errorf("unknown header encoding %q", f.HeaderEncoding)
		}
		options = append(options, formatter.WithHeaderEncoding(enc))
	}
	if f.AllowBinary {
		options = append(options, formatter.WithAllowBinary(true))
	}
	if f.QuoteBoundary != nil {
		options = append(options, formatter.WithQuoteBoundary(*f.QuoteBoundary))
	}
	if f.ChunkSize != 0 {
		options = append(options, formatter.WithChunkSize(f.ChunkSize))
	}
	if f.TrailingLineFeeds != nil {
		options = append(options, formatter.WithMainContentTrailingLineFeeds(*f.TrailingLineFeeds))
	}
	if f.DisableContentEncoding {
		options = append(options, formatter.WithContentEncodingDisabled(true))
	}
	if f.OptimizeCompression {
		options = append(options, formatter.WithOptimizedCompression(true))
	}
	if len(f.IgnoredHeaders) > 0 {
		options = append(options, formatter.WithIgnoredHeaders(f.IgnoredHeaders...))
	}
	return options, nil
}

// Digest returns the configured signature digest, SHA-256 by default.
func (c *Config) Digest() (smime.DigestAlgorithm, error) {
	if c.SMIME.Digest == "" {
		return smime.SHA256, nil
	}
	return smime.ParseDigestAlgorithm(c.SMIME.Digest)
}

// Identity loads the configured key and certificate, from the keystore
// when one is set. ok is false when neither is configured.
func (c *Config) Identity() (id smime.Signer, ok bool, err error) {
	s := c.SMIME
	switch {
	case s.Keystore != "":
		b, err := os.ReadFile(s.Keystore)
		if err != nil {
			return smime.Signer{}, false, err
		}
		id, err = cms.LoadPKCS12(b, s.Password)
		return id, err == nil, err
	case s.Certificate != "":
		key := s.Key
		if key == "" {
			key = s.Certificate
		}
		id, err = cms.LoadPEMFiles(s.Certificate, key)
		return id, err == nil, err
	}
	return smime.Signer{}, false, nil
}

// SMIMEProvider builds the crypto provider the S/MIME section describes.
func (c *Config) SMIMEProvider(options ...cms.OptionFunc) (*cms.Provider, error) {
	s := c.SMIME
	id, ok, err := c.Identity()
	if err != nil {
		return nil, err
	}
	if ok {
		options = append(options, cms.WithIdentity(id))
	}
	if s.TrustBundle != "" {
		b, err := os.ReadFile(s.TrustBundle)
		if err != nil {
			return nil, err
		}
		pool, err := cms.LoadTrustPool(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.TrustBundle, err)
		}
		options = append(options, cms.WithTrustPool(pool))
	}
	if s.Encryption != "" {
		options = append(options, cms.WithEncryptionAlgorithm(s.Encryption))
	}
	if s.IncludeChains != nil {
		options = append(options, cms.WithIncludeChains(*s.IncludeChains))
	}
	return cms.New(options...)
}
