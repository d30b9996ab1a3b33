package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/moriyoshi/mimekit"
	"github.com/moriyoshi/mimekit/inspect"
	"github.com/moriyoshi/mimekit/relay"
	"github.com/moriyoshi/mimekit/types"
)

type ServeCmd struct {
	Bind            string   `name:"bind" help:"Address and port to listen on." env:"MIMEKIT_BIND" optional:""`
	BindImplicitTLS string   `name:"bind-implicit-tls" help:"Address and port to listen on, for implicit TLS." env:"MIMEKIT_BIND_IMPLICIT_TLS" optional:""`
	Certificate     string   `name:"certificate" help:"Path to the certificate file." env:"MIMEKIT_CERTIFICATE" optional:""`
	PrivateKey      string   `name:"private-key" help:"Path to the private key file." env:"MIMEKIT_PRIVATE_KEY" optional:""`
	Passphrase      string   `name:"passphrase" help:"Passphrase for the private key file." env:"MIMEKIT_PASSPHRASE" optional:""`
	Hostname        string   `name:"hostname" help:"Host name to be used in the SMTP banner." env:"MIMEKIT_HOSTNAME" optional:""`
	VerifySpf       bool     `name:"verify-spf" help:"Verify SPF records." env:"MIMEKIT_VERIFY_SPF" default:"true" negatable:""`
	VerifyDKIM      bool     `name:"verify-dkim" help:"Verify DKIM signatures." env:"MIMEKIT_VERIFY_DKIM" default:"true" negatable:""`
	Rules           string   `name:"rules" help:"Inspection rules file, replacing the configured rules." env:"MIMEKIT_RULES" optional:"" type:"existingfile"`
	SpoolDir        string   `name:"spool-dir" help:"Directory accepted mail is written to." env:"MIMEKIT_SPOOL_DIR" optional:""`
	Nameservers     []string `name:"nameservers" help:"DNS server to use for resolving." env:"MIMEKIT_NAMESERVERS"`
	DKIMKey         string   `name:"dkim-key" help:"PEM private key accepted mail is re-signed with." env:"MIMEKIT_DKIM_KEY" optional:"" type:"existingfile"`
	DKIMDomain      string   `name:"dkim-domain" help:"Signing domain for re-signed mail." env:"MIMEKIT_DKIM_DOMAIN" optional:""`
	DKIMSelector    string   `name:"dkim-selector" help:"Selector for re-signed mail." env:"MIMEKIT_DKIM_SELECTOR" default:"mimekit"`

	Relay                 bool          `name:"relay" help:"Relay accepted mail to the MX hosts of its recipients." env:"MIMEKIT_RELAY"`
	NextHop               string        `name:"next-hop" help:"Host name / port pair accepted mail is relayed to." env:"MIMEKIT_NEXT_HOP" optional:""`
	NextHopImplicitTLS    bool          `name:"next-hop-implicit-tls" help:"Use implicit TLS for the next hop." env:"MIMEKIT_NEXT_HOP_IMPLICIT_TLS"`
	CABundle              string        `name:"ca-bundle" help:"Path to the CA bundle file for relaying." env:"MIMEKIT_CA_BUNDLE" optional:"" type:"existingfile"`
	SMTPConnectionTimeout time.Duration `name:"smtp-connection-timeout" help:"Connection timeout for outbound SMTP connections." env:"MIMEKIT_SMTP_CONNECTION_TIMEOUT" default:"60s"`
}

const (
	defaultBind            = "[::0]:60025"
	defaultBindImplicitTLS = "[::0]:60465"
)

func loadServerCertificate(certFile string, keyFile string, passphrase string) (*tls.Config, error) {
	var certPEMBlock, keyPEMBlock *pem.Block

	{
		b, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		for {
			var block *pem.Block
			block, b = pem.Decode(b)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" && certPEMBlock == nil {
				certPEMBlock = block
			}
			if strings.HasSuffix(block.Type, "PRIVATE KEY") {
				keyPEMBlock = block
			}
		}
	}
	if certPEMBlock == nil {
		return nil, fmt.Errorf("no certificate found in %s", certFile)
	}
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		keyPEMBlock, _ = pem.Decode(b)
		if keyPEMBlock == nil || !strings.HasSuffix(keyPEMBlock.Type, "PRIVATE KEY") {
			return nil, fmt.Errorf("no private key found in %s", keyFile)
		}
	} else if keyPEMBlock == nil {
		return nil, fmt.Errorf("no key found in %s and no key file is specified", certFile)
	}

	if passphrase != "" {
		b, err := x509.DecryptPEMBlock(keyPEMBlock, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		keyPEMBlock.Bytes = b
	}
	cert, err := tls.X509KeyPair(pem.EncodeToMemory(certPEMBlock), pem.EncodeToMemory(keyPEMBlock))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadCABundle(certBundle string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	b, err := os.ReadFile(certBundle)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("failed to load CA bundle from %s", certBundle)
	}
	return pool, nil
}

func loadSigningKey(path string) (crypto.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no private key found in %s", path)
	}
	var key interface{}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported key type %T", path, key)
	}
	return signer, nil
}

// nameserverResolver sends every lookup to one of servers, in turn.
func nameserverResolver(servers []string) (*net.Resolver, []string, error) {
	addrs := make([]string, len(servers))
	for i, server := range servers {
		if _, _, err := net.SplitHostPort(server); err == nil {
			addrs[i] = server
			continue
		}
		host, port, err := net.SplitHostPort(server + ":53")
		if err != nil {
			return nil, nil, fmt.Errorf("invalid DNS server address: %s", server)
		}
		addrs[i] = net.JoinHostPort(host, port)
	}
	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			addr := addrs[int(next.Add(1)-1)%len(addrs)]
			return d.DialContext(ctx, network, addr)
		},
	}, addrs, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// enabled turns a check off when either the flag or the configuration
// does.
func enabled(v bool, configured *bool) bool {
	return v && (configured == nil || *configured)
}

func (c *ServeCmd) resolver(logger *slog.Logger) (*net.Resolver, error) {
	if len(c.Nameservers) == 0 {
		return &net.Resolver{}, nil
	}
	res, servers, err := nameserverResolver(c.Nameservers)
	if err != nil {
		return nil, err
	}
	logger.Info("with custom DNS servers", slog.Any("servers", servers))
	return res, nil
}

func (c *ServeCmd) relayClient(e *env, res *net.Resolver) (*relay.Client, error) {
	cfg := e.config.Serve
	nextHop := firstNonEmpty(c.NextHop, cfg.NextHop)
	if nextHop == "" && !c.Relay && !cfg.Relay {
		return nil, nil
	}
	clientTLSConfig := new(tls.Config)
	if c.CABundle != "" {
		e.logger.Info("loading CA bundle", slog.String("path", c.CABundle))
		caPool, err := loadCABundle(c.CABundle)
		if err != nil {
			return nil, err
		}
		clientTLSConfig.RootCAs = caPool
	}
	return relay.NewClient(
		firstNonEmpty(c.Hostname, cfg.Hostname),
		relay.WithLogger(e.logger),
		relay.WithResolver(res),
		relay.WithTLSConfig(clientTLSConfig),
		relay.WithConnTimeout(c.SMTPConnectionTimeout),
		relay.WithNextHop(nextHop),
		relay.WithNextHopImplicitTLS(c.NextHopImplicitTLS || cfg.NextHopImplicitTLS),
	)
}

func (c *ServeCmd) outlets(e *env, res *net.Resolver) ([]types.Outlet, error) {
	outlets := []types.Outlet{mimekit.LogOutlet(e.logger)}
	client, err := c.relayClient(e, res)
	if err != nil {
		return nil, err
	}
	if client != nil {
		outlets = append(outlets, client.Outlet())
	}
	if dir := firstNonEmpty(c.SpoolDir, e.config.Serve.SpoolDir); dir != "" {
		spool, err := mimekit.SpoolOutlet(dir)
		if err != nil {
			return nil, err
		}
		e.logger.Info("spooling accepted mail", slog.String("dir", dir))
		outlets = append(outlets, spool)
	}
	return outlets, nil
}

func (c *ServeCmd) inspector(e *env) (*inspect.Inspector, error) {
	rules := e.config.Rules
	if c.Rules != "" {
		var err error
		if rules, err = inspect.RulesFromYAMLFile(c.Rules); err != nil {
			return nil, err
		}
	}
	return inspect.New(inspect.WithLogger(e.logger), inspect.WithRules(rules))
}

func (c *ServeCmd) stampOptions() ([]inspect.StampOptionFunc, error) {
	if c.DKIMKey == "" {
		return nil, nil
	}
	if c.DKIMDomain == "" {
		return nil, fmt.Errorf("--dkim-domain is required with --dkim-key")
	}
	key, err := loadSigningKey(c.DKIMKey)
	if err != nil {
		return nil, err
	}
	return []inspect.StampOptionFunc{
		inspect.WithDKIMSignOptions(&dkim.SignOptions{
			Domain:   c.DKIMDomain,
			Selector: c.DKIMSelector,
			Signer:   key,
		}),
	}, nil
}

func (c *ServeCmd) server(e *env) (*mimekit.Server, error) {
	cfg := e.config.Serve
	res, err := c.resolver(e.logger)
	if err != nil {
		return nil, err
	}
	provider, err := e.smime()
	if err != nil {
		return nil, err
	}
	p, err := e.parser(provider)
	if err != nil {
		return nil, err
	}
	in, err := c.inspector(e)
	if err != nil {
		return nil, err
	}
	stampOptions, err := c.stampOptions()
	if err != nil {
		return nil, err
	}
	outlets, err := c.outlets(e, res)
	if err != nil {
		return nil, err
	}
	options := []mimekit.OptionFunc{
		mimekit.WithSPFVerification(enabled(c.VerifySpf, cfg.VerifySPF)),
		mimekit.WithDKIMVerification(enabled(c.VerifyDKIM, cfg.VerifyDKIM)),
		mimekit.WithLogger(e.logger),
		mimekit.WithResolver(res),
		mimekit.WithParser(p),
		mimekit.WithInspector(in),
		mimekit.WithStampOptions(stampOptions...),
	}
	if hostname := firstNonEmpty(c.Hostname, cfg.Hostname); hostname != "" {
		options = append(options, mimekit.WithHostname(hostname))
	}
	bindImplicitTLS := ""
	if certFile := firstNonEmpty(c.Certificate, cfg.Certificate); certFile != "" {
		serverTLSConfig, err := loadServerCertificate(certFile, firstNonEmpty(c.PrivateKey, cfg.PrivateKey), c.Passphrase)
		if err != nil {
			return nil, err
		}
		options = append(options, mimekit.WithTLSConfig(serverTLSConfig))
		bindImplicitTLS = firstNonEmpty(c.BindImplicitTLS, cfg.BindImplicitTLS, defaultBindImplicitTLS)
	}
	return mimekit.NewServer(
		firstNonEmpty(c.Bind, cfg.Bind, defaultBind),
		bindImplicitTLS,
		outlets,
		options...,
	)
}

func (c *ServeCmd) Run(ctx context.Context, e *env) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	server, err := c.server(e)
	if err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)
	go func() {
		count := 0
	outer:
		for {
			select {
			case <-ctx.Done():
				break outer
			case <-sigChan:
				count += 1
				if count == 1 {
					e.logger.Info("received SIGINT, shutting down...")
					if err := server.Shutdown(ctx); err != nil {
						e.logger.Error("failed to shut down", slog.Any("error", err))
						cancel()
					}
				} else {
					e.logger.Info("received SIGINT again, forcing shutdown...")
					cancel()
				}
			}
		}
	}()
	return server.Serve(ctx)
}
