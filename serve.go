// Package mimekit is a mail reception sink built on the mimekit parser:
// it receives mail over SMTP, checks SPF and DKIM, parses each message
// into a part tree, inspects it and hands accepted mail to its outlets.
package mimekit

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/mhale/smtpd"
	"golang.org/x/sync/errgroup"

	"github.com/moriyoshi/mimekit/inspect"
	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/types"
)

const appName = "mimekit"

type serverListenerPair struct {
	s         *smtpd.Server
	readyChan chan *serverListenerPair
	l         net.Listener
}

func (pair *serverListenerPair) Valid() bool {
	return pair.s != nil
}

func (pair *serverListenerPair) Ready() <-chan *serverListenerPair {
	return pair.readyChan
}

func (pair *serverListenerPair) setListener(l net.Listener) {
	pair.l = l
	pair.readyChan <- pair
}

func newServerListenerPair(s *smtpd.Server) serverListenerPair {
	return serverListenerPair{s: s, readyChan: make(chan *serverListenerPair)}
}

type Server struct {
	addr           string
	implicitAddr   string
	appname        string
	hostname       string
	resolver       spf.DNSResolver
	verifySPF      bool
	verifyDKIM     bool
	tlsConfig      *tls.Config
	logger         *slog.Logger
	parser         *parser.Parser
	inspector      *inspect.Inspector
	stampOptions   []inspect.StampOptionFunc
	server         serverListenerPair
	serverImplicit serverListenerPair
	outlets        []types.Outlet
	readyChan      chan struct{}
	seq            atomic.Uint64
}

type OptionFunc func(s *Server) error

func WithHostname(hostname string) OptionFunc {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) OptionFunc {
	return func(s *Server) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithResolver(r spf.DNSResolver) OptionFunc {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

func WithSPFVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifySPF = enabled
		return nil
	}
}

func WithDKIMVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifyDKIM = enabled
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		if logger == nil {
			logger = logging.Discard()
		}
		s.logger = logger
		return nil
	}
}

// WithParser replaces the default parser, which reads bodies without a
// Content-Length up to the end of the DATA payload.
func WithParser(p *parser.Parser) OptionFunc {
	return func(s *Server) error {
		s.parser = p
		return nil
	}
}

func WithInspector(in *inspect.Inspector) OptionFunc {
	return func(s *Server) error {
		s.inspector = in
		return nil
	}
}

// WithStampOptions configures how accepted mail is stamped, e.g. DKIM
// re-signing.
func WithStampOptions(options ...inspect.StampOptionFunc) OptionFunc {
	return func(s *Server) error {
		s.stampOptions = append(s.stampOptions, options...)
		return nil
	}
}

func (s *Server) newSmtpdServerProto(addr string, tlsListener bool) *smtpd.Server {
	return &smtpd.Server{
		Appname:     s.appname,
		Hostname:    s.hostname,
		TLSConfig:   s.tlsConfig,
		Addr:        addr,
		TLSListener: tlsListener,
	}
}

// NewServer creates a sink listening on bind and, when bindImplicitTLS is
// not empty, on an implicit TLS address. Accepted mail is handed to every
// outlet concurrently.
func NewServer(bind, bindImplicitTLS string, outlets []types.Outlet, options ...OptionFunc) (*Server, error) {
	s := &Server{
		addr:         bind,
		implicitAddr: bindImplicitTLS,
		appname:      appName,
		hostname:     "",
		resolver:     &net.Resolver{},
		logger:       logging.Discard(),
		outlets:      outlets,
		readyChan:    make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if s.parser == nil {
		p, err := parser.New(parser.WithLogger(s.logger), parser.WithUnknownLength(parser.UnknownLengthReadAll))
		if err != nil {
			return nil, err
		}
		s.parser = p
	}
	if s.inspector == nil {
		in, err := inspect.New(inspect.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.inspector = in
	}
	s.server = newServerListenerPair(s.newSmtpdServerProto(s.addr, false))
	if s.implicitAddr != "" {
		s.serverImplicit = newServerListenerPair(s.newSmtpdServerProto(s.implicitAddr, true))
	}
	return s, nil
}

func ipPart(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return nil
	}
}

// RejectedError is returned for mail an inspection rule rejected.
type RejectedError struct {
	Verdict inspect.Verdict
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("part %q rejected by rule %s", e.Verdict.Path, e.Verdict.Rule)
}

func (s *Server) nextID() string {
	return fmt.Sprintf("%x.%d", time.Now().UnixNano(), s.seq.Add(1))
}

func (s *Server) verifyDKIMSignatures(ctx context.Context, data []byte) error {
	results, err := dkim.VerifyWithOptions(
		bytes.NewReader(data),
		&dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return s.resolver.LookupTXT(ctx, domain)
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error occurred during DKIM verification: %w", err)
	}
	for _, v := range results {
		if v.Err != nil {
			return fmt.Errorf("DKIM verification failed for %s: %w", v.Domain, v.Err)
		}
	}
	return nil
}

func (s *Server) handlerInner(ctx context.Context, logger *slog.Logger, origin net.Addr, from string, to []string, data []byte) error {
	if s.verifyDKIM {
		if err := s.verifyDKIMSignatures(ctx, data); err != nil {
			return err
		}
	}
	root, err := s.parser.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	report, verdict, err := s.inspector.Inspect(root)
	if err != nil {
		return fmt.Errorf("failed to inspect message: %w", err)
	}
	if !verdict.Accepted() {
		return &RejectedError{Verdict: verdict}
	}

	rd := &types.ReceptionDescriptor{
		SenderHost: origin.String(),
		Host:       s.hostname,
		Protocol:   "ESMTP",
		ID:         s.nextID(),
		Timestamp:  time.Now(),
	}
	var stamped bytes.Buffer
	options := append([]inspect.StampOptionFunc{inspect.WithReception(rd)}, s.stampOptions...)
	if err := inspect.Stamp(&stamped, bytes.NewReader(data), &report, options...); err != nil {
		return fmt.Errorf("failed to stamp message: %w", err)
	}
	logger.Info("message accepted", slog.String("id", rd.ID), slog.Int("parts", len(report.Parts)), slog.String("smime", report.Signed()))

	m := types.NewMail(from, to, stamped.Bytes(), root)
	var eg errgroup.Group
	for _, outlet := range s.outlets {
		eg.Go(func() error {
			return outlet(ctx, m, rd)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to deliver mail: %w", err)
	}
	return nil
}

func (s *Server) rcptHandlerInner(ctx context.Context, logger *slog.Logger, origin net.Addr, from string) error {
	if !s.verifySPF {
		return nil
	}
	result, err := spf.CheckHostWithSender(
		ipPart(origin),
		"",
		from,
		spf.WithResolver(s.resolver),
		spf.WithContext(ctx),
		spf.WithTraceFunc(func(s string, args ...interface{}) {
			logger.Debug("spf trace", slog.String("text", fmt.Sprintf(s, args...)))
		}),
	)
	if err != nil {
		switch err {
		case spf.ErrMatchedAll, spf.ErrMatchedA, spf.ErrMatchedIP, spf.ErrMatchedMX, spf.ErrMatchedPTR, spf.ErrMatchedExists:
		default:
			return fmt.Errorf("error occurred during verifying SPF record: %w", err)
		}
	}
	if result == spf.Fail {
		return fmt.Errorf("SPF fail")
	}
	return nil
}

func (s *Server) handler(ctx context.Context, origin net.Addr, from string, to []string, data []byte) error {
	logger := s.logger.With(slog.String("origin", origin.String()), slog.String("from", from), slog.Any("to", to), slog.Any("size", len(data)))
	err := s.handlerInner(ctx, logger, origin, from, to, data)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			logger.Warn("message rejected", slog.String("path", rejected.Verdict.Path), slog.String("rule", rejected.Verdict.Rule))
		} else {
			logger.Error("failed to handle mail", slog.Any("error", err))
		}
	}
	return err
}

func (s *Server) rcptHandler(ctx context.Context, origin net.Addr, from string, to string) bool {
	logger := s.logger.With(slog.String("origin", origin.String()), slog.String("from", from), slog.String("to", to))
	if err := s.rcptHandlerInner(ctx, logger, origin, from); err != nil {
		logger.Error("recipient refused", slog.Any("error", err))
		return false
	}
	return true
}

func (s *Server) Shutdown(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	if s.server.Valid() {
		s.server.l.Close()
		eg.Go(func() error { return s.server.s.Shutdown(innerCtx) })
	}
	if s.serverImplicit.Valid() {
		s.serverImplicit.l.Close()
		eg.Go(func() error { return s.serverImplicit.s.Shutdown(innerCtx) })
	}
	return eg.Wait()
}

type listenerWithContext struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listenerWithContext) Context() context.Context {
	return l.ctx
}

func (l *listenerWithContext) Close() error {
	err := l.Listener.Close()
	l.cancel()
	return err
}

func (l *listenerWithContext) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			l.cancel()
		}
	}
	return conn, err
}
func (l *listenerWithContext) Addr() net.Addr {
	return l.Listener.Addr()
}

func wrapListener(ctx context.Context, ln net.Listener) *listenerWithContext {
	ctx, cancel := context.WithCancel(ctx)
	inner := &listenerWithContext{
		Listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		inner.Close()
	}()
	return inner
}

func (s *Server) listenAndServe(
	ctx context.Context,
	slp *serverListenerPair,
) error {
	if slp.s.Appname == "" {
		slp.s.Appname = "smtpd"
	}
	if slp.s.Hostname == "" {
		slp.s.Hostname, _ = os.Hostname()
	}
	if slp.s.Timeout == 0 {
		slp.s.Timeout = 5 * time.Minute
	}

	// If TLSListener is enabled, listen for TLS connections only.
	ln, err := net.Listen("tcp", slp.s.Addr)
	if err != nil {
		return err
	}
	ln = wrapListener(ctx, ln)
	if slp.s.TLSConfig != nil && slp.s.TLSListener {
		ln = tls.NewListener(ln, slp.s.TLSConfig)
	}
	slp.s.Handler = func(origin net.Addr, from string, to []string, data []byte) error {
		return s.handler(ctx, origin, from, to, data)
	}
	slp.s.HandlerRcpt = func(origin net.Addr, from string, to string) bool {
		return s.rcptHandler(ctx, origin, from, to)
	}
	slp.setListener(ln)
	return slp.s.Serve(ln)
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

func (s *Server) Serve(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	readyChans := make([]<-chan *serverListenerPair, 0, 2)
	if s.server.Valid() {
		go func() {
			<-innerCtx.Done()
			s.server.l.Close()
		}()
		eg.Go(func() error {
			err := s.listenAndServe(innerCtx, &s.server)
			if err != nil && errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		})
		readyChans = append(readyChans, s.server.Ready())
	}
	if s.serverImplicit.Valid() {
		go func() {
			<-innerCtx.Done()
			s.serverImplicit.l.Close()
		}()
		eg.Go(func() error {
			err := s.listenAndServe(innerCtx, &s.serverImplicit)
			if err != nil && errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		})
		readyChans = append(readyChans, s.serverImplicit.Ready())
	}
	readyServers := make([]*serverListenerPair, 0, 2)
outer:
	for _, readyChan := range readyChans {
		select {
		case <-innerCtx.Done():
			for _, slp := range readyServers {
				err := slp.l.Close()
				if err != nil {
					s.logger.Warn("failed to close listener", slog.Any("error", err))
				}
				// XXX: this may race with Serve()
				err = slp.s.Close()
				if err != nil {
					s.logger.Warn("failed to close server", slog.Any("error", err))
				}
			}
			break outer
		case s := <-readyChan:
			readyServers = append(readyServers, s)
		}
	}
	close(s.readyChan)
	return eg.Wait()
}
