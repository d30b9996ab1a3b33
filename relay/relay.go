// Package relay forwards accepted mail over SMTP, either to a fixed next
// hop or to the MX hosts of each recipient domain.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/types"
)

// Resolver is the part of a DNS resolver the client needs. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Client struct {
	resolver                Resolver
	connTimeout             time.Duration
	logger                  *slog.Logger
	resolutionRetryCount    int
	resolutionRetryInterval time.Duration
	ports                   []int
	hostname                string
	nextHop                 string
	nextHopImplicitTLS      bool
	tlsConfig               *tls.Config

	mu sync.Mutex
	// deliveries per domain and MX host, used to spread equally preferred
	// hosts
	deliveries map[string]map[string]int
}

type hostPrefCount struct {
	host  string
	pref  int
	count int
}

func temporary(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.IsTimeout
	}
	return false
}

func retry[T any](ctx context.Context, c *Client, what string, fn func() (T, error)) (T, error) {
	var zero T
	interval := c.resolutionRetryInterval
	for i := 0; i < c.resolutionRetryCount; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !temporary(err) {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
	}
	return zero, fmt.Errorf("failed to lookup %s: retry count exceeded", what)
}

func (c *Client) lookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return retry(ctx, c, "MX records for "+name, func() ([]*net.MX, error) {
		return c.resolver.LookupMX(ctx, name)
	})
}

func (c *Client) lookupIPAddr(ctx context.Context, name string) ([]net.IPAddr, error) {
	return retry(ctx, c, "A/AAAA records for "+name, func() ([]net.IPAddr, error) {
		return c.resolver.LookupIPAddr(ctx, name)
	})
}

const (
	portSMTP            = 25
	portSMTPImplicitTLS = 465
)

var defaultPorts = [2]int{portSMTP, portSMTPImplicitTLS}

// candidates orders the MX hosts of domain by preference, then by how
// often each has been used.
func (c *Client) candidates(domain string, hosts []*net.MX) []hostPrefCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.deliveries[domain]
	triples := make([]hostPrefCount, len(hosts))
	for i, host := range hosts {
		triples[i] = hostPrefCount{host.Host, int(host.Pref), stats[host.Host]}
	}
	slices.SortStableFunc(triples, func(i, j hostPrefCount) int {
		if i.pref == j.pref {
			return i.count - j.count
		}
		return i.pref - j.pref
	})
	return triples
}

func (c *Client) used(domain, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.deliveries[domain]
	if stats == nil {
		stats = make(map[string]int)
		c.deliveries[domain] = stats
	}
	stats[host]++
}

func (c *Client) connectToHost(ctx context.Context, domain string) (string, net.Conn, error) {
	logger := c.logger.With(slog.String("domain", domain))

	hosts, err := c.lookupMX(ctx, domain)
	if err != nil {
		return "", nil, err
	}

	var conn net.Conn
	var selectedMX, selectedHost string
	var port int
	for _, triple := range c.candidates(domain, hosts) {
		logger := logger.With(slog.String("host", triple.host))
		logger.Debug("looking up host")
		addrs, err := c.lookupIPAddr(ctx, triple.host)
		if err != nil {
			logger.WarnContext(ctx, "failed to lookup host", slog.Any("error", err))
			continue
		}
		attempts := len(addrs) * len(c.ports)
		if attempts == 0 {
			continue
		}
		spreadTimeout := c.connTimeout / time.Duration(attempts)

	outer:
		for _, p := range c.ports {
			for _, addr := range addrs {
				hostPort := net.JoinHostPort(addr.String(), strconv.Itoa(p))
				logger.Debug("connecting to host", slog.String("address", hostPort))
				conn, err = (&net.Dialer{
					Timeout: spreadTimeout,
				}).DialContext(ctx, "tcp", hostPort)
				if err == nil {
					port = p
					break outer
				}
				logger.WarnContext(ctx, "failed to connect", slog.String("address", hostPort), slog.Any("error", err))
			}
		}
		if conn != nil {
			selectedMX = triple.host
			selectedHost = strings.TrimSuffix(triple.host, ".")
			break
		}
	}

	if conn == nil {
		return "", nil, fmt.Errorf("no hosts available for %s", domain)
	}
	c.used(domain, selectedMX)

	// implicit TLS
	if port == portSMTPImplicitTLS {
		tlsConfig := c.tlsConfig.Clone()
		tlsConfig.ServerName = selectedHost
		conn = tls.Client(conn, tlsConfig)
	}

	return selectedHost, conn, nil
}

func (c *Client) dial(ctx context.Context, domain string) (string, net.Conn, error) {
	if c.nextHop == "" {
		return c.connectToHost(ctx, domain)
	}
	conn, err := (&net.Dialer{
		Timeout: c.connTimeout,
	}).DialContext(ctx, "tcp", c.nextHop)
	if err != nil {
		return "", nil, err
	}
	host, _, err := net.SplitHostPort(c.nextHop)
	if err != nil {
		host = c.nextHop
	}
	if c.nextHopImplicitTLS {
		tlsConfig := c.tlsConfig.Clone()
		tlsConfig.ServerName = host
		conn = tls.Client(conn, tlsConfig)
	}
	return host, conn, nil
}

// Send delivers data from sender to recipients, all of which are in domain,
// over a single session.
func (c *Client) Send(ctx context.Context, domain, sender string, recipients []string, data []byte) error {
	logger := c.logger.With(slog.String("domain", domain), slog.String("sender", sender), slog.Any("recipients", recipients))

	host, conn, err := c.dial(ctx, domain)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sc, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer sc.Close()
	if err = sc.Hello(c.hostname); err != nil {
		return err
	}
	if ok, _ := sc.Extension("STARTTLS"); ok {
		logger.Debug("starttls")
		config := c.tlsConfig.Clone()
		config.ServerName = host
		if err = sc.StartTLS(config); err != nil {
			return err
		}
	}
	logger.Debug("mail from")
	if err = sc.Mail(sender); err != nil {
		return err
	}
	logger.Debug("rcpt to")
	for _, rcpt := range recipients {
		if err = sc.Rcpt(rcpt); err != nil {
			return err
		}
	}
	logger.Debug("data")
	w, err := sc.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	logger.Info("mail relayed", slog.String("host", host))
	return sc.Quit()
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

// GroupByDomain groups recipients by the domain part of their address,
// keeping the order in which each domain first appears.
func GroupByDomain(recipients []string) ([]string, map[string][]string) {
	var domains []string
	groups := make(map[string][]string)
	for _, rcpt := range recipients {
		d := domainOf(rcpt)
		if _, ok := groups[d]; !ok {
			domains = append(domains, d)
		}
		groups[d] = append(groups[d], rcpt)
	}
	return domains, groups
}

// Outlet relays accepted mail. With a next hop all recipients share one
// session; otherwise each recipient domain is delivered to separately.
func (c *Client) Outlet() types.Outlet {
	return func(ctx context.Context, m types.Mail, rd *types.ReceptionDescriptor) error {
		if c.nextHop != "" {
			return c.Send(ctx, "", m.Sender(), m.Recipients(), m.Data())
		}
		domains, groups := GroupByDomain(m.Recipients())
		eg, ctx := errgroup.WithContext(ctx)
		for _, d := range domains {
			d := d
			eg.Go(func() error {
				if d == "" {
					return fmt.Errorf("recipients without a domain: %v", groups[d])
				}
				if err := c.Send(ctx, d, m.Sender(), groups[d], m.Data()); err != nil {
					return fmt.Errorf("failed to relay %s to %s: %w", rd.ID, d, err)
				}
				return nil
			})
		}
		return eg.Wait()
	}
}

type OptionFunc func(*Client) error

func WithTLSConfig(config *tls.Config) OptionFunc {
	return func(c *Client) error {
		c.tlsConfig = config
		return nil
	}
}

func WithResolver(resolver Resolver) OptionFunc {
	return func(c *Client) error {
		c.resolver = resolver
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(c *Client) error {
		if logger == nil {
			logger = logging.Discard()
		}
		c.logger = logger
		return nil
	}
}

func WithConnTimeout(timeout time.Duration) OptionFunc {
	return func(c *Client) error {
		c.connTimeout = timeout
		return nil
	}
}

func WithResolutionRetryCount(count int) OptionFunc {
	return func(c *Client) error {
		if count < 1 {
			return fmt.Errorf("invalid retry count: %d", count)
		}
		c.resolutionRetryCount = count
		return nil
	}
}

func WithResolutionRetryInterval(interval time.Duration) OptionFunc {
	return func(c *Client) error {
		c.resolutionRetryInterval = interval
		return nil
	}
}

func WithImplicitTLSEnabled(enabled bool) OptionFunc {
	return func(c *Client) error {
		if enabled {
			c.ports = defaultPorts[:]
		} else {
			c.ports = defaultPorts[:1]
		}
		return nil
	}
}

func WithPorts(ports ...int) OptionFunc {
	return func(c *Client) error {
		c.ports = ports
		return nil
	}
}

func WithNextHop(nextHop string) OptionFunc {
	return func(c *Client) error {
		c.nextHop = nextHop
		return nil
	}
}

func WithNextHopImplicitTLS(enabled bool) OptionFunc {
	return func(c *Client) error {
		c.nextHopImplicitTLS = enabled
		return nil
	}
}

func NewClient(hostname string, options ...OptionFunc) (*Client, error) {
	c := &Client{
		resolver:                &net.Resolver{},
		connTimeout:             5 * time.Second,
		logger:                  logging.Discard(),
		resolutionRetryCount:    3,
		resolutionRetryInterval: 1 * time.Second,
		ports:                   defaultPorts[:1],
		hostname:                hostname,
		tlsConfig:               &tls.Config{},
		deliveries:              make(map[string]map[string]int),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	if c.tlsConfig == nil {
		c.tlsConfig = &tls.Config{}
	}
	if c.hostname == "" {
		c.hostname = "localhost"
	}
	return c, nil
}
