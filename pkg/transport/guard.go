package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// metadataIP is the cloud instance metadata endpoint.
var metadataIP = net.ParseIP("169.254.169.254")

// GuardConfig restricts which agent runtimes a transport may reach.
type GuardConfig struct {
	// AllowedHosts limits runtimes to these hostnames; empty allows any host
	AllowedHosts []string
	// BlockPrivate rejects RFC1918 addresses. Runtimes usually live on a
	// private network, so this is off unless asked for.
	BlockPrivate bool
	// BlockLoopback rejects localhost runtimes
	BlockLoopback bool
}

// RuntimeGuard validates runtime URLs and the addresses they resolve to.
// Link-local, multicast and metadata addresses are always rejected.
type RuntimeGuard struct {
	cfg     GuardConfig
	allowed map[string]bool
	lookup  func(host string) ([]net.IP, error)
}

// NewRuntimeGuard creates a guard for cfg.
func NewRuntimeGuard(cfg GuardConfig) *RuntimeGuard {
	g := &RuntimeGuard{cfg: cfg, allowed: make(map[string]bool), lookup: net.LookupIP}
	for _, h := range cfg.AllowedHosts {
		g.allowed[strings.ToLower(h)] = true
	}
	return g
}

// ValidateURL checks a runtime base URL before any request is made.
func (g *RuntimeGuard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid runtime URL: %w", err)
	}
	if !slices.Contains([]string{"http", "https"}, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("runtime URL scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("runtime URL %q has no host", rawURL)
	}
	return g.validateHost(u.Hostname())
}

func (g *RuntimeGuard) validateHost(host string) error {
	if len(g.allowed) > 0 && !g.allowed[strings.ToLower(host)] {
		return fmt.Errorf("runtime host %s not in allowlist", host)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := g.lookup(host)
		if err != nil {
			return fmt.Errorf("resolve runtime host %s: %w", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if err := g.validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func (g *RuntimeGuard) validateIP(ip net.IP) error {
	switch {
	case ip.Equal(metadataIP):
		return fmt.Errorf("metadata address %s blocked", ip)
	case ip.IsLoopback():
		if g.cfg.BlockLoopback {
			return fmt.Errorf("loopback address %s blocked", ip)
		}
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s blocked", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast address %s blocked", ip)
	case ip.IsPrivate():
		if g.cfg.BlockPrivate {
			return fmt.Errorf("private address %s blocked", ip)
		}
	}
	return nil
}

// HTTPClient returns a streaming client that re-validates every dialled
// address, so DNS changes after ValidateURL cannot redirect a turn.
func (g *RuntimeGuard) HTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					host = addr
				}
				if err := g.validateHost(host); err != nil {
					return nil, fmt.Errorf("connection blocked: %w", err)
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// NewGuardedSSETransport validates baseURL and returns a transport whose
// connections are checked by g.
func NewGuardedSSETransport(baseURL string, g *RuntimeGuard, opts ...SSEOption) (*SSETransport, error) {
	if err := g.ValidateURL(baseURL); err != nil {
		return nil, err
	}
	opts = append([]SSEOption{WithHTTPClient(g.HTTPClient())}, opts...)
	return NewSSETransport(baseURL, opts...), nil
}
