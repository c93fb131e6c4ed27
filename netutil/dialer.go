// Package netutil holds the network plumbing behind the http_request host
// function: a grant-scoped dialer, bounded readers and a retrying transport.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Dialer connects only to hosts accepted by Allow. Each host is resolved
// once and the address pinned for CacheTTL so later lookups cannot
// redirect it.
type Dialer struct {
	// Allow decides whether host:port may be dialed. A nil Allow denies everything.
	Allow func(host, port string) bool

	// OnBlocked is called when a connection is refused.
	OnBlocked func(addr string, reason string)

	// Resolver is an optional custom DNS resolver.
	Resolver *net.Resolver

	// Timeout is the dial timeout. Default: 30s.
	Timeout time.Duration

	// CacheTTL is how long resolved addresses stay pinned. Default: 5min.
	CacheTTL time.Duration

	// AllowPrivateNetwork permits loopback, private and link-local targets.
	AllowPrivateNetwork bool

	mu    sync.RWMutex
	cache map[string]pinnedEntry
}

type pinnedEntry struct {
	ip        net.IP
	timestamp time.Time
}

// DialContext checks the allowlist, resolves and validates the target and connects.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	if d.Allow == nil || !d.Allow(host, port) {
		return nil, d.blocked(addr, "host is not granted")
	}

	if ip, ok := d.getCached(host); ok {
		return d.dialIP(ctx, network, ip, port)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if ip, err = d.resolve(ctx, host); err != nil {
			return nil, err
		}
	}
	if reason := d.rejectIP(ip); reason != "" {
		return nil, d.blocked(addr, reason)
	}
	d.cacheIP(host, ip)
	return d.dialIP(ctx, network, ip, port)
}

func (d *Dialer) resolve(ctx context.Context, host string) (net.IP, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}
	// prefer IPv4
	for _, ipAddr := range ips {
		if ipAddr.IP.To4() != nil {
			return ipAddr.IP, nil
		}
	}
	return ips[0].IP, nil
}

func (d *Dialer) rejectIP(ip net.IP) string {
	if d.AllowPrivateNetwork {
		return ""
	}
	switch {
	case ip.IsLoopback():
		return "loopback addresses are blocked"
	case ip.IsPrivate():
		return "private addresses are blocked"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local addresses are blocked"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	return ""
}

func (d *Dialer) blocked(addr, reason string) error {
	if d.OnBlocked != nil {
		d.OnBlocked(addr, reason)
	}
	return &DialBlockedError{Address: addr, Reason: reason}
}

func (d *Dialer) getCached(host string) (net.IP, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.cache[host]
	if !ok {
		return nil, false
	}
	ttl := d.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if time.Since(entry.timestamp) >= ttl {
		return nil, false
	}
	return entry.ip, true
}

func (d *Dialer) cacheIP(host string, ip net.IP) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cache == nil {
		d.cache = make(map[string]pinnedEntry)
	}
	d.cache[host] = pinnedEntry{ip: ip, timestamp: time.Now()}
}

func (d *Dialer) dialIP(ctx context.Context, network string, ip net.IP, port string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// DialBlockedError is returned when a connection is refused before dialing.
type DialBlockedError struct {
	Address string
	Reason  string
}

func (e *DialBlockedError) Error() string {
	return fmt.Sprintf("connection to %s blocked: %s", e.Address, e.Reason)
}

// IsDialBlockedError reports whether err is a DialBlockedError.
func IsDialBlockedError(err error) bool {
	var blocked *DialBlockedError
	return errors.As(err, &blocked)
}
