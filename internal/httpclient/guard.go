package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

// Guard sentinel errors.
var (
	ErrBlockedScheme  = errors.New("URL scheme not allowed")
	ErrBlockedHost    = errors.New("host not allowed")
	ErrBlockedAddress = errors.New("address in a private or reserved range")
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"metadata.google.internal": true,
}

// Reserved and private ranges never dialled unless explicitly allowed.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard keeps outbound connections away from loopback, private and reserved
// addresses. Hostnames are resolved exactly once per dial and the connection
// is made to the address that was checked, so a second DNS answer cannot
// redirect it.
type Guard struct {
	allowed  []netip.Prefix
	resolver Resolver
	dialer   *net.Dialer
}

// NewGuard returns a guard. allowed lists operator-approved exceptions
// (a LAN mirror, say). A nil resolver uses net.DefaultResolver.
func NewGuard(allowed []netip.Prefix, resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{
		allowed:  allowed,
		resolver: resolver,
		dialer:   &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second},
	}
}

// ParsePrefixes parses CIDR strings for NewGuard.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parse allowed network %q: %w", c, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Blocked reports whether addr may not be dialled.
func (g *Guard) Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.allowed {
		if p.Contains(addr) {
			return false
		}
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckURL rejects non-http(s) schemes, blocked hostnames and literal
// addresses in blocked ranges. It does not resolve names; DialContext does.
func (g *Guard) CheckURL(u *url.URL) error {
	const op = "httpclient.CheckURL"

	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Wrap(apperrors.UpstreamTerminal, op, fmt.Errorf("%w: %q", ErrBlockedScheme, u.Scheme))
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || blockedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return apperrors.Wrap(apperrors.UpstreamTerminal, op, ErrBlockedHost)
	}
	if addr, err := netip.ParseAddr(host); err == nil && g.Blocked(addr) {
		return apperrors.Wrap(apperrors.UpstreamTerminal, op, ErrBlockedAddress)
	}
	return nil
}

// DialContext resolves host once and refuses the dial if any answer is
// blocked. Otherwise it dials the checked answers in order until one connects.
// Resolution failures are terminal.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	const op = "httpclient.DialContext"

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
	}
	for _, addr := range addrs {
		if g.Blocked(addr) {
			return nil, apperrors.Wrap(apperrors.UpstreamTerminal, op, fmt.Errorf("%w: %s", ErrBlockedAddress, host))
		}
	}

	var errs []error
	for _, addr := range addrs {
		addr = addr.Unmap()
		if (network == "tcp4" && !addr.Is4()) || (network == "tcp6" && !addr.Is6()) {
			continue
		}
		conn, dialErr := g.dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		errs = append(errs, dialErr)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, apperrors.Wrap(apperrors.UpstreamTerminal, op, fmt.Errorf("resolve %s: no %s addresses", host, network))
	}
	return nil, errors.Join(errs...)
}

// lookup returns host itself when it is an IP literal, otherwise every
// address it resolves to.
func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs, nil
}
