package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrDenied = errors.New("destination denied")

// DestinationPolicy controls which UDP destinations the relay may send to.
//
// Evaluation order:
//  1. Default private/special-range denies (when AllowPrivateNetworks=false)
//  2. Prefix denylist
//  3. Prefix allowlist (if configured), otherwise DefaultAllow
//
// Deny rules always override allow rules.
type DestinationPolicy struct {
	// Preset names the base policy ("prod" or "dev").
	Preset string

	DefaultAllow         bool
	AllowPrivateNetworks bool

	AllowPrefixes []netip.Prefix
	DenyPrefixes  []netip.Prefix
}

func NewProductionDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{
		Preset:               "prod",
		DefaultAllow:         false,
		AllowPrivateNetworks: false,
	}
}

func NewDevDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{
		Preset:               "dev",
		DefaultAllow:         true,
		AllowPrivateNetworks: true,
	}
}

// New builds a policy from a preset name ("dev" or "prod") plus optional
// comma-separated CIDR lists.
func New(preset, allowCIDRs, denyCIDRs string) (*DestinationPolicy, error) {
	var p *DestinationPolicy
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "", "prod", "production":
		p = NewProductionDestinationPolicy()
	case "dev", "development":
		p = NewDevDestinationPolicy()
	default:
		return nil, fmt.Errorf("destination policy: unknown preset %q", preset)
	}

	allow, err := parsePrefixList(allowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("destination policy: invalid allow list: %w", err)
	}
	deny, err := parsePrefixList(denyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("destination policy: invalid deny list: %w", err)
	}
	p.AllowPrefixes = allow
	p.DenyPrefixes = deny
	return p, nil
}

// AllowUDP returns nil when dst may receive a datagram, or an error wrapping
// ErrDenied.
func (p *DestinationPolicy) AllowUDP(dst netip.AddrPort) error {
	if p == nil {
		return fmt.Errorf("%w: no policy configured", ErrDenied)
	}
	if !dst.IsValid() || dst.Port() == 0 {
		return fmt.Errorf("%w: invalid destination %s", ErrDenied, dst)
	}
	ip := dst.Addr().Unmap()

	if !p.AllowPrivateNetworks && inPrefixes(ip, defaultDeniedPrefixes) {
		return fmt.Errorf("%w: %s is a private or special range", ErrDenied, ip)
	}
	if inPrefixes(ip, p.DenyPrefixes) {
		return fmt.Errorf("%w: %s matches deny list", ErrDenied, ip)
	}
	if len(p.AllowPrefixes) > 0 {
		if inPrefixes(ip, p.AllowPrefixes) {
			return nil
		}
		return fmt.Errorf("%w: %s not in allow list", ErrDenied, ip)
	}
	if p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("%w: %s denied by default", ErrDenied, ip)
}

func inPrefixes(ip netip.Addr, prefixes []netip.Prefix) bool {
	for _, pfx := range prefixes {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

func parsePrefixList(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, err
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

var defaultDeniedPrefixes = []netip.Prefix{
	// loopback
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	// link-local
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	// RFC1918 / ULA
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	// CGNAT
	netip.MustParsePrefix("100.64.0.0/10"),
	// multicast
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("ff00::/8"),
	// reserved, broadcast, unspecified
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
}
