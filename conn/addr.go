package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Addr is a port number combined with either an IP address or a domain name.
//
// The zero value is not a valid address.
type Addr struct {
	ip     netip.Addr
	domain string
	port   uint16
}

// IsValid returns whether the address is an initialized address (not a zero value).
func (a Addr) IsValid() bool {
	return a.ip.IsValid() || a.domain != ""
}

// IsIP returns whether the address is an IP address.
func (a Addr) IsIP() bool {
	return a.ip.IsValid()
}

// IsDomain returns whether the address is a domain name.
func (a Addr) IsDomain() bool {
	return a.domain != ""
}

// Port returns the port number.
func (a Addr) Port() uint16 {
	return a.port
}

// IPPort returns a netip.AddrPort.
//
// If the address is a domain name or zero value, this method panics.
func (a Addr) IPPort() netip.AddrPort {
	if !a.ip.IsValid() {
		panic("IPPort() called on non-IP address")
	}
	return netip.AddrPortFrom(a.ip, a.port)
}

// ResolveIP resolves a domain name string into an IP address.
//
// This function always returns the first IP address returned by the resolver,
// because the resolver takes care of sorting the IP addresses by address family
// availability and preference.
//
// String representations of IP addresses are not supported.
func ResolveIP(ctx context.Context, network, host string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return ips[0].Unmap(), nil
}

// ResolveIPPort returns the IP address itself or the resolved IP address of the domain name
// and the port number as a [netip.AddrPort].
//
// network is "ip", "ip4" or "ip6". If the address is zero value, this method panics.
func (a Addr) ResolveIPPort(ctx context.Context, network string) (netip.AddrPort, error) {
	switch {
	case a.ip.IsValid():
		return netip.AddrPortFrom(a.ip, a.port), nil
	case a.domain != "":
		ip, err := ResolveIP(ctx, network, a.domain)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(ip, a.port), nil
	default:
		panic("ResolveIPPort() called on zero value")
	}
}

// DefaultResolveRetryInterval is the interval between attempts in [Addr.WaitResolveIPPort].
const DefaultResolveRetryInterval = time.Second

// WaitResolveIPPort calls [Addr.ResolveIPPort] until it succeeds or ctx is done.
// onError, if not nil, is called with every failed attempt's error.
func (a Addr) WaitResolveIPPort(ctx context.Context, network string, interval time.Duration, onError func(error)) (netip.AddrPort, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		addrPort, err := a.ResolveIPPort(ctx, network)
		if err == nil {
			return addrPort, nil
		}
		if onError != nil {
			onError(err)
		}

		select {
		case <-ctx.Done():
			return netip.AddrPort{}, errors.Join(err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Host returns the string representation of the IP address or the domain name.
//
// If the address is zero value, this method panics.
func (a Addr) Host() string {
	switch {
	case a.ip.IsValid():
		return a.ip.String()
	case a.domain != "":
		return a.domain
	default:
		panic("Host() called on zero value")
	}
}

// String returns the string representation of the address.
//
// If the address is zero value, an empty string is returned.
func (a Addr) String() string {
	return string(a.AppendTo(nil))
}

// AppendTo appends the string representation of the address to the provided buffer.
//
// If the address is zero value, nothing is appended.
func (a Addr) AppendTo(b []byte) []byte {
	switch {
	case a.ip.IsValid():
		return netip.AddrPortFrom(a.ip, a.port).AppendTo(b)
	case a.domain != "":
		b = append(b, a.domain...)
		b = append(b, ':')
		return strconv.AppendUint(b, uint64(a.port), 10)
	default:
		return b
	}
}

// MarshalText implements the encoding.TextMarshaler MarshalText method.
func (a Addr) MarshalText() ([]byte, error) {
	return a.AppendTo(nil), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler UnmarshalText method.
func (a *Addr) UnmarshalText(text []byte) error {
	addr, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// AddrFromIPPort returns an Addr from the provided netip.AddrPort.
func AddrFromIPPort(addrPort netip.AddrPort) Addr {
	return Addr{ip: addrPort.Addr(), port: addrPort.Port()}
}

// AddrFromDomainPort returns an Addr from the provided domain name and port number.
func AddrFromDomainPort(domain string, port uint16) (Addr, error) {
	if len(domain) == 0 || len(domain) > 255 {
		return Addr{}, fmt.Errorf("length of domain %s out of range [1, 255]", domain)
	}
	return Addr{domain: domain, port: port}, nil
}

// MustAddrFromDomainPort calls [AddrFromDomainPort] and panics on error.
func MustAddrFromDomainPort(domain string, port uint16) Addr {
	addr, err := AddrFromDomainPort(domain, port)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddrFromHostPort returns an Addr from the provided host string and port number.
// The host string may be a string representation of an IP address or a domain name.
func AddrFromHostPort(host string, port uint16) (Addr, error) {
	if host == "" {
		host = "::"
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return Addr{ip: ip, port: port}, nil
	}

	return AddrFromDomainPort(host, port)
}

// ParseAddr parses the provided string representation of an address
// and returns the parsed address or an error.
func ParseAddr(s string) (Addr, error) {
	host, portString, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}

	portNumber, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("failed to parse port string: %w", err)
	}
	port := uint16(portNumber)

	return AddrFromHostPort(host, port)
}

// AddrPortMappedEqual returns whether the two addresses point to the same endpoint.
// An IPv4 address and an IPv4-mapped IPv6 address pointing to the same endpoint are considered equal.
// For example, 1.1.1.1:53 and [::ffff:1.1.1.1]:53 are considered equal.
func AddrPortMappedEqual(l, r netip.AddrPort) bool {
	return l.Port() == r.Port() && l.Addr().Unmap() == r.Addr().Unmap()
}
