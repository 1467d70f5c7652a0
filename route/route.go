// Package route defines route entries, their wire encoding in route advertisements,
// the installer that applies them to the host, and the forwarding table of a server.
package route

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Entry is a route announced through the tunnel.
type Entry struct {
	// Prefix is the destination network.
	Prefix netip.Prefix

	// Gateway is the tunnel address of the peer that serves Prefix.
	// It is unset when the route points at the tunnel device itself.
	Gateway netip.Addr

	// Metric is the route priority. 0 means the system default.
	Metric uint32

	// Table is the routing table ID. 0 means the main table.
	Table uint32
}

// ParseEntry parses a route in the form "network/prefix[=gateway]".
func ParseEntry(s string) (Entry, error) {
	prefixString, gatewayString, hasGateway := strings.Cut(s, "=")

	prefix, err := netip.ParsePrefix(prefixString)
	if err != nil {
		return Entry{}, fmt.Errorf("bad route %q: %w", s, err)
	}

	e := Entry{Prefix: prefix.Masked()}

	if hasGateway {
		gw, err := netip.ParseAddr(gatewayString)
		if err != nil {
			return Entry{}, fmt.Errorf("bad route gateway %q: %w", s, err)
		}
		e.Gateway = gw.Unmap()
		if e.Gateway.Is4() != e.Prefix.Addr().Is4() {
			return Entry{}, fmt.Errorf("bad route %q: gateway address family does not match network", s)
		}
	}

	return e, nil
}

// String returns the route in the form accepted by [ParseEntry].
func (e Entry) String() string {
	if !e.Gateway.IsValid() {
		return e.Prefix.String()
	}
	return e.Prefix.String() + "=" + e.Gateway.String()
}

// MarshalText implements [encoding.TextMarshaler].
func (e Entry) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (e *Entry) UnmarshalText(text []byte) error {
	entry, err := ParseEntry(string(text))
	if err != nil {
		return err
	}
	*e = entry
	return nil
}

// ErrBadEntry is returned when an encoded route entry is malformed.
var ErrBadEntry = errors.New("bad route entry")

const (
	familyNone = 0
	family4    = 4
	family6    = 6
)

func addrFamily(addr netip.Addr) byte {
	switch {
	case !addr.IsValid():
		return familyNone
	case addr.Is4():
		return family4
	default:
		return family6
	}
}

func familyLen(family byte) (int, bool) {
	switch family {
	case familyNone:
		return 0, true
	case family4:
		return 4, true
	case family6:
		return 16, true
	default:
		return 0, false
	}
}

// EncodedSize returns the size of the entry in a route advertisement.
//
//	family (1) + prefix length (1) + addr (4|16) + gateway family (1) + gateway (0|4|16) + metric (4) + table (4)
func (e Entry) EncodedSize() int {
	n := 1 + 1 + e.Prefix.Addr().BitLen()/8 + 1 + 4 + 4
	if e.Gateway.IsValid() {
		n += e.Gateway.BitLen() / 8
	}
	return n
}

// Append appends the encoded entry to b.
func (e Entry) Append(b []byte) []byte {
	addr := e.Prefix.Addr()
	b = append(b, addrFamily(addr), byte(e.Prefix.Bits()))
	b = append(b, addr.AsSlice()...)
	b = append(b, addrFamily(e.Gateway))
	if e.Gateway.IsValid() {
		b = append(b, e.Gateway.AsSlice()...)
	}
	b = binary.BigEndian.AppendUint32(b, e.Metric)
	return binary.BigEndian.AppendUint32(b, e.Table)
}

// ParseEntries parses a route advertisement payload.
func ParseEntries(b []byte) ([]Entry, error) {
	var entries []Entry

	for len(b) > 0 {
		e, n, err := parseEntry(b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		b = b[n:]
	}

	return entries, nil
}

func parseEntry(b []byte) (Entry, int, error) {
	if len(b) < 2 {
		return Entry{}, 0, fmt.Errorf("%w: truncated header", ErrBadEntry)
	}
	family, bits := b[0], int(b[1])
	addrLen, ok := familyLen(family)
	if !ok || family == familyNone {
		return Entry{}, 0, fmt.Errorf("%w: address family %d", ErrBadEntry, family)
	}
	if bits > addrLen*8 {
		return Entry{}, 0, fmt.Errorf("%w: prefix length %d", ErrBadEntry, bits)
	}
	off := 2
	if len(b) < off+addrLen+1 {
		return Entry{}, 0, fmt.Errorf("%w: truncated address", ErrBadEntry)
	}
	addr, _ := netip.AddrFromSlice(b[off : off+addrLen])
	off += addrLen

	gwFamily := b[off]
	off++
	gwLen, ok := familyLen(gwFamily)
	if !ok {
		return Entry{}, 0, fmt.Errorf("%w: gateway address family %d", ErrBadEntry, gwFamily)
	}
	if len(b) < off+gwLen+8 {
		return Entry{}, 0, fmt.Errorf("%w: truncated gateway or attributes", ErrBadEntry)
	}

	e := Entry{Prefix: netip.PrefixFrom(addr, bits).Masked()}
	if gwLen > 0 {
		e.Gateway, _ = netip.AddrFromSlice(b[off : off+gwLen])
		off += gwLen
	}
	e.Metric = binary.BigEndian.Uint32(b[off:])
	e.Table = binary.BigEndian.Uint32(b[off+4:])
	off += 8

	return e, off, nil
}

// SplitAdvertisements encodes entries into payloads no larger than maxPayloadSize.
// It returns no payloads when entries is empty.
func SplitAdvertisements(entries []Entry, maxPayloadSize int) ([][]byte, error) {
	var (
		payloads [][]byte
		current  []byte
	)

	for _, e := range entries {
		size := e.EncodedSize()
		if size > maxPayloadSize {
			return nil, fmt.Errorf("route %s does not fit in payload size %d", e, maxPayloadSize)
		}
		if len(current)+size > maxPayloadSize {
			payloads = append(payloads, current)
			current = nil
		}
		current = e.Append(current)
	}

	if len(current) > 0 {
		payloads = append(payloads, current)
	}
	return payloads, nil
}
