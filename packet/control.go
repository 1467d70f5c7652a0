package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrBadPayload is returned when a control payload is malformed.
var ErrBadPayload = errors.New("bad control payload")

// EchoSize is the size of an echo request or reply payload.
//
//	id (4) + ipv4 (4) + ipv6 (16)
const EchoSize = 4 + 4 + 16

// Echo is the payload of EchoRequest and EchoReply frames.
// IPv4 and IPv6 are the sender's tunnel addresses, unset when not configured.
type Echo struct {
	ID   uint32
	IPv4 netip.Addr
	IPv6 netip.Addr
}

// Append appends the encoded echo to b.
func (e Echo) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, e.ID)
	if e.IPv4.Is4() {
		ip4 := e.IPv4.As4()
		b = append(b, ip4[:]...)
	} else {
		b = append(b, 0, 0, 0, 0)
	}
	if e.IPv6.Is6() && !e.IPv6.Is4In6() {
		ip6 := e.IPv6.As16()
		b = append(b, ip6[:]...)
	} else {
		b = append(b, make([]byte, 16)...)
	}
	return b
}

// ParseEcho parses an echo payload. All-zero addresses are returned unset.
func ParseEcho(b []byte) (Echo, error) {
	if len(b) != EchoSize {
		return Echo{}, fmt.Errorf("%w: echo length %d", ErrBadPayload, len(b))
	}
	e := Echo{ID: binary.BigEndian.Uint32(b)}
	if ip4 := netip.AddrFrom4([4]byte(b[4:8])); !ip4.IsUnspecified() {
		e.IPv4 = ip4
	}
	if ip6 := netip.AddrFrom16([16]byte(b[8:24])); !ip6.IsUnspecified() {
		e.IPv6 = ip6
	}
	return e, nil
}

// RouteAckSize is the size of a route acknowledgement payload.
const RouteAckSize = 2

// AppendRouteAck appends a route acknowledgement for count applied entries to b.
func AppendRouteAck(b []byte, count uint16) []byte {
	return binary.BigEndian.AppendUint16(b, count)
}

// ParseRouteAck parses a route acknowledgement payload.
func ParseRouteAck(b []byte) (uint16, error) {
	if len(b) != RouteAckSize {
		return 0, fmt.Errorf("%w: route ack length %d", ErrBadPayload, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}
