package packet

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotIP is returned when a data packet is neither IPv4 nor IPv6.
var ErrNotIP = errors.New("not an IPv4 or IPv6 packet")

// IPVersion returns the version nibble of an IP packet, or 0 if pkt is empty.
func IPVersion(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	return int(pkt[0] >> 4)
}

// ParseIPAddrs returns the source and destination addresses of an IPv4 or IPv6 packet.
func ParseIPAddrs(pkt []byte) (src, dst netip.Addr, err error) {
	switch IPVersion(pkt) {
	case 4:
		var ip4 layers.IPv4
		if err = ip4.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return
		}
		src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())
		return src, dst, nil
	case 6:
		var ip6 layers.IPv6
		if err = ip6.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return
		}
		src, _ = netip.AddrFromSlice(ip6.SrcIP)
		dst, _ = netip.AddrFromSlice(ip6.DstIP)
		return src, dst, nil
	default:
		return src, dst, ErrNotIP
	}
}
