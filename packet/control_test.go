package packet

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestEcho(t *testing.T) {
	for _, c := range []struct {
		name string
		echo Echo
	}{
		{"Empty", Echo{ID: 1}},
		{"IPv4", Echo{ID: 0xdeadbeef, IPv4: netip.MustParseAddr("10.7.0.2")}},
		{"IPv6", Echo{ID: 2, IPv6: netip.MustParseAddr("fd00::2")}},
		{"DualStack", Echo{ID: 3, IPv4: netip.MustParseAddr("10.7.0.2"), IPv6: netip.MustParseAddr("fd00::2")}},
	} {
		t.Run(c.name, func(t *testing.T) {
			b := c.echo.Append(nil)
			if len(b) != EchoSize {
				t.Fatalf("len(b) = %d, want %d", len(b), EchoSize)
			}
			got, err := ParseEcho(b)
			if err != nil {
				t.Fatalf("ParseEcho failed: %v", err)
			}
			if got != c.echo {
				t.Errorf("ParseEcho = %+v, want %+v", got, c.echo)
			}
		})
	}

	if _, err := ParseEcho(make([]byte, EchoSize-1)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("ParseEcho(short) got %v, want %v", err, ErrBadPayload)
	}
}

func TestRouteAck(t *testing.T) {
	count, err := ParseRouteAck(AppendRouteAck(nil, 513))
	if err != nil {
		t.Fatalf("ParseRouteAck failed: %v", err)
	}
	if count != 513 {
		t.Errorf("count = %d, want 513", count)
	}
	if _, err = ParseRouteAck([]byte{1}); !errors.Is(err, ErrBadPayload) {
		t.Errorf("ParseRouteAck(short) got %v, want %v", err, ErrBadPayload)
	}
}

func serializeIPPacket(t *testing.T, network gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, gopacket.Payload("hello")); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func TestParseIPAddrs(t *testing.T) {
	ip4 := serializeIPPacket(t, &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 7, 0, 2),
		DstIP:    net.IPv4(10, 7, 0, 1),
	})
	ip6 := serializeIPPacket(t, &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fd00::2"),
		DstIP:      net.ParseIP("fd00::1"),
	})

	for _, c := range []struct {
		name    string
		pkt     []byte
		src     netip.Addr
		dst     netip.Addr
		wantErr bool
	}{
		{"IPv4", ip4, netip.MustParseAddr("10.7.0.2"), netip.MustParseAddr("10.7.0.1"), false},
		{"IPv6", ip6, netip.MustParseAddr("fd00::2"), netip.MustParseAddr("fd00::1"), false},
		{"Empty", nil, netip.Addr{}, netip.Addr{}, true},
		{"Version5", []byte{0x50, 0, 0, 0}, netip.Addr{}, netip.Addr{}, true},
		{"TruncatedIPv4", ip4[:10], netip.Addr{}, netip.Addr{}, true},
	} {
		t.Run(c.name, func(t *testing.T) {
			src, dst, err := ParseIPAddrs(c.pkt)
			if (err != nil) != c.wantErr {
				t.Fatalf("ParseIPAddrs error = %v, wantErr %v", err, c.wantErr)
			}
			if src != c.src || dst != c.dst {
				t.Errorf("ParseIPAddrs = %v -> %v, want %v -> %v", src, dst, c.src, c.dst)
			}
		})
	}
}
