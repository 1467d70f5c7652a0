package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/pion/stun/v3"
)

const (
	// DefaultSTUNAttempts is the number of binding requests sent by [DiscoverReflexiveAddr].
	DefaultSTUNAttempts = 3

	// DefaultSTUNAttemptTimeout is how long [DiscoverReflexiveAddr] waits for each response.
	DefaultSTUNAttemptTimeout = 500 * time.Millisecond
)

var ErrNoMappedAddress = errors.New("STUN response has no mapped address")

// DiscoverReflexiveAddr sends STUN binding requests from uc to server and returns the
// reflexive address of uc as seen by the server.
//
// It reads from uc, so it must not be called while another goroutine is reading from uc.
// The read deadline of uc is cleared on return.
func DiscoverReflexiveAddr(ctx context.Context, uc *net.UDPConn, server netip.AddrPort) (netip.AddrPort, error) {
	defer uc.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		uc.SetReadDeadline(conn.ALongTimeAgo)
	})
	defer stop()

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	buf := make([]byte, 1500)

	var lastErr error
	for range DefaultSTUNAttempts {
		if _, err := uc.WriteToUDPAddrPort(req.Raw, server); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to send STUN binding request: %w", err)
		}
		if err := uc.SetReadDeadline(time.Now().Add(DefaultSTUNAttemptTimeout)); err != nil {
			return netip.AddrPort{}, err
		}

		addr, err := readBindingResponse(uc, buf, req.TransactionID, server)
		if err == nil {
			return addr, nil
		}
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		lastErr = err
	}

	return netip.AddrPort{}, fmt.Errorf("STUN binding request to %s failed: %w", server, lastErr)
}

func readBindingResponse(uc *net.UDPConn, buf []byte, txID [stun.TransactionIDSize]byte, server netip.AddrPort) (netip.AddrPort, error) {
	for {
		n, from, err := uc.ReadFromUDPAddrPort(buf)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if !conn.AddrPortMappedEqual(from, server) || !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err = res.Decode(); err != nil || res.TransactionID != txID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return netip.AddrPort{}, fmt.Errorf("unexpected STUN response type %s", res.Type)
		}

		var xorAddr stun.XORMappedAddress
		if err = xorAddr.GetFrom(res); err == nil {
			return addrPortFromIP(xorAddr.IP, xorAddr.Port)
		}
		var mappedAddr stun.MappedAddress
		if err = mappedAddr.GetFrom(res); err == nil {
			return addrPortFromIP(mappedAddr.IP, mappedAddr.Port)
		}
		return netip.AddrPort{}, ErrNoMappedAddress
	}
}

func addrPortFromIP(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, ErrNoMappedAddress
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
