package conn

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ALongTimeAgo is a non-zero time in the past. Setting it as a read deadline
// unblocks the socket's receive loop.
var ALongTimeAgo = time.Unix(1, 0)

// UDPSocketConfig is the configuration of a tunnel UDP socket.
type UDPSocketConfig struct {
	// Fwmark sets the socket's fwmark on Linux, or user cookie on FreeBSD.
	//
	// Available on Linux and FreeBSD.
	Fwmark int

	// TrafficClass sets the traffic class of outgoing packets.
	// For IPv4 it is the TOS field, for IPv6 the traffic class field.
	TrafficClass int

	// SendBufferSize sets the send buffer size of the socket.
	//
	// Available on POSIX systems.
	SendBufferSize int

	// ReceiveBufferSize sets the receive buffer size of the socket.
	//
	// Available on POSIX systems.
	ReceiveBufferSize int
}

type setFunc = func(fd int, network string) error

type setFuncSlice []setFunc

func (fns setFuncSlice) controlFunc() func(network, address string, c syscall.RawConn) error {
	if len(fns) == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) (err error) {
		if cerr := c.Control(func(fd uintptr) {
			for _, fn := range fns {
				if err = fn(int(fd), network); err != nil {
					return
				}
			}
		}); cerr != nil {
			return cerr
		}
		return
	}
}

// Listen wraps [net.ListenConfig.ListenPacket] and applies the socket options.
func (cfg UDPSocketConfig) Listen(ctx context.Context, network, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: cfg.buildSetFns().controlFunc(),
	}

	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	uc := pc.(*net.UDPConn)

	if cfg.TrafficClass != 0 {
		if err = setTrafficClass(uc, cfg.TrafficClass); err != nil {
			uc.Close()
			return nil, err
		}
	}

	return uc, nil
}

// setTrafficClass sets IP_TOS on IPv4 sockets, and IPV6_TCLASS plus a best-effort IP_TOS on IPv6 sockets.
func setTrafficClass(uc *net.UDPConn, trafficClass int) error {
	if laddr := uc.LocalAddr().(*net.UDPAddr); laddr.IP.To4() != nil {
		if err := ipv4.NewConn(uc).SetTOS(trafficClass); err != nil {
			return fmt.Errorf("failed to set IPv4 TOS: %w", err)
		}
		return nil
	}

	if err := ipv6.NewConn(uc).SetTrafficClass(trafficClass); err != nil {
		return fmt.Errorf("failed to set IPv6 traffic class: %w", err)
	}
	_ = ipv4.NewConn(uc).SetTOS(trafficClass)
	return nil
}
