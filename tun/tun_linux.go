package tun

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

func setName(cfg *water.Config, name string) {
	cfg.Name = name
}

func configure(name string, mtu int, addresses []netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}

	if mtu > 0 {
		if err = netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("failed to set MTU %d: %w", mtu, err)
		}
	}

	for _, prefix := range addresses {
		addr := &netlink.Addr{
			IPNet: &net.IPNet{
				IP:   prefix.Addr().AsSlice(),
				Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
			},
		}
		if err = netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("failed to add address %s: %w", prefix, err)
		}
	}

	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up link: %w", err)
	}
	return nil
}
