package route

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkInstaller installs routes through the tunnel device using netlink.
type NetlinkInstaller struct {
	linkName string
}

// NewInstaller returns an installer for routes via the named link.
func NewInstaller(linkName string) Installer {
	return &NetlinkInstaller{linkName: linkName}
}

func (i *NetlinkInstaller) route(e Entry) (*netlink.Route, error) {
	link, err := netlink.LinkByName(i.linkName)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %q: %w", i.linkName, err)
	}

	addr := e.Prefix.Addr()
	family := netlink.FAMILY_V4
	if addr.Is6() {
		family = netlink.FAMILY_V6
	}

	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     netlink.SCOPE_LINK,
		Family:    family,
		Dst: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(e.Prefix.Bits(), addr.BitLen()),
		},
		Priority: int(e.Metric),
		Table:    int(e.Table),
	}, nil
}

// Install implements [Installer.Install].
func (i *NetlinkInstaller) Install(e Entry) error {
	r, err := i.route(e)
	if err != nil {
		return err
	}
	if err = netlink.RouteReplace(r); err != nil {
		return fmt.Errorf("failed to install route %s dev %s: %w", e.Prefix, i.linkName, err)
	}
	return nil
}

// Remove implements [Installer.Remove].
func (i *NetlinkInstaller) Remove(e Entry) error {
	r, err := i.route(e)
	if err != nil {
		return err
	}
	if err = netlink.RouteDel(r); err != nil {
		return fmt.Errorf("failed to remove route %s dev %s: %w", e.Prefix, i.linkName, err)
	}
	return nil
}
