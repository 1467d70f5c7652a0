//go:build !linux

package tun

import (
	"errors"
	"net/netip"

	"github.com/songgao/water"
)

func setName(cfg *water.Config, name string) {}

func configure(name string, mtu int, addresses []netip.Prefix) error {
	if len(addresses) > 0 {
		return errors.New("assigning interface addresses is only supported on Linux")
	}
	return nil
}
