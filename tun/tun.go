// Package tun provides the virtual network interface that carries tunneled IP packets.
package tun

import (
	"fmt"
	"net/netip"
)

// Device is a layer 3 virtual network interface.
// Each Read returns one IP packet, and each Write takes one IP packet.
type Device interface {
	// Name returns the interface name.
	Name() string

	// Read reads one packet from the interface.
	Read(b []byte) (int, error)

	// Write writes one packet to the interface.
	Write(b []byte) (int, error)

	// Close closes the interface. Pending reads return an error.
	Close() error
}

// Config is the configuration of a TUN device.
type Config struct {
	// Name is the requested interface name. Empty means let the system choose.
	Name string

	// MTU is the interface MTU.
	MTU int

	// Addresses are assigned to the interface.
	Addresses []netip.Prefix
}

// Open creates a TUN device and configures it.
func (c Config) Open() (Device, error) {
	dev, err := openWater(c.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	if err = configure(dev.Name(), c.MTU, c.Addresses); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", dev.Name(), err)
	}

	return dev, nil
}
