// Package tuntest provides an in-memory TUN device for tests.
package tuntest

import (
	"os"
	"sync"
)

// Device is an in-memory [tun.Device].
//
// Packets passed to Inject are returned by Read, as if the system sent them into the tunnel.
// Packets passed to Write are delivered on Output, as if the tunnel sent them to the system.
type Device struct {
	name      string
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a new device.
func New(name string) *Device {
	return &Device{
		name:   name,
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Name implements [tun.Device.Name].
func (d *Device) Name() string {
	return d.name
}

// Read implements [tun.Device.Read].
func (d *Device) Read(b []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(b, pkt), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

// Write implements [tun.Device.Write].
func (d *Device) Write(b []byte) (int, error) {
	pkt := make([]byte, len(b))
	copy(pkt, b)
	select {
	case d.out <- pkt:
		return len(b), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

// Close implements [tun.Device.Close].
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	return nil
}

// Inject queues a packet to be returned by Read.
func (d *Device) Inject(pkt []byte) {
	select {
	case d.in <- pkt:
	case <-d.closed:
	}
}

// Output returns the channel of packets written to the device.
func (d *Device) Output() <-chan []byte {
	return d.out
}
