package service

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/packet"
	"github.com/database64128/mvtun-go/route"
	"github.com/database64128/mvtun-go/session"
	"github.com/database64128/mvtun-go/tslog"
	"github.com/database64128/mvtun-go/tun"
)

// recvBufSize is large enough for any UDP payload, so oversized frames are
// rejected by the codec instead of being silently truncated.
const recvBufSize = 65535

// tunnel is the state shared by servers and clients.
type tunnel struct {
	logger         *tslog.Logger
	handler        *packet.Handler
	deviceConfig   tun.Config
	device         tun.Device
	installer      route.Installer
	localRoutes    []route.Entry
	advertisements [][]byte
	echo           packet.Echo
	keepalive      time.Duration
	socketConfig   conn.UDPSocketConfig
	rendezvous     *rendezvousPeer
}

// openDevice opens the virtual interface and installs the local routes.
func (t *tunnel) openDevice() error {
	if t.device == nil {
		dev, err := t.deviceConfig.Open()
		if err != nil {
			return err
		}
		t.device = dev
	}

	for _, e := range t.localRoutes {
		if err := t.installer.Install(e); err != nil {
			t.logger.Warn("Failed to install route",
				tslog.Prefix("route", e.Prefix),
				tslog.Addr("gateway", e.Gateway),
				tslog.Err(err),
			)
			continue
		}
		t.logger.Info("Installed route",
			tslog.Prefix("route", e.Prefix),
			tslog.Addr("gateway", e.Gateway),
		)
	}

	return nil
}

// closeDevice removes the local routes and closes the virtual interface.
func (t *tunnel) closeDevice() error {
	t.removeRoutes(t.localRoutes)
	return t.device.Close()
}

func (t *tunnel) deviceName() string {
	if t.device == nil {
		return t.deviceConfig.Name
	}
	return t.device.Name()
}

// applyAdvertisement installs the routes in a RouteAdvertise payload,
// and returns the entries that were installed.
func (t *tunnel) applyAdvertisement(payload []byte, peer netip.AddrPort) ([]route.Entry, error) {
	entries, err := route.ParseEntries(payload)
	if err != nil {
		return nil, err
	}

	applied := entries[:0]
	for _, e := range entries {
		if err := t.installer.Install(e); err != nil {
			t.logger.Warn("Failed to install advertised route",
				tslog.AddrPort("peer", peer),
				tslog.Prefix("route", e.Prefix),
				tslog.Addr("gateway", e.Gateway),
				tslog.Err(err),
			)
			continue
		}
		t.logger.Info("Installed advertised route",
			tslog.AddrPort("peer", peer),
			tslog.Prefix("route", e.Prefix),
			tslog.Addr("gateway", e.Gateway),
		)
		applied = append(applied, e)
	}
	return applied, nil
}

func (t *tunnel) removeRoutes(entries []route.Entry) {
	for _, e := range entries {
		if err := t.installer.Remove(e); err != nil {
			t.logger.Warn("Failed to remove route",
				tslog.Prefix("route", e.Prefix),
				tslog.Addr("gateway", e.Gateway),
				tslog.Err(err),
			)
			continue
		}
		t.logger.Info("Removed route",
			tslog.Prefix("route", e.Prefix),
			tslog.Addr("gateway", e.Gateway),
		)
	}
}

// writeDevice delivers an IP packet received from the tunnel to the virtual interface.
func (t *tunnel) writeDevice(pkt []byte, peer netip.AddrPort) {
	if v := packet.IPVersion(pkt); v != 4 && v != 6 {
		t.logger.Debug("Dropping non-IP data packet", tslog.AddrPort("peer", peer), tslog.Int("version", v))
		return
	}
	if _, err := t.device.Write(pkt); err != nil && !errors.Is(err, os.ErrClosed) {
		t.logger.Warn("Failed to write packet to interface",
			slog.String("interface", t.device.Name()),
			tslog.Int("length", len(pkt)),
			tslog.Err(err),
		)
	}
}

// send seals payload into buf and sends it to addr, accounting it to sess.
// buf must have enough capacity for a full frame.
func (t *tunnel) send(uc *net.UDPConn, buf []byte, sess *session.Session, addr netip.AddrPort, op packet.Opcode, payload []byte) {
	if !addr.IsValid() {
		return
	}

	frame, err := t.handler.Seal(buf[:0], op, payload)
	if err != nil {
		t.logger.Debug("Dropping packet that cannot be sealed",
			tslog.AddrPort("peer", addr),
			slog.String("opcode", op.String()),
			tslog.Int("length", len(payload)),
			tslog.Err(err),
		)
		return
	}

	if _, err = uc.WriteToUDPAddrPort(frame, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		t.logger.Warn("Failed to send packet",
			tslog.AddrPort("peer", addr),
			slog.String("opcode", op.String()),
			tslog.Err(err),
		)
		return
	}
	sess.Sent(time.Now(), len(frame))
}

// sendEcho sends an echo request or reply carrying our tunnel addresses.
func (t *tunnel) sendEcho(uc *net.UDPConn, buf []byte, sess *session.Session, addr netip.AddrPort, op packet.Opcode, id uint32) {
	echo := t.echo
	echo.ID = id
	var b [packet.EchoSize]byte
	t.send(uc, buf, sess, addr, op, echo.Append(b[:0]))
}

// advertise sends our route advertisements, if any.
func (t *tunnel) advertise(uc *net.UDPConn, buf []byte, sess *session.Session, addr netip.AddrPort) {
	for _, payload := range t.advertisements {
		t.send(uc, buf, sess, addr, packet.OpcodeRouteAdvertise, payload)
	}
	if len(t.advertisements) > 0 {
		t.logger.Debug("Sent route advertisement", tslog.AddrPort("peer", addr), tslog.Int("packets", len(t.advertisements)))
	}
}

// needsAck reports whether sess still owes us a route acknowledgement.
func (t *tunnel) needsAck(sess *session.Session) bool {
	return len(t.advertisements) > 0 && sess.State() == session.StateActive && !sess.RoutesAcked()
}

// sendBufSize returns the size of a buffer that fits any frame we send.
func (t *tunnel) sendBufSize() int {
	return t.handler.Codec().FrameSize(t.handler.MaxPayloadSize())
}
