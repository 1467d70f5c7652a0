package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/packet"
	"github.com/database64128/mvtun-go/route"
	"github.com/database64128/mvtun-go/session"
	"github.com/database64128/mvtun-go/status"
	"github.com/database64128/mvtun-go/tslog"
)

// ClientConfig is the configuration for a tunnel client service.
type ClientConfig struct {
	// Name specifies the name of the client.
	Name string `json:"name"`

	// Remotes are the server addresses. Each can be an IP address or a domain name.
	// Every reconnect moves on to the next one.
	Remotes []conn.Addr `json:"remotes,omitzero"`

	// RemoteNetwork controls the address family of resolved remote addresses
	// and of the client socket.
	//
	//  - "ip": System default
	//  - "ip4": IPv4
	//  - "ip6": IPv6
	//
	// If unspecified, "ip" is used.
	RemoteNetwork string `json:"remoteNetwork,omitzero"`

	// LocalAddress optionally specifies the address to bind the client socket to.
	LocalAddress string `json:"localAddress,omitzero"`

	// ReconnectTimeout is how long the session may stay silent before the client reconnects.
	// Defaults to 10m.
	ReconnectTimeout jsonhelper.Duration `json:"reconnectTimeout,omitzero"`

	// Rebind controls whether reconnects replace the client socket.
	Rebind bool `json:"rebind,omitzero"`

	// RebindTimeout is the minimum time between two socket replacements. Defaults to 30m.
	RebindTimeout jsonhelper.Duration `json:"rebindTimeout,omitzero"`

	// WaitDNS makes startup wait until the first remote resolves.
	WaitDNS bool `json:"waitDNS,omitzero"`

	TunnelConfig
}

type client struct {
	*tunnel
	name             string
	remotes          []conn.Addr
	remoteNetwork    string
	listenNetwork    string
	localAddress     string
	reconnectTimeout time.Duration
	rebindTimeout    time.Duration
	rebind           bool
	waitDNS          bool
	logger           *tslog.Logger
	conn             atomic.Pointer[net.UDPConn]
	sess             *session.Session
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup

	// reconnectMu serializes reconnects, rebinds and remote address changes.
	reconnectMu sync.Mutex
	remoteIndex int
	lastRebind  time.Time

	mu         sync.Mutex
	peerRoutes []route.Entry
}

// Client creates a tunnel client service from the client config.
// Call the Start method on the returned service to start it.
func (cc *ClientConfig) Client(logger *tslog.Logger) (*client, error) {
	var listenNetwork string
	switch cc.RemoteNetwork {
	case "":
		cc.RemoteNetwork = "ip"
		listenNetwork = "udp"
	case "ip":
		listenNetwork = "udp"
	case "ip4":
		listenNetwork = "udp4"
	case "ip6":
		listenNetwork = "udp6"
	default:
		return nil, fmt.Errorf("invalid remoteNetwork %q: not one of [ip ip4 ip6]", cc.RemoteNetwork)
	}

	if len(cc.Remotes) == 0 && (cc.Rendezvous == nil || cc.Rendezvous.RemoteID == "") {
		return nil, ErrNoRemote
	}
	for _, remote := range cc.Remotes {
		if !remote.IsValid() {
			return nil, errors.New("invalid remote address")
		}
	}

	localAddress := cc.LocalAddress
	if localAddress == "" {
		localAddress = ":0"
	}
	_, port, err := net.SplitHostPort(localAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid local address %q: %w", cc.LocalAddress, err)
	}
	if cc.Rebind && port != "0" && port != "" {
		return nil, errors.New("rebind requires an ephemeral local port")
	}

	reconnectTimeout := time.Duration(cc.ReconnectTimeout)
	switch {
	case reconnectTimeout == 0:
		reconnectTimeout = defaultReconnectTimeout
	case reconnectTimeout < 0:
		return nil, ErrNegativeDuration
	}

	rebindTimeout := time.Duration(cc.RebindTimeout)
	switch {
	case rebindTimeout == 0:
		rebindTimeout = defaultRebindTimeout
	case rebindTimeout < 0:
		return nil, ErrNegativeDuration
	}

	logger = logger.WithAttrs(slog.String("client", cc.Name))

	t, err := cc.newTunnel(logger, reconnectTimeout)
	if err != nil {
		return nil, err
	}

	return &client{
		tunnel:           t,
		name:             cc.Name,
		remotes:          cc.Remotes,
		remoteNetwork:    cc.RemoteNetwork,
		listenNetwork:    listenNetwork,
		localAddress:     localAddress,
		reconnectTimeout: reconnectTimeout,
		rebindTimeout:    rebindTimeout,
		rebind:           cc.Rebind,
		waitDNS:          cc.WaitDNS,
		logger:           logger,
	}, nil
}

// String implements [Service.String].
func (c *client) String() string {
	return "tunnel client service " + c.name
}

// Start implements [Service.Start].
func (c *client) Start(ctx context.Context) error {
	if err := c.openDevice(); err != nil {
		return err
	}

	uc, err := c.socketConfig.Listen(ctx, c.listenNetwork, c.localAddress)
	if err != nil {
		_ = c.closeDevice()
		return err
	}
	c.conn.Store(uc)

	now := time.Now()
	c.lastRebind = now

	var remote netip.AddrPort

	if c.rendezvous != nil {
		c.rendezvous.discover(ctx, uc)
		if err = c.rendezvous.connect(ctx); err != nil {
			c.logger.Warn("Failed to connect to rendezvous server", tslog.Err(err))
		} else if c.rendezvous.remoteID != "" {
			if remote, err = c.rendezvous.resolve(ctx); err != nil {
				c.logger.Warn("Failed to resolve remote peer",
					slog.String("remoteID", c.rendezvous.remoteID),
					tslog.Err(err),
				)
			}
		}
	}

	if !remote.IsValid() && len(c.remotes) > 0 {
		if remote, err = c.resolveRemote(ctx, 0, c.waitDNS); err != nil && c.waitDNS {
			if c.rendezvous != nil {
				c.rendezvous.close()
			}
			uc.Close()
			_ = c.closeDevice()
			return err
		}
	}

	c.sess = session.New(now, remote)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(3)
	go c.recvLoop()
	go c.deviceLoop()
	go c.timerLoop()

	if c.rendezvous != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.rendezvous.run(c.ctx, c.remoteChanged)
		}()
	}

	c.logger.Info("Started service",
		tslog.AddrPort("localAddress", uc.LocalAddr().(*net.UDPAddr).AddrPort()),
		tslog.AddrPort("remoteAddress", remote),
		slog.String("interface", c.deviceName()),
		tslog.Int("mtu", c.deviceConfig.MTU),
		slog.String("cipher", string(c.handler.Cipher().Kind())),
	)

	c.tick(now, make([]byte, c.sendBufSize()))
	return nil
}

// resolveRemote resolves the remote at index. With wait, it retries until resolution succeeds.
func (c *client) resolveRemote(ctx context.Context, index int, wait bool) (netip.AddrPort, error) {
	remote := c.remotes[index]

	if wait {
		return remote.WaitResolveIPPort(ctx, c.remoteNetwork, conn.DefaultResolveRetryInterval, func(err error) {
			c.logger.Warn("Waiting for remote to resolve", tslog.ConnAddr("remote", remote), tslog.Err(err))
		})
	}

	addr, err := remote.ResolveIPPort(ctx, c.remoteNetwork)
	if err != nil {
		c.logger.Warn("Failed to resolve remote", tslog.ConnAddr("remote", remote), tslog.Err(err))
		return netip.AddrPort{}, err
	}
	return addr, nil
}

// recvLoop receives frames from the server. It follows the socket across rebinds,
// and returns once the client is stopping.
func (c *client) recvLoop() {
	defer c.wg.Done()

	recvBuf := make([]byte, recvBufSize)
	payloadBuf := make([]byte, 0, recvBufSize)
	sendBuf := make([]byte, c.sendBufSize())

	for {
		uc := c.conn.Load()
		n, addr, err := uc.ReadFromUDPAddrPort(recvBuf)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if c.conn.Load() != uc {
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Failed to read packet", tslog.Err(err))
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

		if remote := c.sess.Addr(); !conn.AddrPortMappedEqual(addr, remote) {
			c.logger.Debug("Dropping packet from unexpected address",
				tslog.AddrPort("addr", addr),
				tslog.AddrPort("remote", remote),
			)
			continue
		}

		op, payload, err := c.handler.Open(payloadBuf, recvBuf[:n])
		if err != nil {
			c.logger.Debug("Dropping invalid packet",
				tslog.AddrPort("peer", addr),
				tslog.Int("length", n),
				tslog.Err(err),
			)
			continue
		}

		c.handlePacket(time.Now(), uc, sendBuf, addr, op, payload, n)
	}
}

func (c *client) handlePacket(now time.Time, uc *net.UDPConn, sendBuf []byte, addr netip.AddrPort, op packet.Opcode, payload []byte, n int) {
	if op == packet.OpcodeDisconnect {
		if c.sess.Disconnect(now) {
			c.logger.Info("Server disconnected", tslog.AddrPort("peer", addr))
		}
		return
	}

	if c.sess.Accept(now, addr, n) {
		c.logger.Info("Session active", tslog.AddrPort("peer", addr))
		c.advertise(uc, sendBuf, c.sess, addr)
	}

	switch op {
	case packet.OpcodeData:
		c.writeDevice(payload, addr)

	case packet.OpcodeEchoRequest, packet.OpcodeEchoReply:
		echo, err := packet.ParseEcho(payload)
		if err != nil {
			c.logger.Debug("Dropping malformed echo", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		for _, a := range [2]netip.Addr{echo.IPv4, echo.IPv6} {
			if !a.IsValid() {
				continue
			}
			if _, changed := c.sess.LearnTunnelAddr(a); changed {
				c.logger.Info("Learned server tunnel address", tslog.Addr("addr", a))
			}
		}
		if op == packet.OpcodeEchoRequest {
			c.sendEcho(uc, sendBuf, c.sess, addr, packet.OpcodeEchoReply, echo.ID)
		} else if echo.ID != c.sess.EchoID() {
			c.logger.Debug("Received stale echo reply", tslog.Uint("id", echo.ID))
		}

	case packet.OpcodeRouteAdvertise:
		applied, err := c.applyAdvertisement(payload, addr)
		if err != nil {
			c.logger.Debug("Dropping malformed route advertisement", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		c.mu.Lock()
		for _, e := range applied {
			c.peerRoutes = append(slices.DeleteFunc(c.peerRoutes, func(x route.Entry) bool { return x.Prefix == e.Prefix }), e)
		}
		c.mu.Unlock()
		var b [packet.RouteAckSize]byte
		c.send(uc, sendBuf, c.sess, addr, packet.OpcodeRouteAck, packet.AppendRouteAck(b[:0], uint16(len(applied))))

	case packet.OpcodeRouteAck:
		count, err := packet.ParseRouteAck(payload)
		if err != nil {
			c.logger.Debug("Dropping malformed route acknowledgement", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		c.sess.AckRoutes()
		c.logger.Info("Server applied routes", tslog.Uint("count", count))
	}
}

// deviceLoop forwards packets from the virtual interface to the server.
func (c *client) deviceLoop() {
	defer c.wg.Done()

	buf := make([]byte, recvBufSize)
	sendBuf := make([]byte, c.sendBufSize())

	for {
		n, err := c.device.Read(buf)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to read packet from interface", tslog.Err(err))
			continue
		}
		pkt := buf[:n]

		if v := packet.IPVersion(pkt); v != 4 && v != 6 {
			c.logger.Debug("Dropping non-IP packet from interface", tslog.Int("version", v))
			continue
		}

		remote := c.sess.Addr()
		if !remote.IsValid() {
			c.logger.Debug("Dropping packet without a remote address")
			continue
		}
		c.send(c.conn.Load(), sendBuf, c.sess, remote, packet.OpcodeData, pkt)
	}
}

func (c *client) timerLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	buf := make([]byte, c.sendBufSize())

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now, buf)
		}
	}
}

// tick reconnects a timed out session, repeats unacknowledged route advertisements,
// and sends keepalives.
func (c *client) tick(now time.Time, buf []byte) {
	if c.sess.CheckTimeout(now, c.reconnectTimeout) {
		c.logger.Info("Session timed out", slog.Time("lastSeen", c.sess.LastSeen()))
	}

	remote := c.sess.Addr()
	if c.sess.State() == session.StateTimedOut || !remote.IsValid() {
		c.reconnect(now, buf)
		return
	}

	uc := c.conn.Load()
	if c.needsAck(c.sess) {
		c.advertise(uc, buf, c.sess, remote)
	}
	if c.sess.KeepaliveDue(now, c.keepalive) {
		id := c.sess.NextEchoID(rand.Uint32())
		c.sendEcho(uc, buf, c.sess, remote, packet.OpcodeEchoRequest, id)
	}
}

// reconnect moves on to the next remote, rebinds the socket if it is time to,
// and restarts the session with an echo request.
func (c *client) reconnect(now time.Time, buf []byte) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if len(c.remotes) > 0 {
		c.remoteIndex = (c.remoteIndex + 1) % len(c.remotes)
	}
	if c.rebind && now.Sub(c.lastRebind) >= c.rebindTimeout {
		c.rebindLocked(now)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.keepalive)
	defer cancel()

	var remote netip.AddrPort
	if c.rendezvous != nil && c.rendezvous.remoteID != "" {
		addr, err := c.rendezvous.resolve(ctx)
		if err != nil {
			c.logger.Debug("Failed to resolve remote peer", slog.String("remoteID", c.rendezvous.remoteID), tslog.Err(err))
		}
		remote = addr
	}
	if !remote.IsValid() && len(c.remotes) > 0 {
		remote, _ = c.resolveRemote(ctx, c.remoteIndex, false)
	}
	if !remote.IsValid() {
		remote = c.sess.Addr()
	}

	c.sess.Reset(now, remote)
	c.logger.Info("Reconnecting", tslog.AddrPort("remoteAddress", remote))

	id := c.sess.NextEchoID(rand.Uint32())
	c.sendEcho(c.conn.Load(), buf, c.sess, remote, packet.OpcodeEchoRequest, id)
}

// rebindLocked replaces the client socket. c.reconnectMu must be held.
func (c *client) rebindLocked(now time.Time) {
	uc, err := c.socketConfig.Listen(c.ctx, c.listenNetwork, c.localAddress)
	if err != nil {
		c.logger.Warn("Failed to rebind socket", tslog.Err(err))
		return
	}

	if c.rendezvous != nil {
		c.rendezvous.discover(c.ctx, uc)
		if err = c.rendezvous.register(c.ctx); err != nil {
			c.logger.Warn("Failed to register rebound socket", tslog.Err(err))
		}
	}

	old := c.conn.Swap(uc)
	old.Close()
	c.lastRebind = now

	c.logger.Info("Rebound socket", tslog.AddrPort("localAddress", uc.LocalAddr().(*net.UDPAddr).AddrPort()))
}

// remoteChanged follows an address change pushed by the rendezvous server.
func (c *client) remoteChanged(addr netip.AddrPort) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if addr == c.sess.Addr() {
		return
	}

	now := time.Now()
	if c.rebind {
		c.rebindLocked(now)
	}
	c.sess.SetAddr(addr)

	id := c.sess.NextEchoID(rand.Uint32())
	c.sendEcho(c.conn.Load(), make([]byte, c.sendBufSize()), c.sess, addr, packet.OpcodeEchoRequest, id)
}

// Stop implements [Service.Stop].
func (c *client) Stop() error {
	c.cancel()
	if c.rendezvous != nil {
		c.rendezvous.close()
	}

	uc := c.conn.Load()
	if remote := c.sess.Addr(); c.sess.State() == session.StateActive {
		c.send(uc, make([]byte, c.sendBufSize()), c.sess, remote, packet.OpcodeDisconnect, nil)
	}

	if err := uc.SetReadDeadline(conn.ALongTimeAgo); err != nil {
		return err
	}
	deviceErr := c.closeDevice()

	c.wg.Wait()

	c.mu.Lock()
	routes := c.peerRoutes
	c.peerRoutes = nil
	c.mu.Unlock()
	c.removeRoutes(routes)

	if err := c.conn.Load().Close(); err != nil {
		return err
	}

	c.logger.Info("Stopped service")
	return deviceErr
}

// StatusReport implements [status.Reporter].
func (c *client) StatusReport() status.ServiceReport {
	r := status.ServiceReport{
		Name:      c.name,
		Role:      "client",
		Interface: c.deviceName(),
		Sessions:  []session.Snapshot{},
	}
	if uc := c.conn.Load(); uc != nil {
		r.LocalAddress = uc.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	if c.sess != nil {
		r.RemoteAddress = c.sess.Addr()
		r.Sessions = append(r.Sessions, c.sess.Snapshot())
	}
	if c.rendezvous != nil {
		r.Rendezvous = c.rendezvous.report()
	}
	return r
}
