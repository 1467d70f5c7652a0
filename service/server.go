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
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/packet"
	"github.com/database64128/mvtun-go/route"
	"github.com/database64128/mvtun-go/session"
	"github.com/database64128/mvtun-go/status"
	"github.com/database64128/mvtun-go/tslog"
)

// ServerConfig is the configuration for a tunnel server service.
type ServerConfig struct {
	// Name specifies the name of the server.
	Name string `json:"name"`

	// ListenNetwork controls the address family of the server socket.
	//
	//  - "udp": Determine from system capabilities and listen address.
	//  - "udp4": AF_INET
	//  - "udp6": AF_INET6
	//
	// If unspecified, "udp" is used.
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress specifies the address to bind the server socket to.
	ListenAddress string `json:"listen"`

	// ClientTimeout is how long a client session may stay silent before it is removed.
	// Defaults to 120s.
	ClientTimeout jsonhelper.Duration `json:"clientTimeout,omitzero"`

	TunnelConfig
}

// forwardTarget is where the server sends packets for a destination.
// Exactly one of peer and gateway is set.
type forwardTarget struct {
	peer    *session.Session
	gateway netip.Addr
}

// serverPeer is what the server learned from one client session.
type serverPeer struct {
	hosts  []netip.Addr
	routes []route.Entry
}

type server struct {
	*tunnel
	name          string
	listenNetwork string
	listenAddress string
	clientTimeout time.Duration
	logger        *tslog.Logger
	conn          *net.UDPConn
	table         *session.Table
	forward       route.Table[forwardTarget]
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	peers         map[*session.Session]*serverPeer
}

// Server creates a tunnel server service from the server config.
// Call the Start method on the returned service to start it.
func (sc *ServerConfig) Server(logger *tslog.Logger) (*server, error) {
	switch sc.ListenNetwork {
	case "":
		sc.ListenNetwork = "udp"
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("invalid listenNetwork %q: not one of [udp udp4 udp6]", sc.ListenNetwork)
	}

	if sc.ListenAddress == "" {
		return nil, ErrNoListenAddress
	}
	if _, _, err := net.SplitHostPort(sc.ListenAddress); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", sc.ListenAddress, err)
	}

	clientTimeout := time.Duration(sc.ClientTimeout)
	switch {
	case clientTimeout == 0:
		clientTimeout = defaultClientTimeout
	case clientTimeout < 0:
		return nil, ErrNegativeDuration
	}

	if sc.Rendezvous != nil && sc.Rendezvous.RemoteID != "" {
		return nil, errors.New("servers do not resolve a rendezvous remote ID")
	}

	logger = logger.WithAttrs(slog.String("server", sc.Name))

	t, err := sc.newTunnel(logger, clientTimeout)
	if err != nil {
		return nil, err
	}

	s := server{
		tunnel:        t,
		name:          sc.Name,
		listenNetwork: sc.ListenNetwork,
		listenAddress: sc.ListenAddress,
		clientTimeout: clientTimeout,
		logger:        logger,
		table:         session.NewTable(),
		peers:         make(map[*session.Session]*serverPeer),
	}

	for _, e := range sc.Routes {
		if !e.Gateway.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrRouteNeedsGateway, e)
		}
		s.forward.Insert(e.Prefix, forwardTarget{gateway: e.Gateway})
	}

	return &s, nil
}

// String implements [Service.String].
func (s *server) String() string {
	return "tunnel server service " + s.name
}

// Start implements [Service.Start].
func (s *server) Start(ctx context.Context) error {
	if err := s.openDevice(); err != nil {
		return err
	}

	uc, err := s.socketConfig.Listen(ctx, s.listenNetwork, s.listenAddress)
	if err != nil {
		_ = s.closeDevice()
		return err
	}
	s.conn = uc

	if s.rendezvous != nil {
		s.rendezvous.discover(ctx, uc)
		if err = s.rendezvous.connect(ctx); err != nil {
			s.logger.Warn("Failed to register with rendezvous server", tslog.Err(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.recvLoop()
	go s.deviceLoop(runCtx)
	go s.timerLoop(runCtx)

	if s.rendezvous != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rendezvous.run(runCtx, nil)
		}()
	}

	s.logger.Info("Started service",
		tslog.ConnAddr("listenAddress", conn.AddrFromIPPort(uc.LocalAddr().(*net.UDPAddr).AddrPort())),
		slog.String("interface", s.deviceName()),
		tslog.Int("mtu", s.deviceConfig.MTU),
		slog.String("cipher", string(s.handler.Cipher().Kind())),
		tslog.Int("routes", len(s.localRoutes)),
	)
	return nil
}

// recvLoop receives frames from clients until the socket's read deadline is moved into the past.
func (s *server) recvLoop() {
	defer s.wg.Done()

	recvBuf := make([]byte, recvBufSize)
	payloadBuf := make([]byte, 0, recvBufSize)
	sendBuf := make([]byte, s.sendBufSize())

	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(recvBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to read packet", tslog.Err(err))
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

		op, payload, err := s.handler.Open(payloadBuf, recvBuf[:n])
		if err != nil {
			s.logger.Debug("Dropping invalid packet",
				tslog.AddrPort("peer", addr),
				tslog.Int("length", n),
				tslog.Err(err),
			)
			continue
		}

		s.handlePacket(time.Now(), sendBuf, addr, op, payload, n)
	}
}

func (s *server) handlePacket(now time.Time, sendBuf []byte, addr netip.AddrPort, op packet.Opcode, payload []byte, n int) {
	if op == packet.OpcodeDisconnect {
		if sess, ok := s.table.Remove(addr); ok {
			sess.Disconnect(now)
			s.logger.Info("Client disconnected", tslog.AddrPort("peer", addr))
			s.removePeer(sess)
		}
		return
	}

	sess, created, activated := s.table.Accept(now, addr, n)
	if created {
		s.logger.Info("New session", tslog.AddrPort("peer", addr))
	}
	if activated {
		s.logger.Info("Session active", tslog.AddrPort("peer", addr))
		s.advertise(s.conn, sendBuf, sess, addr)
	}

	switch op {
	case packet.OpcodeData:
		src, _, err := packet.ParseIPAddrs(payload)
		if err != nil {
			s.logger.Debug("Dropping malformed data packet", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		s.learnHost(sess, src)
		s.writeDevice(payload, addr)

	case packet.OpcodeEchoRequest, packet.OpcodeEchoReply:
		echo, err := packet.ParseEcho(payload)
		if err != nil {
			s.logger.Debug("Dropping malformed echo", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		s.learnEcho(sess, echo)
		if op == packet.OpcodeEchoRequest {
			s.sendEcho(s.conn, sendBuf, sess, addr, packet.OpcodeEchoReply, echo.ID)
		} else if echo.ID != sess.EchoID() {
			s.logger.Debug("Received stale echo reply", tslog.AddrPort("peer", addr), tslog.Uint("id", echo.ID))
		}

	case packet.OpcodeRouteAdvertise:
		applied, err := s.applyAdvertisement(payload, addr)
		if err != nil {
			s.logger.Debug("Dropping malformed route advertisement", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		s.mu.Lock()
		p := s.peerLocked(sess)
		for _, e := range applied {
			p.routes = append(slices.DeleteFunc(p.routes, func(x route.Entry) bool { return x.Prefix == e.Prefix }), e)
			s.forward.Insert(e.Prefix, forwardTarget{peer: sess})
		}
		s.mu.Unlock()
		var b [packet.RouteAckSize]byte
		s.send(s.conn, sendBuf, sess, addr, packet.OpcodeRouteAck, packet.AppendRouteAck(b[:0], uint16(len(applied))))

	case packet.OpcodeRouteAck:
		count, err := packet.ParseRouteAck(payload)
		if err != nil {
			s.logger.Debug("Dropping malformed route acknowledgement", tslog.AddrPort("peer", addr), tslog.Err(err))
			return
		}
		sess.AckRoutes()
		s.logger.Info("Client applied routes", tslog.AddrPort("peer", addr), tslog.Uint("count", count))
	}
}

// peerLocked returns the peer state of sess, creating it if needed.
// s.mu must be held.
func (s *server) peerLocked(sess *session.Session) *serverPeer {
	p := s.peers[sess]
	if p == nil {
		p = &serverPeer{}
		s.peers[sess] = p
	}
	return p
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// learnHost records that addr is reachable through sess.
func (s *server) learnHost(sess *session.Session, addr netip.Addr) {
	addr = addr.Unmap()
	prefix := hostPrefix(addr)
	if t, ok := s.forward.Get(prefix); ok && t.peer == sess {
		return
	}

	s.mu.Lock()
	p := s.peerLocked(sess)
	if !slices.Contains(p.hosts, addr) {
		p.hosts = append(p.hosts, addr)
	}
	s.forward.Insert(prefix, forwardTarget{peer: sess})
	s.mu.Unlock()

	s.logger.Info("Learned virtual address", tslog.AddrPort("peer", sess.Addr()), tslog.Addr("addr", addr))
}

func (s *server) learnEcho(sess *session.Session, echo packet.Echo) {
	for _, addr := range [2]netip.Addr{echo.IPv4, echo.IPv6} {
		if !addr.IsValid() {
			continue
		}
		sess.LearnTunnelAddr(addr)
		s.learnHost(sess, addr)
	}
}

// removePeer drops the forwarding entries and routes learned from sess.
// Entries since taken over by another session are left alone.
func (s *server) removePeer(sess *session.Session) {
	s.mu.Lock()
	p := s.peers[sess]
	delete(s.peers, sess)
	s.mu.Unlock()
	if p == nil {
		return
	}

	owned := func(t forwardTarget) bool { return t.peer == sess }

	for _, addr := range p.hosts {
		s.forward.DeleteFunc(hostPrefix(addr), owned)
	}

	routes := p.routes[:0]
	for _, e := range p.routes {
		if s.forward.DeleteFunc(e.Prefix, owned) {
			routes = append(routes, e)
		}
	}
	s.removeRoutes(routes)
}

// lookup returns the session serving dst.
func (s *server) lookup(dst netip.Addr) (*session.Session, bool) {
	t, ok := s.forward.Lookup(dst)
	if !ok {
		return nil, false
	}
	if t.peer != nil {
		return t.peer, true
	}
	t, ok = s.forward.Lookup(t.gateway)
	if !ok || t.peer == nil {
		return nil, false
	}
	return t.peer, true
}

// deviceLoop forwards packets from the virtual interface to clients.
func (s *server) deviceLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, recvBufSize)
	sendBuf := make([]byte, s.sendBufSize())

	for {
		n, err := s.device.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Failed to read packet from interface", tslog.Err(err))
			continue
		}
		pkt := buf[:n]

		_, dst, err := packet.ParseIPAddrs(pkt)
		if err != nil {
			s.logger.Debug("Dropping malformed packet from interface", tslog.Err(err))
			continue
		}

		sess, ok := s.lookup(dst)
		if !ok {
			s.logger.Debug("No route to destination", tslog.Addr("dst", dst))
			continue
		}
		s.send(s.conn, sendBuf, sess, sess.Addr(), packet.OpcodeData, pkt)
	}
}

func (s *server) timerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	buf := make([]byte, s.sendBufSize())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now, buf)
		}
	}
}

// tick evicts timed out sessions, repeats unacknowledged route advertisements,
// and sends keepalives.
func (s *server) tick(now time.Time, buf []byte) {
	for _, sess := range s.table.Evict(now, s.clientTimeout) {
		s.logger.Info("Session timed out",
			tslog.AddrPort("peer", sess.Addr()),
			slog.Time("lastSeen", sess.LastSeen()),
		)
		s.removePeer(sess)
	}

	for _, sess := range s.table.Sessions() {
		addr := sess.Addr()
		if s.needsAck(sess) {
			s.advertise(s.conn, buf, sess, addr)
		}
		if sess.KeepaliveDue(now, s.keepalive) {
			id := sess.NextEchoID(rand.Uint32())
			s.sendEcho(s.conn, buf, sess, addr, packet.OpcodeEchoRequest, id)
		}
	}
}

// Stop implements [Service.Stop].
func (s *server) Stop() error {
	s.cancel()
	if s.rendezvous != nil {
		s.rendezvous.close()
	}

	buf := make([]byte, s.sendBufSize())
	for _, sess := range s.table.Sessions() {
		if sess.State() == session.StateActive {
			s.send(s.conn, buf, sess, sess.Addr(), packet.OpcodeDisconnect, nil)
		}
	}

	if err := s.conn.SetReadDeadline(conn.ALongTimeAgo); err != nil {
		return err
	}
	deviceErr := s.closeDevice()

	s.wg.Wait()

	for _, sess := range s.table.Sessions() {
		s.table.Remove(sess.Addr())
		s.removePeer(sess)
	}

	if err := s.conn.Close(); err != nil {
		return err
	}

	s.logger.Info("Stopped service")
	return deviceErr
}

// StatusReport implements [status.Reporter].
func (s *server) StatusReport() status.ServiceReport {
	r := status.ServiceReport{
		Name:      s.name,
		Role:      "server",
		Interface: s.deviceName(),
		Sessions:  s.table.Snapshot(),
	}
	if s.conn != nil {
		r.LocalAddress = s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	if s.rendezvous != nil {
		r.Rendezvous = s.rendezvous.report()
	}
	return r
}
