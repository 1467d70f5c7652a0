// Package service ties the packet codec, the session state machine, the UDP transport
// and the virtual interface together into tunnel server and client services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/packet"
	"github.com/database64128/mvtun-go/rendezvous"
	"github.com/database64128/mvtun-go/route"
	"github.com/database64128/mvtun-go/status"
	"github.com/database64128/mvtun-go/tslog"
	"github.com/database64128/mvtun-go/tun"
)

const (
	minimumMTU = 576
	maximumMTU = 65535
	defaultMTU = 1300

	defaultKeepaliveInterval = 7 * time.Second
	defaultClientTimeout     = 120 * time.Second
	defaultReconnectTimeout  = 10 * time.Minute
	defaultRebindTimeout     = 30 * time.Minute
)

var (
	ErrMTUOutOfRange      = fmt.Errorf("MTU must be in range [%d, %d]", minimumMTU, maximumMTU)
	ErrKeepaliveTooLong   = errors.New("keepalive interval must be shorter than the session timeout")
	ErrNegativeDuration   = errors.New("durations must not be negative")
	ErrRouteNeedsGateway  = errors.New("server routes must specify a gateway")
	ErrNoRemote           = errors.New("client needs at least one remote or a rendezvous remote ID")
	ErrNoListenAddress    = errors.New("server needs a listen address")
	ErrRendezvousNoServer = errors.New("rendezvous requires a server URL")
)

// Service is implemented by tunnel servers, tunnel clients and their supporting services.
type Service interface {
	// String returns the service's name.
	String() string

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

// TunnelConfig is the configuration shared by tunnel servers and clients.
type TunnelConfig struct {
	// Cipher selects the encryption of the tunnel: "plain", "aes-128" or "aes-256".
	Cipher packet.CipherKind `json:"cipher,omitzero"`

	// Key is the passphrase both peers derive the cipher key from.
	Key string `json:"key,omitzero"`

	// MTU is the MTU of the network path that carries tunnel packets.
	// The virtual interface MTU is derived from it. Defaults to 1300.
	MTU int `json:"mtu,omitzero"`

	// Keepalive is the interval of echo requests on an idle session. Defaults to 7s.
	Keepalive jsonhelper.Duration `json:"keepalive,omitzero"`

	// Interface is the name of the virtual interface.
	Interface string `json:"interface,omitzero"`

	// TunnelAddresses are assigned to the virtual interface, and told to the peer in echoes.
	TunnelAddresses []netip.Prefix `json:"tunnelAddresses,omitzero"`

	// Routes are installed on the virtual interface at startup.
	// Server routes must name the tunnel address of the client serving them as gateway.
	Routes []route.Entry `json:"routes,omitzero"`

	// Advertise lists networks reachable through this peer.
	// They are sent to the peer whenever the session becomes active.
	Advertise []route.Entry `json:"advertise,omitzero"`

	// RouteTable is the routing table routes are installed into. 0 means the main table.
	RouteTable uint32 `json:"routeTable,omitzero"`

	// RouteMetric is the metric of installed routes. 0 means the system default.
	RouteMetric uint32 `json:"routeMetric,omitzero"`

	// Fwmark optionally specifies the tunnel socket's fwmark on Linux.
	Fwmark int `json:"fwmark,omitzero"`

	// TrafficClass optionally specifies the tunnel socket's traffic class.
	TrafficClass int `json:"trafficClass,omitzero"`

	// SendBufferSize optionally sets the tunnel socket's send buffer size.
	SendBufferSize int `json:"sendBufferSize,omitzero"`

	// ReceiveBufferSize optionally sets the tunnel socket's receive buffer size.
	ReceiveBufferSize int `json:"receiveBufferSize,omitzero"`

	// Rendezvous optionally enables UDP hole punching through a rendezvous server.
	Rendezvous *RendezvousConfig `json:"rendezvous,omitempty"`

	device    tun.Device
	installer route.Installer
}

// newTunnel validates the shared configuration and creates the tunnel state.
func (tc *TunnelConfig) newTunnel(logger *tslog.Logger, timeout time.Duration) (*tunnel, error) {
	switch {
	case tc.MTU == 0:
		tc.MTU = defaultMTU
	case tc.MTU < minimumMTU || tc.MTU > maximumMTU:
		return nil, ErrMTUOutOfRange
	}

	keepalive := time.Duration(tc.Keepalive)
	switch {
	case keepalive == 0:
		keepalive = defaultKeepaliveInterval
	case keepalive < 0:
		return nil, ErrNegativeDuration
	}
	if keepalive >= timeout {
		return nil, ErrKeepaliveTooLong
	}

	handler, err := packet.NewHandler(tc.Cipher, tc.Key, packet.MaxPacketSizeFromMTU(tc.MTU, false))
	if err != nil {
		return nil, err
	}

	var echo packet.Echo
	for _, prefix := range tc.TunnelAddresses {
		addr := prefix.Addr().Unmap()
		switch {
		case addr.Is4() && !echo.IPv4.IsValid():
			echo.IPv4 = addr
		case addr.Is6() && !echo.IPv6.IsValid():
			echo.IPv6 = addr
		}
	}

	advertisements, err := route.SplitAdvertisements(tc.Advertise, handler.MaxPayloadSize())
	if err != nil {
		return nil, err
	}

	installer := tc.installer
	if installer == nil {
		installer = route.NewInstaller(tc.Interface)
	}

	var rdv *rendezvousPeer
	if tc.Rendezvous != nil {
		if rdv, err = tc.Rendezvous.newPeer(logger, keepalive); err != nil {
			return nil, err
		}
	}

	return &tunnel{
		logger:  logger,
		handler: handler,
		deviceConfig: tun.Config{
			Name:      tc.Interface,
			MTU:       handler.MaxPayloadSize(),
			Addresses: tc.TunnelAddresses,
		},
		device:         tc.device,
		installer:      route.Override(installer, tc.RouteMetric, tc.RouteTable),
		localRoutes:    tc.Routes,
		advertisements: advertisements,
		echo:           echo,
		keepalive:      keepalive,
		socketConfig: conn.UDPSocketConfig{
			Fwmark:            tc.Fwmark,
			TrafficClass:      tc.TrafficClass,
			SendBufferSize:    tc.SendBufferSize,
			ReceiveBufferSize: tc.ReceiveBufferSize,
		},
		rendezvous: rdv,
	}, nil
}

// Config stores configurations for a typical tunnel setup.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Servers           []ServerConfig            `json:"servers,omitzero"`
	Clients           []ClientConfig            `json:"clients,omitzero"`
	RendezvousServers []rendezvous.ServerConfig `json:"rendezvousServers,omitzero"`
	Status            status.Config             `json:"status,omitzero"`
}

// Manager initializes the service manager.
func (sc *Config) Manager(logger *tslog.Logger) (*Manager, error) {
	serviceCount := len(sc.Servers) + len(sc.Clients) + len(sc.RendezvousServers)
	if serviceCount == 0 {
		return nil, errors.New("no services to start")
	}

	services := make([]Service, 0, serviceCount+1)
	reporters := make([]status.Reporter, 0, len(sc.Servers)+len(sc.Clients))

	for i := range sc.RendezvousServers {
		s, err := sc.RendezvousServers[i].NewServer(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create rendezvous server %s: %w", sc.RendezvousServers[i].Name, err)
		}
		services = append(services, s)
	}

	for i := range sc.Servers {
		s, err := sc.Servers[i].Server(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create server service %s: %w", sc.Servers[i].Name, err)
		}
		services = append(services, s)
		reporters = append(reporters, s)
	}

	for i := range sc.Clients {
		c, err := sc.Clients[i].Client(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client service %s: %w", sc.Clients[i].Name, err)
		}
		services = append(services, c)
		reporters = append(reporters, c)
	}

	if sc.Status.Enabled {
		services = append(services, sc.Status.NewService(logger, reporters))
	}

	return &Manager{services, reporters, logger}, nil
}

// Manager manages the services.
type Manager struct {
	services  []Service
	reporters []status.Reporter
	logger    *tslog.Logger
}

// Start starts all configured services.
// If a service fails to start, the services already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	for i, s := range m.services {
		if err := s.Start(ctx); err != nil {
			m.stop(m.services[:i])
			return fmt.Errorf("failed to start %s: %w", s.String(), err)
		}
	}
	return nil
}

// Stop stops all running services.
func (m *Manager) Stop() {
	m.stop(m.services)
}

func (m *Manager) stop(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if err := s.Stop(); err != nil {
			m.logger.Warn("Failed to stop service",
				slog.String("service", s.String()),
				tslog.Err(err),
			)
		}
		m.logger.Info("Stopped service", slog.String("service", s.String()))
	}
}

// Report returns the status of all tunnel services.
func (m *Manager) Report() status.Report {
	return status.Collect(m.reporters)
}
