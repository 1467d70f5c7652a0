package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/rendezvous"
	"github.com/database64128/mvtun-go/status"
	"github.com/database64128/mvtun-go/tslog"
)

// RendezvousConfig configures UDP hole punching through a rendezvous server.
type RendezvousConfig struct {
	// Server is the WebSocket URL of the rendezvous server.
	Server string `json:"server"`

	// LocalID is registered with the reflexive address of the tunnel socket.
	LocalID string `json:"localID,omitzero"`

	// RemoteID is resolved to find the peer. Only used by clients.
	RemoteID string `json:"remoteID,omitzero"`

	// STUNServer is queried for the reflexive address of the tunnel socket.
	// Without it, the local address of the socket is registered.
	STUNServer conn.Addr `json:"stunServer,omitzero"`
}

func (rc *RendezvousConfig) newPeer(logger *tslog.Logger, retryInterval time.Duration) (*rendezvousPeer, error) {
	if rc.Server == "" {
		return nil, ErrRendezvousNoServer
	}
	if rc.LocalID == "" && rc.RemoteID == "" {
		return nil, errors.New("rendezvous requires a local ID or a remote ID")
	}
	return &rendezvousPeer{
		logger:        logger.WithAttrs(slog.String("rendezvous", rc.Server)),
		server:        rc.Server,
		localID:       rc.LocalID,
		remoteID:      rc.RemoteID,
		stunServer:    rc.STUNServer,
		retryInterval: retryInterval,
	}, nil
}

// rendezvousPeer keeps a tunnel socket registered with a rendezvous server,
// and follows the address of the remote peer.
type rendezvousPeer struct {
	logger        *tslog.Logger
	server        string
	localID       string
	remoteID      string
	stunServer    conn.Addr
	retryInterval time.Duration

	mu             sync.Mutex
	resolver       rendezvous.Resolver
	reflexive      netip.AddrPort
	lastRegistered time.Time
}

// discover finds the reflexive address of uc and remembers it for registration.
// It reads from uc, so it must be called before the receive loop owns uc.
func (p *rendezvousPeer) discover(ctx context.Context, uc *net.UDPConn) netip.AddrPort {
	addr := uc.LocalAddr().(*net.UDPAddr).AddrPort()

	if p.stunServer.IsValid() {
		stunAddr, err := p.stunServer.ResolveIPPort(ctx, "ip")
		if err == nil {
			var reflexive netip.AddrPort
			if reflexive, err = rendezvous.DiscoverReflexiveAddr(ctx, uc, stunAddr); err == nil {
				addr = reflexive
			}
		}
		if err != nil {
			p.logger.Warn("Failed to discover reflexive address, registering local address",
				tslog.ConnAddr("stunServer", p.stunServer),
				tslog.AddrPort("localAddress", addr),
				tslog.Err(err),
			)
		} else {
			p.logger.Info("Discovered reflexive address", tslog.AddrPort("reflexiveAddress", addr))
		}
	}

	p.mu.Lock()
	p.reflexive = addr
	p.mu.Unlock()
	return addr
}

// connect dials the rendezvous server and registers the local ID.
func (p *rendezvousPeer) connect(ctx context.Context) error {
	resolver, err := rendezvous.Dial(ctx, p.server, p.logger)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.resolver
	p.resolver = resolver
	p.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	return p.register(ctx)
}

// register registers the local ID with the last discovered address.
func (p *rendezvousPeer) register(ctx context.Context) error {
	if p.localID == "" {
		return nil
	}

	p.mu.Lock()
	resolver, addr := p.resolver, p.reflexive
	p.mu.Unlock()
	if resolver == nil {
		return rendezvous.ErrClosed
	}

	if err := resolver.Register(ctx, p.localID, addr); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastRegistered = time.Now()
	p.mu.Unlock()

	p.logger.Info("Registered with rendezvous server",
		slog.String("localID", p.localID),
		tslog.AddrPort("addr", addr),
	)
	return nil
}

// resolve returns the current address of the remote peer.
func (p *rendezvousPeer) resolve(ctx context.Context) (netip.AddrPort, error) {
	p.mu.Lock()
	resolver := p.resolver
	p.mu.Unlock()
	if resolver == nil {
		return netip.AddrPort{}, rendezvous.ErrClosed
	}
	return resolver.Resolve(ctx, p.remoteID)
}

// run follows address changes of the remote peer until ctx is done,
// reconnecting to the rendezvous server whenever the connection is lost.
// onChange may be nil.
func (p *rendezvousPeer) run(ctx context.Context, onChange func(netip.AddrPort)) {
	for {
		p.mu.Lock()
		resolver := p.resolver
		p.mu.Unlock()

		if resolver == nil {
			if err := p.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("Failed to connect to rendezvous server", tslog.Err(err))
				if !p.wait(ctx) {
					return
				}
				continue
			}

			p.mu.Lock()
			resolver = p.resolver
			p.mu.Unlock()

			if p.remoteID != "" && onChange != nil {
				addr, err := p.resolve(ctx)
				switch {
				case err == nil:
					onChange(addr)
				case errors.Is(err, rendezvous.ErrNotFound):
					p.logger.Info("Remote peer not registered yet", slog.String("remoteID", p.remoteID))
				default:
					p.logger.Warn("Failed to resolve remote peer", slog.String("remoteID", p.remoteID), tslog.Err(err))
				}
			}
		}

		for change := range resolver.Changes() {
			if change.ID != p.remoteID || onChange == nil {
				continue
			}
			p.logger.Info("Remote peer address changed",
				slog.String("remoteID", change.ID),
				tslog.AddrPort("addr", change.Addr),
			)
			onChange(change.Addr)
		}

		p.mu.Lock()
		if p.resolver == resolver {
			p.resolver = nil
		}
		p.mu.Unlock()
		_ = resolver.Close()

		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Lost connection to rendezvous server")
		if !p.wait(ctx) {
			return
		}
	}
}

// wait sleeps for the retry interval. It returns false if ctx is done first.
func (p *rendezvousPeer) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.retryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// close closes the connection to the rendezvous server, which also stops run.
func (p *rendezvousPeer) close() {
	p.mu.Lock()
	resolver := p.resolver
	p.mu.Unlock()
	if resolver != nil {
		_ = resolver.Close()
	}
}

func (p *rendezvousPeer) report() *status.RendezvousReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &status.RendezvousReport{
		Server:           p.server,
		LocalID:          p.localID,
		RemoteID:         p.remoteID,
		ReflexiveAddress: p.reflexive,
		Connected:        p.resolver != nil,
		LastRegistered:   p.lastRegistered,
	}
}
