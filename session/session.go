// Package session implements the per-peer session state machine and the server's session table.
package session

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// State is the state of a peer session.
type State uint8

const (
	// StateIdle is the state of a session that has not yet accepted a packet
	// since it was created or reset.
	StateIdle State = iota

	// StateActive is the state of a session that has recently accepted a packet.
	StateActive

	// StateTimedOut is the state of a session that saw no valid packet within the timeout,
	// or received a disconnect.
	StateTimedOut
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "active":
		*s = StateActive
	case "timed-out":
		*s = StateTimedOut
	default:
		return fmt.Errorf("unknown session state: %q", text)
	}
	return nil
}

// Session is the state of one peer.
//
// All methods are safe for concurrent use. Methods that depend on time take the current time
// as an argument.
type Session struct {
	mu sync.Mutex

	addr  netip.AddrPort
	state State

	createdAt     time.Time
	stateChanged  time.Time
	lastSeen      time.Time
	lastSent      time.Time
	lastKeepalive time.Time

	echoID      uint32
	ipv4        netip.Addr
	ipv6        netip.Addr
	routesAcked bool

	rxPackets uint64
	rxBytes   uint64
	txPackets uint64
	txBytes   uint64
}

// New returns a new idle session for the peer at addr.
func New(now time.Time, addr netip.AddrPort) *Session {
	return &Session{
		addr:         addr,
		createdAt:    now,
		stateChanged: now,
	}
}

// Addr returns the current remote address of the peer.
func (s *Session) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the time of the last accepted packet.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Accept records a valid inbound packet of n bytes from addr.
//
// It returns whether the session transitioned into [StateActive].
// The last seen time never moves backwards.
func (s *Session) Accept(now time.Time, addr netip.AddrPort, n int) (activated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	if addr.IsValid() {
		s.addr = addr
	}
	s.rxPackets++
	s.rxBytes += uint64(n)

	if s.state == StateActive {
		return false
	}
	s.state = StateActive
	s.stateChanged = now
	s.routesAcked = false
	return true
}

// Sent records an outbound packet of n bytes.
func (s *Session) Sent(now time.Time, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.lastSent) {
		s.lastSent = now
	}
	s.txPackets++
	s.txBytes += uint64(n)
}

// CheckTimeout moves the session into [StateTimedOut] once the time since the last
// accepted packet exceeds timeout. An idle session times out once it has stayed idle
// for longer than timeout.
//
// It returns whether the call caused the transition. Once timed out, further calls
// return false until the session accepts a packet or is reset.
func (s *Session) CheckTimeout(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		if now.Sub(s.lastSeen) <= timeout {
			return false
		}
	case StateIdle:
		if now.Sub(s.stateChanged) <= timeout {
			return false
		}
	default:
		return false
	}

	s.state = StateTimedOut
	s.stateChanged = now
	return true
}

// KeepaliveDue reports whether a keepalive should be sent now, and if so, records it as sent.
//
// A keepalive is due when the session is not timed out, nothing was sent for interval,
// and no keepalive was sent for interval.
func (s *Session) KeepaliveDue(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTimedOut {
		return false
	}
	if now.Sub(s.lastSent) < interval || now.Sub(s.lastKeepalive) < interval {
		return false
	}
	s.lastKeepalive = now
	return true
}

// Disconnect immediately moves the session into [StateTimedOut].
// It returns false if the session was already timed out.
func (s *Session) Disconnect(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTimedOut {
		return false
	}
	s.state = StateTimedOut
	s.stateChanged = now
	return true
}

// Reset puts the session back into [StateIdle] with a new remote address.
// Learned tunnel addresses and counters are kept.
func (s *Session) Reset(now time.Time, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addr = addr
	s.state = StateIdle
	s.stateChanged = now
	s.lastKeepalive = time.Time{}
	s.routesAcked = false
}

// SetAddr updates the remote address without changing state.
func (s *Session) SetAddr(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

// NextEchoID stores and returns id as the identifier of the latest echo request.
func (s *Session) NextEchoID(id uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoID = id
	return id
}

// EchoID returns the identifier of the latest echo request.
func (s *Session) EchoID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echoID
}

// TunnelAddrs returns the tunnel addresses learned from the peer.
func (s *Session) TunnelAddrs() (ipv4, ipv6 netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipv4, s.ipv6
}

// LearnTunnelAddr records a tunnel address of the peer.
// It returns the previous address of the same family and whether it changed.
func (s *Session) LearnTunnelAddr(addr netip.Addr) (prev netip.Addr, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr = addr.Unmap()
	switch {
	case addr.Is4():
		prev, s.ipv4 = s.ipv4, addr
	case addr.Is6():
		prev, s.ipv6 = s.ipv6, addr
	default:
		return prev, false
	}
	return prev, prev != addr
}

// RoutesAcked returns whether the peer acknowledged our route advertisement
// since the session last became active.
func (s *Session) RoutesAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routesAcked
}

// AckRoutes records that the peer acknowledged our route advertisement.
func (s *Session) AckRoutes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routesAcked = true
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	RemoteAddress netip.AddrPort `json:"remoteAddress"`
	State         State          `json:"state"`
	CreatedAt     time.Time      `json:"createdAt"`
	StateChanged  time.Time      `json:"stateChanged"`
	LastSeen      time.Time      `json:"lastSeen,omitzero"`
	LastSent      time.Time      `json:"lastSent,omitzero"`
	TunnelIPv4    netip.Addr     `json:"tunnelIPv4,omitzero"`
	TunnelIPv6    netip.Addr     `json:"tunnelIPv6,omitzero"`
	RoutesAcked   bool           `json:"routesAcked"`
	RxPackets     uint64         `json:"rxPackets"`
	RxBytes       uint64         `json:"rxBytes"`
	TxPackets     uint64         `json:"txPackets"`
	TxBytes       uint64         `json:"txBytes"`
}

// Snapshot returns a copy of the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RemoteAddress: s.addr,
		State:         s.state,
		CreatedAt:     s.createdAt,
		StateChanged:  s.stateChanged,
		LastSeen:      s.lastSeen,
		LastSent:      s.lastSent,
		TunnelIPv4:    s.ipv4,
		TunnelIPv6:    s.ipv6,
		RoutesAcked:   s.routesAcked,
		RxPackets:     s.rxPackets,
		RxBytes:       s.rxBytes,
		TxPackets:     s.txPackets,
		TxBytes:       s.txBytes,
	}
}
