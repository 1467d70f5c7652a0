package session

import (
	"net/netip"
	"testing"
	"time"
)

var (
	testAddr  = netip.MustParseAddrPort("192.0.2.1:1414")
	testAddr2 = netip.MustParseAddrPort("[2001:db8::1]:1414")
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestSessionAcceptActivates(t *testing.T) {
	s := New(testStart, testAddr)
	if state := s.State(); state != StateIdle {
		t.Fatalf("new session state = %v, want %v", state, StateIdle)
	}

	if !s.Accept(testStart.Add(time.Second), testAddr, 100) {
		t.Error("first Accept did not report activation")
	}
	if s.Accept(testStart.Add(2*time.Second), testAddr, 100) {
		t.Error("second Accept reported activation")
	}
	if state := s.State(); state != StateActive {
		t.Errorf("state = %v, want %v", state, StateActive)
	}

	snap := s.Snapshot()
	if snap.RxPackets != 2 || snap.RxBytes != 200 {
		t.Errorf("rx counters = %d packets %d bytes, want 2 packets 200 bytes", snap.RxPackets, snap.RxBytes)
	}
}

func TestSessionLastSeenMonotonic(t *testing.T) {
	s := New(testStart, testAddr)
	later := testStart.Add(10 * time.Second)
	s.Accept(later, testAddr, 0)
	s.Accept(testStart.Add(5*time.Second), testAddr, 0)
	if got := s.LastSeen(); !got.Equal(later) {
		t.Errorf("LastSeen() = %v, want %v", got, later)
	}
}

func TestSessionTimeoutIdempotent(t *testing.T) {
	const timeout = 120 * time.Second

	s := New(testStart, testAddr)
	s.Accept(testStart, testAddr, 0)

	if s.CheckTimeout(testStart.Add(timeout), timeout) {
		t.Fatal("CheckTimeout fired at exactly the timeout")
	}
	if !s.CheckTimeout(testStart.Add(timeout+time.Nanosecond), timeout) {
		t.Fatal("CheckTimeout did not fire past the timeout")
	}

	for i := range 10 {
		if s.CheckTimeout(testStart.Add(timeout+time.Nanosecond+time.Duration(i)*time.Second), timeout) {
			t.Fatalf("CheckTimeout fired again on call %d", i)
		}
		if state := s.State(); state != StateTimedOut {
			t.Fatalf("state = %v, want %v", state, StateTimedOut)
		}
	}

	if !s.Accept(testStart.Add(2*timeout), testAddr, 0) {
		t.Error("Accept after timeout did not report activation")
	}
}

func TestSessionLiveness(t *testing.T) {
	const timeout = 47 * time.Second

	s := New(testStart, testAddr)
	now := testStart
	for range 1000 {
		now = now.Add(timeout - time.Millisecond)
		if s.CheckTimeout(now, timeout) {
			t.Fatalf("session timed out at %v despite traffic", now)
		}
		s.Accept(now, testAddr, 64)
		if state := s.State(); state != StateActive {
			t.Fatalf("state = %v, want %v", state, StateActive)
		}
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	const timeout = 10 * time.Second

	s := New(testStart, testAddr)
	if s.CheckTimeout(testStart.Add(timeout/2), timeout) {
		t.Fatal("idle session timed out early")
	}
	if s.CheckTimeout(testStart.Add(timeout), timeout) {
		t.Fatal("idle session timed out at exactly the timeout")
	}
	if !s.CheckTimeout(testStart.Add(timeout+time.Nanosecond), timeout) {
		t.Fatal("idle session did not time out")
	}

	s.Reset(testStart.Add(timeout), testAddr2)
	if state := s.State(); state != StateIdle {
		t.Errorf("state after Reset = %v, want %v", state, StateIdle)
	}
	if addr := s.Addr(); addr != testAddr2 {
		t.Errorf("Addr() = %v, want %v", addr, testAddr2)
	}
}

func TestSessionKeepaliveDue(t *testing.T) {
	const interval = 7 * time.Second

	s := New(testStart, testAddr)
	s.Accept(testStart, testAddr, 0)
	s.Sent(testStart, 10)

	if s.KeepaliveDue(testStart.Add(interval-time.Second), interval) {
		t.Error("keepalive due before interval")
	}
	if !s.KeepaliveDue(testStart.Add(interval), interval) {
		t.Error("keepalive not due after interval")
	}
	if s.KeepaliveDue(testStart.Add(interval+time.Second), interval) {
		t.Error("keepalive due twice within interval")
	}

	s.Sent(testStart.Add(2*interval), 10)
	if s.KeepaliveDue(testStart.Add(2*interval+time.Second), interval) {
		t.Error("keepalive due right after sending data")
	}

	s.Disconnect(testStart.Add(3 * interval))
	if s.KeepaliveDue(testStart.Add(10*interval), interval) {
		t.Error("keepalive due on a timed out session")
	}
}

func TestSessionDisconnect(t *testing.T) {
	s := New(testStart, testAddr)
	s.Accept(testStart, testAddr, 0)
	if !s.Disconnect(testStart) {
		t.Fatal("Disconnect returned false on an active session")
	}
	if s.Disconnect(testStart) {
		t.Error("Disconnect returned true on a timed out session")
	}
	if state := s.State(); state != StateTimedOut {
		t.Errorf("state = %v, want %v", state, StateTimedOut)
	}
}

func TestSessionLearnTunnelAddr(t *testing.T) {
	s := New(testStart, testAddr)
	ip4 := netip.MustParseAddr("10.7.0.2")
	ip6 := netip.MustParseAddr("fd00::2")

	if _, changed := s.LearnTunnelAddr(ip4); !changed {
		t.Error("first IPv4 not reported as changed")
	}
	if _, changed := s.LearnTunnelAddr(netip.AddrFrom16(ip4.As16())); changed {
		t.Error("4-in-6 form of the same address reported as changed")
	}
	if _, changed := s.LearnTunnelAddr(ip6); !changed {
		t.Error("first IPv6 not reported as changed")
	}
	if _, changed := s.LearnTunnelAddr(netip.Addr{}); changed {
		t.Error("invalid address reported as changed")
	}

	got4, got6 := s.TunnelAddrs()
	if got4 != ip4 || got6 != ip6 {
		t.Errorf("TunnelAddrs() = %v, %v, want %v, %v", got4, got6, ip4, ip6)
	}
}

func TestSessionRoutesAckedResetOnActivation(t *testing.T) {
	s := New(testStart, testAddr)
	s.Accept(testStart, testAddr, 0)
	s.AckRoutes()
	if !s.RoutesAcked() {
		t.Fatal("RoutesAcked() = false after AckRoutes")
	}
	s.Disconnect(testStart)
	s.Accept(testStart.Add(time.Second), testAddr, 0)
	if s.RoutesAcked() {
		t.Error("RoutesAcked() = true after reactivation")
	}
}
