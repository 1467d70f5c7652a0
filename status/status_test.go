package status

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/database64128/mvtun-go/session"
	"github.com/database64128/mvtun-go/tslogtest"
)

type staticReporter ServiceReport

func (r staticReporter) StatusReport() ServiceReport {
	return ServiceReport(r)
}

func testReporters() []Reporter {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := session.New(now, netip.MustParseAddrPort("192.0.2.1:1414"))
	s.Accept(now.Add(time.Second), netip.MustParseAddrPort("192.0.2.1:1414"), 128)
	s.LearnTunnelAddr(netip.MustParseAddr("10.7.0.2"))

	return []Reporter{
		staticReporter{
			Name:         "server",
			Role:         "server",
			Interface:    "mv0",
			LocalAddress: netip.MustParseAddrPort("[::]:1414"),
			Sessions:     []session.Snapshot{s.Snapshot()},
		},
		staticReporter{
			Name:          "client",
			Role:          "client",
			RemoteAddress: netip.MustParseAddrPort("192.0.2.2:1414"),
			Sessions:      []session.Snapshot{},
			Rendezvous: &RendezvousReport{
				Server:    "ws://192.0.2.3/",
				LocalID:   "alice",
				RemoteID:  "bob",
				Connected: true,
			},
		},
	}
}

func checkReport(t *testing.T, r Report) {
	t.Helper()

	if len(r.Services) != 2 {
		t.Fatalf("len(r.Services) = %d, want 2", len(r.Services))
	}

	server := r.Services[0]
	if server.Name != "server" || server.Interface != "mv0" {
		t.Errorf("server = %+v", server)
	}
	if len(server.Sessions) != 1 {
		t.Fatalf("len(server.Sessions) = %d, want 1", len(server.Sessions))
	}
	snap := server.Sessions[0]
	if snap.State != session.StateActive {
		t.Errorf("snap.State = %v, want %v", snap.State, session.StateActive)
	}
	if snap.TunnelIPv4 != netip.MustParseAddr("10.7.0.2") {
		t.Errorf("snap.TunnelIPv4 = %v, want 10.7.0.2", snap.TunnelIPv4)
	}
	if snap.RxBytes != 128 {
		t.Errorf("snap.RxBytes = %d, want 128", snap.RxBytes)
	}

	client := r.Services[1]
	if client.RemoteAddress != netip.MustParseAddrPort("192.0.2.2:1414") {
		t.Errorf("client.RemoteAddress = %v", client.RemoteAddress)
	}
	if client.Rendezvous == nil || client.Rendezvous.RemoteID != "bob" || !client.Rendezvous.Connected {
		t.Errorf("client.Rendezvous = %+v", client.Rendezvous)
	}
}

func TestHandler(t *testing.T) {
	ts := httptest.NewServer(Handler(testReporters()))
	defer ts.Close()

	addr := ts.Listener.Addr().String()
	r, err := Query(t.Context(), "tcp", addr)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	checkReport(t, r)

	resp, err := http.Post(ts.URL+Path, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestService(t *testing.T) {
	logger := tslogtest.Config{Level: slog.LevelDebug}.NewTestLogger(t)

	for _, c := range []struct {
		name    string
		network string
		address string
	}{
		{"TCP", "tcp", "127.0.0.1:0"},
		{"Unix", "unix", filepath.Join(t.TempDir(), "status.sock")},
	} {
		t.Run(c.name, func(t *testing.T) {
			s := Config{
				Enabled:       true,
				ListenNetwork: c.network,
				ListenAddress: c.address,
			}.NewService(logger, testReporters())

			if err := s.Start(t.Context()); err != nil {
				t.Fatalf("s.Start failed: %v", err)
			}
			defer s.Stop()

			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			r, err := Query(ctx, c.network, s.Addr().String())
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			checkReport(t, r)
		})
	}
}
