// Package status serves point-in-time reports of running tunnel services over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/database64128/mvtun-go/session"
	"github.com/database64128/mvtun-go/tslog"
)

// Path is the HTTP path of the status endpoint.
const Path = "/status"

// Config is the configuration for the status service.
type Config struct {
	// Enabled controls whether the status service is enabled.
	Enabled bool `json:"enabled"`

	// ListenNetwork is the network to listen on.
	//
	//  - "tcp": TCP (default)
	//  - "unix": Unix domain socket
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress is the address to listen on.
	ListenAddress string `json:"listenAddress"`
}

// RendezvousReport describes a service's registration with a rendezvous server.
type RendezvousReport struct {
	Server           string         `json:"server"`
	LocalID          string         `json:"localID,omitzero"`
	RemoteID         string         `json:"remoteID,omitzero"`
	ReflexiveAddress netip.AddrPort `json:"reflexiveAddress,omitzero"`
	Connected        bool           `json:"connected"`
	LastRegistered   time.Time      `json:"lastRegistered,omitzero"`
}

// ServiceReport describes one tunnel service.
type ServiceReport struct {
	Name          string             `json:"name"`
	Role          string             `json:"role"`
	Interface     string             `json:"interface,omitzero"`
	LocalAddress  netip.AddrPort     `json:"localAddress,omitzero"`
	RemoteAddress netip.AddrPort     `json:"remoteAddress,omitzero"`
	Sessions      []session.Snapshot `json:"sessions"`
	Rendezvous    *RendezvousReport  `json:"rendezvous,omitempty"`
}

// Report is the response body of the status endpoint.
type Report struct {
	Time     time.Time       `json:"time"`
	Services []ServiceReport `json:"services"`
}

// Reporter is implemented by services that can describe themselves.
type Reporter interface {
	StatusReport() ServiceReport
}

// Collect returns a report of all reporters.
func Collect(reporters []Reporter) Report {
	r := Report{
		Time:     time.Now(),
		Services: make([]ServiceReport, 0, len(reporters)),
	}
	for _, reporter := range reporters {
		r.Services = append(r.Services, reporter.StatusReport())
	}
	return r
}

// Handler returns an HTTP handler that serves reports of reporters at [Path].
func Handler(reporters []Reporter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		_ = enc.Encode(Collect(reporters))
	})
	return mux
}

// NewService creates a new status service.
func (c Config) NewService(logger *tslog.Logger, reporters []Reporter) *Service {
	network := c.ListenNetwork
	if network == "" {
		network = "tcp"
	}

	return &Service{
		logger:  logger,
		network: network,
		server: http.Server{
			Addr:              c.ListenAddress,
			Handler:           logStatusRequests(logger, Handler(reporters)),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
	}
}

// logStatusRequests is a middleware that logs status requests.
func logStatusRequests(logger *tslog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
		logger.Debug("Handled status request",
			slog.String("method", r.Method),
			slog.String("requestURI", r.RequestURI),
			slog.String("remoteAddr", r.RemoteAddr),
		)
	})
}

// Service implements [service.Service].
type Service struct {
	logger  *tslog.Logger
	network string
	server  http.Server
	addr    net.Addr
}

// String implements [service.Service.String].
func (*Service) String() string {
	return "status"
}

// Addr returns the listener address. It is nil before Start.
func (s *Service) Addr() net.Addr {
	return s.addr
}

// Start implements [service.Service.Start].
func (s *Service) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.network, s.server.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Failed to serve status", tslog.Err(err))
		}
	}()

	s.logger.Info("Started status service", slog.Any("listenAddress", ln.Addr()))
	return nil
}

// Stop implements [service.Service.Stop].
func (s *Service) Stop() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	s.logger.Info("Stopped status service")
	return nil
}

// Query fetches a report from the status service at address.
// network is "tcp" or "unix".
func Query(ctx context.Context, network, address string) (Report, error) {
	var dialer net.Dialer
	client := http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://status"+Path, nil)
	if err != nil {
		return Report{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var r Report
	if err = json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Report{}, fmt.Errorf("failed to decode status report: %w", err)
	}
	return r, nil
}
