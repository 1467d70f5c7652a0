package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/database64128/mvtun-go/tslog"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type registration struct {
	addr  netip.AddrPort
	owner *serverConn
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	remote  string
}

func (sc *serverConn) write(msg Message) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.ws.WriteJSON(msg)
}

// Handler is the rendezvous server's WebSocket endpoint.
type Handler struct {
	logger *tslog.Logger

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	peers    map[string]registration
	watchers map[string]map[*serverConn]struct{}
}

// NewHandler returns a new rendezvous handler.
func NewHandler(logger *tslog.Logger) *Handler {
	return &Handler{
		logger:   logger,
		conns:    make(map[*serverConn]struct{}),
		peers:    make(map[string]registration),
		watchers: make(map[string]map[*serverConn]struct{}),
	}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Failed to upgrade rendezvous connection",
			slog.String("remote", r.RemoteAddr),
			tslog.Err(err),
		)
		return
	}

	sc := &serverConn{ws: ws, remote: r.RemoteAddr}
	h.mu.Lock()
	h.conns[sc] = struct{}{}
	h.mu.Unlock()
	defer h.drop(sc)

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Rendezvous connection closed",
					slog.String("remote", sc.remote),
					tslog.Err(err),
				)
			}
			return
		}

		reply := h.handle(sc, msg)
		if err := sc.write(reply); err != nil {
			h.logger.Debug("Failed to write rendezvous reply",
				slog.String("remote", sc.remote),
				tslog.Err(err),
			)
			return
		}
	}
}

func (h *Handler) handle(sc *serverConn, msg Message) Message {
	reply := Message{Seq: msg.Seq, ID: msg.ID}
	if msg.ID == "" {
		reply.Type = MsgTypeError
		reply.Error = "missing id"
		return reply
	}

	switch msg.Type {
	case MsgTypeRegister:
		if !msg.Addr.IsValid() {
			reply.Type = MsgTypeError
			reply.Error = "missing address"
			return reply
		}
		h.register(sc, msg.ID, msg.Addr)
		reply.Type = MsgTypeRegistered
		reply.Addr = msg.Addr

	case MsgTypeResolve:
		h.mu.Lock()
		reg, ok := h.peers[msg.ID]
		watchers := h.watchers[msg.ID]
		if watchers == nil {
			watchers = make(map[*serverConn]struct{})
			h.watchers[msg.ID] = watchers
		}
		watchers[sc] = struct{}{}
		h.mu.Unlock()

		if !ok {
			reply.Type = MsgTypeError
			reply.Error = ErrNotFound.Error()
			return reply
		}
		reply.Type = MsgTypeResolved
		reply.Addr = reg.addr

	default:
		reply.Type = MsgTypeError
		reply.Error = "unknown message type " + string(msg.Type)
	}

	return reply
}

func (h *Handler) register(sc *serverConn, id string, addr netip.AddrPort) {
	h.mu.Lock()
	prev, existed := h.peers[id]
	h.peers[id] = registration{addr: addr, owner: sc}
	var notify []*serverConn
	if !existed || prev.addr != addr {
		for w := range h.watchers[id] {
			if w != sc {
				notify = append(notify, w)
			}
		}
	}
	h.mu.Unlock()

	if !existed || prev.addr != addr {
		h.logger.Info("Registered peer",
			slog.String("id", id),
			tslog.AddrPort("addr", addr),
			slog.String("remote", sc.remote),
		)
	}

	for _, w := range notify {
		if err := w.write(Message{Type: MsgTypeChanged, ID: id, Addr: addr}); err != nil {
			h.logger.Debug("Failed to push address change",
				slog.String("id", id),
				slog.String("remote", w.remote),
				tslog.Err(err),
			)
		}
	}
}

// drop removes the connection's registrations and subscriptions, and closes it.
func (h *Handler) drop(sc *serverConn) {
	h.mu.Lock()
	delete(h.conns, sc)
	for id, reg := range h.peers {
		if reg.owner == sc {
			delete(h.peers, id)
		}
	}
	for id, watchers := range h.watchers {
		delete(watchers, sc)
		if len(watchers) == 0 {
			delete(h.watchers, id)
		}
	}
	h.mu.Unlock()
	_ = sc.ws.Close()
}

// CloseConns closes every open connection.
func (h *Handler) CloseConns() {
	h.mu.Lock()
	conns := make([]*serverConn, 0, len(h.conns))
	for sc := range h.conns {
		conns = append(conns, sc)
	}
	h.mu.Unlock()

	for _, sc := range conns {
		_ = sc.ws.Close()
	}
}

// Lookup returns the address registered under id.
func (h *Handler) Lookup(id string) (netip.AddrPort, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.peers[id]
	return reg.addr, ok
}

// ServerConfig is the configuration of a rendezvous server.
type ServerConfig struct {
	// Name is the name of the server.
	Name string `json:"name"`

	// ListenAddress is the TCP address to listen on.
	ListenAddress string `json:"listen"`

	// Path is the HTTP path of the WebSocket endpoint. Defaults to "/".
	Path string `json:"path"`
}

// NewServer returns a new rendezvous server service.
func (c *ServerConfig) NewServer(logger *tslog.Logger) (*Server, error) {
	if c.ListenAddress == "" {
		return nil, errors.New("rendezvous server listen address is required")
	}

	path := c.Path
	if path == "" {
		path = "/"
	}

	logger = logger.WithAttrs(slog.String("rendezvous", c.Name))
	handler := NewHandler(logger)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &Server{
		logger:  logger,
		name:    c.Name,
		address: c.ListenAddress,
		handler: handler,
		server: http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Server runs a rendezvous [Handler] on its own HTTP listener.
type Server struct {
	logger  *tslog.Logger
	name    string
	address string
	handler *Handler
	server  http.Server
}

// String implements [service.Service.String].
func (s *Server) String() string {
	return "rendezvous server " + s.name
}

// Handler returns the server's handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Start starts the server.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Failed to serve rendezvous", tslog.Err(err))
		}
	}()

	s.logger.Info("Started rendezvous server", slog.Any("listenAddress", ln.Addr()))
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	s.handler.CloseConns()
	s.logger.Info("Stopped rendezvous server")
	return nil
}
