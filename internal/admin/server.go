// Package admin serves a RESP console on the front end for inspecting and
// steering a running tree, and a websocket feed of its network events.
package admin

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/10yihang/treenet/internal/network"
)

type Server struct {
	addr     string
	handler  *Handler
	log      *slog.Logger
	server   *redcon.Server
	listener net.Listener
	ready    chan struct{}

	mu      sync.RWMutex
	clients map[redcon.Conn]struct{}
}

func NewServer(addr string, n *network.Network, log *slog.Logger) *Server {
	if log == nil {
		log = n.Logger()
	}
	log = log.With(slog.String("component", "admin"))
	return &Server{
		addr:    addr,
		handler: NewHandler(n),
		log:     log,
		ready:   make(chan struct{}),
		clients: make(map[redcon.Conn]struct{}),
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	close(s.ready)

	s.log.Info("admin console listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Ready is closed once Start has bound its listener or failed to.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("admin client connected", "remote", conn.RemoteAddr())
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()

	s.log.Debug("admin client disconnected", "remote", conn.RemoteAddr(), "error", err)
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.ExecuteBytes(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.ExecuteBytes(ctx, conn, p.Args[0], p.Args[1:])
	}
}
