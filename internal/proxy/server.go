package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tenantproxy/gateway/internal/config"
	"github.com/tenantproxy/gateway/internal/metrics"
)

// Server owns the three protocol listeners and fans each accepted connection
// out to the matching ConnectionHandler. There is no connection pool and no
// shared backend state to protect — each client socket maps to exactly one
// dedicated upstream socket for its lifetime (spec §1 Non-goals).
type Server struct {
	handlers map[string]ConnectionHandler
	metrics  *metrics.Collector

	listeners []net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server wired to one routing table per protocol.
func NewServer(cfg *config.Config, m *metrics.Collector, handshakeTimeout time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		handlers: map[string]ConnectionHandler{
			"postgres": &PostgresHandler{Upstreams: cfg.Postgres, Metrics: m, HandshakeTimeout: handshakeTimeout},
			"mysql":    &MySQLHandler{Upstreams: cfg.MySQL, Metrics: m, HandshakeTimeout: handshakeTimeout},
			"tds":      &TDSHandler{Upstreams: cfg.SQLServer, Metrics: m, HandshakeTimeout: handshakeTimeout},
		},
	}
}

// ListenAndServe opens the three listeners and blocks until Stop is called or
// every accept loop exits.
func (s *Server) ListenAndServe(host string, pgPort, mysqlPort, tdsPort int) error {
	specs := []struct {
		protocol string
		port     int
	}{
		{"postgres", pgPort},
		{"mysql", mysqlPort},
		{"tds", tdsPort},
	}

	for _, sp := range specs {
		addr := net.JoinHostPort(host, portString(sp.port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("listening on %s for %s: %w", addr, sp.protocol, err)
		}
		s.listeners = append(s.listeners, ln)
		slog.Info("listening", "protocol", sp.protocol, "addr", addr)

		s.wg.Add(1)
		go func(ln net.Listener, protocol string) {
			defer s.wg.Done()
			s.acceptLoop(ln, protocol)
		}(ln, sp.protocol)
	}

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, protocol string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "protocol", protocol, "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, protocol)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn, protocol string) {
	defer clientConn.Close()

	handler, ok := s.handlers[protocol]
	if !ok {
		slog.Error("no handler registered for protocol", "protocol", protocol)
		return
	}

	if err := handler.Handle(s.ctx, clientConn); err != nil {
		slog.Warn("connection error", "protocol", protocol, "error", err)
	}
}

// Stop cancels the server context, closes the listeners, and waits for the
// accept loops and connection handlers to return. Cancelling the context
// makes every spliced connection close both of its sockets; a connection
// still in its handshake runs on until the handshake ends or its deadline
// passes.
func (s *Server) Stop() {
	s.cancel()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wg.Wait()
	slog.Info("proxy server stopped")
}
