package source

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/errors"
)

// TCPServer binds host:port and accepts any number of source connections.
// Every client's lines are emitted under the same source identity; the
// routing layer never distinguishes which client a line came from.
// A bind failure fails Start fatally.
type TCPServer struct {
	name    string
	host    string
	port    int
	logger  *slog.Logger
	handler LineHandler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	linesRead   atomic.Int64
	clientCount atomic.Int64
}

// NewTCPServer creates a listening source from a bridge snapshot.
func NewTCPServer(snap config.BridgeConfig, deps Deps) *TCPServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		name: snap.ConfigID,
		host: snap.Host,
		port: snap.Port,
		logger: logger.With("component", "tcpserver-source",
			"listen", net.JoinHostPort(snap.Host, fmt.Sprintf("%d", snap.Port))),
		handler: deps.Handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listening socket and begins accepting source clients.
func (s *TCPServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		// EADDRINUSE, permission denied: configuration problems, no retry.
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrSourceOpenFailed, err),
			"tcpserver-source", "Start", "bind")
	}

	s.listener = listener
	s.running.Store(true)
	s.logger.Info("Listening for source connections")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

func (s *TCPServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Warn("Accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.clientCount.Add(1)
		s.logger.Debug("Source client connected", "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.clientCount.Add(-1)
		s.logger.Debug("Source client disconnected", "remote", conn.RemoteAddr())
	}()

	_ = scanLines(conn, func(line string) {
		s.linesRead.Add(1)
		s.handler(line)
	})
}

// Connected reports whether the listener is bound. Individual client churn
// does not affect this.
func (s *TCPServer) Connected() bool {
	return s.running.Load()
}

// Clients returns the number of currently connected source clients.
func (s *TCPServer) Clients() int {
	return int(s.clientCount.Load())
}

// Stats returns lines read across all clients.
func (s *TCPServer) Stats() (lines int64) {
	return s.linesRead.Load()
}

// Stop closes the listener and every client connection. Errors are logged,
// never returned.
func (s *TCPServer) Stop(timeout time.Duration) error {
	s.running.Store(false)

	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", "error", err)
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			s.logger.Warn("Error closing source client", "error", err)
		}
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		s.logger.Warn("Source goroutines did not finish before timeout")
	}
	return nil
}

var _ Source = (*TCPServer)(nil)
