package bridge

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IdeaQru/apigate-sub000/errors"
)

// Monitor is a per-instance diagnostic listener streaming the instance's raw
// traffic to telnet-style clients. Anything a client sends is ignored.
type Monitor struct {
	port   int
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]net.Conn
	closed   bool
	wg       sync.WaitGroup
}

// OpenMonitor binds the first free port in [start, start+probeLimit). A port
// already in use is probed past; when every candidate is taken it returns an
// error and the instance runs without a monitor.
func OpenMonitor(bind string, start, probeLimit int, name string, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if probeLimit <= 0 {
		probeLimit = 1
	}

	var lastErr error
	for port := start; port < start+probeLimit; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprintf("%d", port)))
		if err != nil {
			lastErr = err
			continue
		}

		m := &Monitor{
			port:     port,
			name:     name,
			logger:   logger.With("component", "monitor", "port", port),
			listener: listener,
			clients:  make(map[string]net.Conn),
		}
		m.wg.Add(1)
		go m.acceptLoop(listener)
		m.logger.Info("Monitor listening", "bridge", name)
		return m, nil
	}

	return nil, errors.WrapTransient(
		fmt.Errorf("no free monitor port in [%d,%d): %v", start, start+probeLimit, lastErr),
		"monitor", "OpenMonitor", "bind")
}

// Port returns the bound monitor port.
func (m *Monitor) Port() int {
	return m.port
}

func (m *Monitor) acceptLoop(listener net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		id := uuid.NewString()
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.clients[id] = conn
		m.mu.Unlock()
		m.logger.Info("Monitor client connected", "client", id, "remote", conn.RemoteAddr())

		banner := fmt.Sprintf("# apigate monitor port %d bridge %q - raw traffic follows\r\n", m.port, m.name)
		if _, err := conn.Write([]byte(banner)); err != nil {
			m.removeClient(id)
			continue
		}

		m.wg.Add(1)
		go m.drain(id, conn)
	}
}

// drain discards client input until the connection drops.
func (m *Monitor) drain(id string, conn net.Conn) {
	defer m.wg.Done()

	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			m.removeClient(id)
			return
		}
	}
}

func (m *Monitor) removeClient(id string) {
	m.mu.Lock()
	conn, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.Close()
	m.logger.Info("Monitor client removed", "client", id)
}

// Clients returns the number of connected monitor clients.
func (m *Monitor) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Broadcast streams one line, framed with \r\n, to every monitor client.
// A failed write evicts that client only.
func (m *Monitor) Broadcast(line string) {
	m.mu.Lock()
	clients := make(map[string]net.Conn, len(m.clients))
	for id, conn := range m.clients {
		clients[id] = conn
	}
	m.mu.Unlock()

	payload := []byte(line + "\r\n")
	for id, conn := range clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(payload); err != nil {
			m.logger.Warn("Monitor write failed", "client", id, "error", err)
			m.removeClient(id)
		}
	}
}

// Close notifies every client with a shutdown banner, then closes the
// listener and all connections.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	listener := m.listener
	clients := make([]net.Conn, 0, len(m.clients))
	for _, conn := range m.clients {
		clients = append(clients, conn)
	}
	m.clients = make(map[string]net.Conn)
	m.mu.Unlock()

	shutdown := []byte(fmt.Sprintf("# apigate monitor port %d bridge %q shutting down\r\n", m.port, m.name))
	for _, conn := range clients {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(shutdown); err != nil {
			m.logger.Warn("Shutdown banner write failed", "error", err)
		}
		_ = conn.Close()
	}

	if listener != nil {
		if err := listener.Close(); err != nil {
			m.logger.Warn("Error closing monitor listener", "error", err)
		}
	}
	m.wg.Wait()
	m.logger.Info("Monitor closed", "notified_clients", len(clients))
}
