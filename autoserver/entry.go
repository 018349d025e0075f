package autoserver

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// client is one connected subscriber on an entry.
type client struct {
	id               string
	conn             net.Conn
	connectedAt      time.Time
	messagesReceived atomic.Int64
}

// Entry is one auto-provisioned listening port. It accumulates subscriber
// clients and broadcasts every line routed to its port.
type Entry struct {
	port   int
	name   string // bridge name used in the banner
	logger *slog.Logger
	core   *metric.Metrics

	mu       sync.Mutex
	listener net.Listener
	clients  []*client // broadcast happens in registration order
	closed   bool
	wg       sync.WaitGroup

	totalConnections atomic.Int64
	messagesReceived atomic.Int64
	aisMessages      atomic.Int64
	gnssMessages     atomic.Int64
	dataMessages     atomic.Int64
	bytesReceived    atomic.Int64
	startTime        time.Time
	lastActivity     atomic.Value // time.Time
}

func newEntry(port int, name, bind string, logger *slog.Logger, core *metric.Metrics) (*Entry, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}

	e := &Entry{
		port:      port,
		name:      name,
		logger:    logger.With("component", "autoserver", "port", port),
		core:      core,
		listener:  listener,
		startTime: time.Now(),
	}
	e.lastActivity.Store(time.Time{})

	e.wg.Add(1)
	go e.acceptLoop(listener)

	e.logger.Info("Auto-server listening", "bridge", name)
	return e, nil
}

// Port returns the listening port.
func (e *Entry) Port() int {
	return e.port
}

func (e *Entry) acceptLoop(listener net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		c := &client{
			id:          uuid.NewString(),
			conn:        conn,
			connectedAt: time.Now(),
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = conn.Close()
			return
		}
		e.clients = append(e.clients, c)
		e.mu.Unlock()

		e.totalConnections.Add(1)
		if e.core != nil {
			e.core.AutoServerClients.Inc()
		}
		e.logger.Info("Subscriber connected", "client", c.id, "remote", conn.RemoteAddr())

		banner := fmt.Sprintf("# apigate auto-server port %d bridge %q - live NMEA stream\r\n", e.port, e.name)
		if _, err := conn.Write([]byte(banner)); err != nil {
			e.removeClient(c, "banner write failed")
			continue
		}

		// Anything a subscriber sends is ignored; the read exists only to
		// notice the disconnect.
		e.wg.Add(1)
		go e.drain(c)
	}
}

func (e *Entry) drain(c *client) {
	defer e.wg.Done()

	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			e.removeClient(c, "disconnected")
			return
		}
	}
}

func (e *Entry) removeClient(c *client, reason string) {
	e.mu.Lock()
	found := false
	for i, existing := range e.clients {
		if existing == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return
	}
	_ = c.conn.Close()
	if e.core != nil {
		e.core.AutoServerClients.Dec()
	}
	e.logger.Info("Subscriber removed", "client", c.id, "reason", reason,
		"messages_delivered", c.messagesReceived.Load())
}

// Broadcast delivers one line, framed with \r\n, to every connected client
// in registration order. A write failure to one client is logged and does
// not affect the others. Zero clients is not an error.
func (e *Entry) Broadcast(line string, kind nmea.Kind) {
	e.messagesReceived.Add(1)
	e.bytesReceived.Add(int64(len(line)))
	e.lastActivity.Store(time.Now())
	switch kind {
	case nmea.KindAIS:
		e.aisMessages.Add(1)
	case nmea.KindGNSS:
		e.gnssMessages.Add(1)
	default:
		e.dataMessages.Add(1)
	}

	e.mu.Lock()
	clients := append([]*client(nil), e.clients...)
	e.mu.Unlock()

	if len(clients) == 0 {
		e.logger.Debug("Broadcast with no subscribers", "port", e.port)
		return
	}

	payload := []byte(line + "\r\n")
	for _, c := range clients {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.conn.Write(payload); err != nil {
			if e.core != nil {
				e.core.BroadcastErrors.Inc()
			}
			e.logger.Warn("Broadcast to subscriber failed", "client", c.id, "error", err)
			e.removeClient(c, "write failed")
			continue
		}
		c.messagesReceived.Add(1)
	}
}

// Clients returns the number of connected subscribers.
func (e *Entry) Clients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// Summary is a point-in-time snapshot of an entry's counters.
type Summary struct {
	Port             int
	Bridge           string
	Clients          int
	TotalConnections int64
	MessagesReceived int64
	AISMessages      int64
	GNSSMessages     int64
	DataMessages     int64
	BytesReceived    int64
	StartTime        time.Time
	LastActivity     time.Time
}

// Summary returns the entry's counters.
func (e *Entry) Summary() Summary {
	lastActivity, _ := e.lastActivity.Load().(time.Time)
	return Summary{
		Port:             e.port,
		Bridge:           e.name,
		Clients:          e.Clients(),
		TotalConnections: e.totalConnections.Load(),
		MessagesReceived: e.messagesReceived.Load(),
		AISMessages:      e.aisMessages.Load(),
		GNSSMessages:     e.gnssMessages.Load(),
		DataMessages:     e.dataMessages.Load(),
		BytesReceived:    e.bytesReceived.Load(),
		StartTime:        e.startTime,
		LastActivity:     lastActivity,
	}
}

// close shuts the listener and evicts every connected client.
func (e *Entry) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	listener := e.listener
	clients := append([]*client(nil), e.clients...)
	e.clients = nil
	e.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			e.logger.Warn("Error closing auto-server listener", "error", err)
		}
	}
	for _, c := range clients {
		_ = c.conn.Close()
		if e.core != nil {
			e.core.AutoServerClients.Dec()
		}
	}
	e.wg.Wait()
	e.logger.Info("Auto-server closed", "evicted_clients", len(clients))
}
