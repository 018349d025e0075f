package bridge

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/IdeaQru/apigate-sub000/autoserver"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// RouterDeps carries the router's process-wide collaborators.
type RouterDeps struct {
	Pool     *autoserver.Pool
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Router fans one framed line out to every consumer: the owning instance's
// counters and sink, the auto-server entry for its declared output port, the
// instance's monitor clients, and the process-wide AIS monitor set.
type Router struct {
	pool   *autoserver.Pool
	logger *slog.Logger
	core   *metric.Metrics

	aisMu      sync.Mutex
	aisClients map[net.Conn]struct{}
}

// NewRouter creates a router over the shared auto-server pool.
func NewRouter(deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var core *metric.Metrics
	if deps.Registry != nil {
		core = deps.Registry.CoreMetrics()
	}
	return &Router{
		pool:       deps.Pool,
		logger:     logger.With("component", "router"),
		core:       core,
		aisClients: make(map[net.Conn]struct{}),
	}
}

// Route delivers one line from inst's input source to all of its consumers.
// Classification is by prefix only and affects nothing but counters and the
// AIS monitor fan-out.
func (r *Router) Route(inst *Instance, line string) {
	inst.RecordLine(len(line))
	kind := nmea.Classify(line)

	if r.pool != nil {
		if !r.pool.Broadcast(inst.Config().OutPort, line, kind) {
			r.logger.Debug("No auto-server for declared output port",
				"instance", inst.ID(), "port", inst.Config().OutPort)
		}
	}

	if out := inst.Sink(); out != nil {
		if !out.Send(line) {
			inst.RecordError()
		}
	}

	if r.core != nil {
		r.core.LinesRouted.Inc()
		r.core.LinesByKind.WithLabelValues(kind.String()).Inc()
		r.core.BytesRouted.Add(float64(len(line)))
	}

	if mon := inst.Monitor(); mon != nil {
		mon.Broadcast(line)
	}

	if kind == nmea.KindAIS {
		r.broadcastAIS(line)
	}
}

// RegisterAISMonitor adds a connection to the process-wide AIS monitor set.
// The caller keeps ownership until the router evicts it on a failed write or
// Close.
func (r *Router) RegisterAISMonitor(conn net.Conn) {
	r.aisMu.Lock()
	r.aisClients[conn] = struct{}{}
	r.aisMu.Unlock()
	r.logger.Info("AIS monitor registered", "remote", conn.RemoteAddr())
}

// UnregisterAISMonitor removes a connection from the AIS monitor set without
// closing it.
func (r *Router) UnregisterAISMonitor(conn net.Conn) {
	r.aisMu.Lock()
	delete(r.aisClients, conn)
	r.aisMu.Unlock()
}

// AISMonitors returns the number of registered AIS monitor connections.
func (r *Router) AISMonitors() int {
	r.aisMu.Lock()
	defer r.aisMu.Unlock()
	return len(r.aisClients)
}

func (r *Router) broadcastAIS(line string) {
	r.aisMu.Lock()
	clients := make([]net.Conn, 0, len(r.aisClients))
	for conn := range r.aisClients {
		clients = append(clients, conn)
	}
	r.aisMu.Unlock()

	payload := []byte(line + "\r\n")
	for _, conn := range clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(payload); err != nil {
			r.logger.Warn("AIS monitor write failed", "remote", conn.RemoteAddr(), "error", err)
			r.UnregisterAISMonitor(conn)
			_ = conn.Close()
		}
	}
}

// Close evicts and closes every registered AIS monitor connection.
func (r *Router) Close() {
	r.aisMu.Lock()
	clients := make([]net.Conn, 0, len(r.aisClients))
	for conn := range r.aisClients {
		clients = append(clients, conn)
	}
	r.aisClients = make(map[net.Conn]struct{})
	r.aisMu.Unlock()

	for _, conn := range clients {
		_ = conn.Close()
	}
}
