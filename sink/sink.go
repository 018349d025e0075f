// Package sink implements the resilient outbound TCP writer each bridge
// instance owns. A sink never fails its caller on connection trouble:
// payloads are queued in a bounded drop-oldest buffer and flushed, in FIFO
// order, whenever the connection comes back. Reconnection runs on a fixed
// interval with no attempt cap by default; a telemetry sink is expected to
// be present long-term and losing buffered data is costlier than noisy
// retries.
package sink

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
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/pkg/buffer"
)

// ConnState represents the sink's connection state.
type ConnState int32

const (
	// StateDisconnected means no live connection; sends are queued.
	StateDisconnected ConnState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means sends are written straight to the socket.
	StateConnected
)

// String returns a string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Deps holds construction dependencies for a Sink.
type Deps struct {
	Name            string // Owning instance id, used in logs
	Host            string
	Port            int
	Settings        config.SinkSettings
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // Optional
}

// Sink is a queued outbound TCP writer. One sink is exclusively owned by one
// bridge instance.
type Sink struct {
	name        string
	host        string
	port        int
	dialTimeout time.Duration
	interval    time.Duration
	maxAttempts int // <= 0 means retry forever
	logger      *slog.Logger
	metrics     *metric.Metrics

	queue buffer.Buffer[string]

	mu    sync.Mutex // guards conn and writes to it
	conn  net.Conn
	state atomic.Int32

	reconnectAttempts atomic.Int64
	messagesSent      atomic.Int64
	bytesSent         atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	shutdown    chan struct{}
	done        chan struct{}
}

// New creates a sink. No socket is touched until Connect.
func New(deps Deps) (*Sink, error) {
	if deps.Port <= 0 || deps.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: target port %d", errors.ErrInvalidConfig, deps.Port),
			"sink", "New", "port validation")
	}

	settings := deps.Settings
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 5 * time.Second
	}
	if settings.QueueCapacity <= 0 {
		settings.QueueCapacity = 10000
	}
	interval := settings.Reconnect.InitialDelay
	if interval <= 0 {
		interval = 3 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sink", "instance", deps.Name,
		"target", fmt.Sprintf("%s:%d", deps.Host, deps.Port))

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	s := &Sink{
		name:        deps.Name,
		host:        deps.Host,
		port:        deps.Port,
		dialTimeout: settings.DialTimeout,
		interval:    interval,
		maxAttempts: settings.Reconnect.MaxAttempts,
		logger:      logger,
		metrics:     core,
	}

	queue, err := buffer.NewCircularBuffer(settings.QueueCapacity,
		buffer.WithOverflowPolicy[string](buffer.DropOldest),
		buffer.WithDropCallback[string](func(string) {
			// Queue overflow is log-worthy but never an error.
			s.logger.Warn("Output queue full, dropping oldest payload")
			if s.metrics != nil {
				s.metrics.QueueDrops.Inc()
			}
		}))
	if err != nil {
		return nil, errors.Wrap(err, "sink", "New", "queue creation")
	}
	s.queue = queue

	return s, nil
}

// Connect attempts a single dial. Dial failure does not fail the caller: the
// sink transitions to disconnected, the reconnect loop takes over, and
// upstream logic may proceed and queue data immediately.
func (s *Sink) Connect(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "sink", "Connect", "state check")
	}
	if s.started {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.started = true
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.lifecycleMu.Unlock()

	if err := s.dial(); err != nil {
		s.logger.Warn("Initial sink dial failed, queuing until reconnect", "error", err)
	}

	go s.reconnectLoop(ctx)
	return nil
}

// State returns the current connection state.
func (s *Sink) State() ConnState {
	return ConnState(s.state.Load())
}

// Connected reports whether the sink currently has a live connection.
func (s *Sink) Connected() bool {
	return s.State() == StateConnected
}

// QueueSize returns the number of payloads waiting for the connection.
func (s *Sink) QueueSize() int {
	return s.queue.Size()
}

// Stats returns messages and bytes written to the socket so far.
func (s *Sink) Stats() (messages, bytes int64) {
	return s.messagesSent.Load(), s.bytesSent.Load()
}

// ReconnectAttempts returns the number of dial attempts made so far.
func (s *Sink) ReconnectAttempts() int64 {
	return s.reconnectAttempts.Load()
}

// Send writes the line if connected, otherwise queues it. Returns true
// unless the sink has been disconnected by the owner. Lines are emitted on
// the wire as <line>\r\n.
func (s *Sink) Send(line string) bool {
	s.lifecycleMu.Lock()
	closed := s.closed
	s.lifecycleMu.Unlock()
	if closed {
		return false
	}

	if s.State() == StateConnected {
		if err := s.write(line); err == nil {
			return true
		}
		// Write failure falls through to queuing; the reconnect loop
		// already observed the disconnect.
	}

	if err := s.queue.Write(line); err != nil {
		s.logger.Error("Failed to queue payload", "error", err)
		return false
	}
	return true
}

// write sends one framed line over the live connection. On error the
// connection is torn down and the state moves to disconnected.
func (s *Sink) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.ErrNoConnection
	}

	n, err := s.conn.Write([]byte(line + "\r\n"))
	if err != nil {
		s.logger.Warn("Sink write failed, marking disconnected", "error", err)
		_ = s.conn.Close()
		s.conn = nil
		s.state.Store(int32(StateDisconnected))
		return errors.WrapTransient(err, "sink", "write", "socket write")
	}

	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(n))
	return nil
}

// dial makes one connection attempt and flushes the queue on success.
func (s *Sink) dial() error {
	s.state.Store(int32(StateConnecting))
	s.reconnectAttempts.Add(1)

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return errors.WrapTransient(err, "sink", "dial", "tcp dial")
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.state.Store(int32(StateConnected))
	s.logger.Info("Sink connected", "queued", s.queue.Size())

	s.flush()
	return nil
}

// flush drains the queue in FIFO order. Each payload is consumed only after
// a successful write so a mid-flush disconnect preserves ordering.
func (s *Sink) flush() {
	for s.State() == StateConnected {
		line, ok := s.queue.Peek()
		if !ok {
			return
		}
		if err := s.write(line); err != nil {
			return
		}
		s.queue.Read()
	}
}

// reconnectLoop retries the dial on a fixed interval while disconnected.
func (s *Sink) reconnectLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if s.State() == StateConnected {
				continue
			}
			if err := s.dial(); err != nil {
				failures++
				s.logger.Debug("Sink reconnect attempt failed",
					"attempt", s.reconnectAttempts.Load(), "error", err)
				if s.maxAttempts > 0 && failures >= s.maxAttempts {
					s.logger.Error("Sink reconnect attempts exhausted",
						"attempts", failures)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Disconnect cancels the reconnect loop, destroys the socket, and stops
// accepting new sends. It never returns an error for teardown trouble;
// failures are logged.
func (s *Sink) Disconnect() error {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if started {
		close(s.shutdown)
	}
	s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing sink connection", "error", err)
		}
		s.conn = nil
	}
	s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))

	if started {
		<-s.done
	}
	_ = s.queue.Close()

	s.logger.Info("Sink disconnected",
		"messages_sent", s.messagesSent.Load(),
		"queued_unsent", s.queue.Size())
	return nil
}
