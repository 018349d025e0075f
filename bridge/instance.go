// Package bridge holds the per-instance runtime of one configured bridge: the
// paired source and sink, the optional diagnostic monitor listener, and the
// router that fans every framed line out to its consumers.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/sink"
	"github.com/IdeaQru/apigate-sub000/source"
)

// Status is the lifecycle state of a bridge instance.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of an instance's traffic counters.
type Stats struct {
	MessageCount int64
	BytesCount   int64
	ErrorCount   int64
	LastActivity time.Time
}

// Summary is the externally visible description of one instance, returned by
// status queries.
type Summary struct {
	InstanceID      string
	ConfigID        string
	Name            string
	Kind            config.Kind
	Status          string
	Uptime          time.Duration
	InputConnected  bool
	OutputConnected bool
	OutPort         int
	MonitorPort     int
	MonitorClients  int
	Stats           Stats
}

// Instance couples exactly one input source, one output sink, and an optional
// monitor listener under a single immutable config snapshot. The source is
// attached after construction because its line handler closes over the
// instance.
type Instance struct {
	id     string
	snap   config.BridgeConfig
	logger *slog.Logger

	out     *sink.Sink
	monitor *Monitor // nil when no monitor port could be bound

	mu      sync.Mutex
	in      source.Source
	stopped bool

	status    atomic.Int32
	startTime time.Time
	done      chan struct{}

	messageCount atomic.Int64
	bytesCount   atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time
}

// Deps carries an instance's pre-built collaborators.
type Deps struct {
	Logger  *slog.Logger
	Sink    *sink.Sink
	Monitor *Monitor
}

// NewInstance creates an instance in the starting state. Attach the source
// with AttachSource once its handler exists, then MarkRunning after the
// source starts.
func NewInstance(id string, snap config.BridgeConfig, deps Deps) *Instance {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	i := &Instance{
		id:        id,
		snap:      snap,
		logger:    logger.With("component", "bridge", "instance", id),
		out:       deps.Sink,
		monitor:   deps.Monitor,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	i.status.Store(int32(StatusStarting))
	i.lastActivity.Store(time.Time{})
	return i
}

// ID returns the unique per-start instance id.
func (i *Instance) ID() string {
	return i.id
}

// ConfigID returns the id of the configuration this instance was started from.
func (i *Instance) ConfigID() string {
	return i.snap.ConfigID
}

// Config returns the immutable configuration snapshot taken at start time.
func (i *Instance) Config() config.BridgeConfig {
	return i.snap
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// Sink returns the instance's output sink.
func (i *Instance) Sink() *sink.Sink {
	return i.out
}

// Monitor returns the instance's monitor listener, or nil.
func (i *Instance) Monitor() *Monitor {
	return i.monitor
}

// MonitorPort returns the bound monitor port, or 0 when the instance runs
// without one.
func (i *Instance) MonitorPort() int {
	if i.monitor == nil {
		return 0
	}
	return i.monitor.Port()
}

// AttachSource hands the started instance its input source.
func (i *Instance) AttachSource(src source.Source) {
	i.mu.Lock()
	i.in = src
	i.mu.Unlock()
}

// MarkRunning transitions starting → running.
func (i *Instance) MarkRunning() {
	i.status.Store(int32(StatusRunning))
	i.logger.Info("Instance running", "config", i.snap.ConfigID, "out_port", i.snap.OutPort)
}

// MarkError records an unrecoverable input failure. The instance keeps its
// sockets until the orchestrator stops it.
func (i *Instance) MarkError(err error) {
	i.errorCount.Add(1)
	i.status.Store(int32(StatusError))
	i.logger.Error("Instance entered error state", "error", err)
}

// RecordLine updates the traffic counters for one routed line.
func (i *Instance) RecordLine(bytes int) {
	i.messageCount.Add(1)
	i.bytesCount.Add(int64(bytes))
	i.lastActivity.Store(time.Now())
}

// RecordError increments the instance error counter.
func (i *Instance) RecordError() {
	i.errorCount.Add(1)
}

// Stats returns the instance's traffic counters.
func (i *Instance) Stats() Stats {
	lastActivity, _ := i.lastActivity.Load().(time.Time)
	return Stats{
		MessageCount: i.messageCount.Load(),
		BytesCount:   i.bytesCount.Load(),
		ErrorCount:   i.errorCount.Load(),
		LastActivity: lastActivity,
	}
}

// Uptime returns the time since the instance was created.
func (i *Instance) Uptime() time.Duration {
	return time.Since(i.startTime)
}

// Done is closed once Stop has finished every teardown step. The orchestrator
// uses it to back the delayed removal of the instance record.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Summary returns the instance's status snapshot.
func (i *Instance) Summary() Summary {
	i.mu.Lock()
	in := i.in
	i.mu.Unlock()

	s := Summary{
		InstanceID:      i.id,
		ConfigID:        i.snap.ConfigID,
		Name:            i.snap.Name,
		Kind:            i.snap.Kind,
		Status:          i.Status().String(),
		Uptime:          i.Uptime(),
		OutputConnected: i.out != nil && i.out.Connected(),
		OutPort:         i.snap.OutPort,
		MonitorPort:     i.MonitorPort(),
		Stats:           i.Stats(),
	}
	if in != nil {
		s.InputConnected = in.Connected()
	}
	if i.monitor != nil {
		s.MonitorClients = i.monitor.Clients()
	}
	return s
}

// Stop tears the instance down: input first, then the output sink, then the
// monitor. Each step's failure is logged and never blocks the next step.
// Stop is idempotent; the done channel closes exactly once.
func (i *Instance) Stop(timeout time.Duration) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	in := i.in
	i.mu.Unlock()

	i.status.Store(int32(StatusStopping))
	i.logger.Info("Stopping instance")

	if in != nil {
		if err := in.Stop(timeout); err != nil {
			i.logger.Warn("Error stopping input source", "error", err)
		}
	}
	if i.out != nil {
		if err := i.out.Disconnect(); err != nil {
			i.logger.Warn("Error disconnecting output sink", "error", err)
		}
	}
	if i.monitor != nil {
		i.monitor.Close()
	}

	i.status.Store(int32(StatusStopped))
	close(i.done)
	i.logger.Info("Instance stopped", "messages", i.messageCount.Load())
	return nil
}
