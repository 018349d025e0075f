// Package orchestrator owns the map of running bridge instances. It enforces
// the uniqueness and port-conflict invariants, drives start/stop/restart, and
// runs the two maintenance timers: auto-server reconciliation against the
// declared configuration and the periodic stats snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IdeaQru/apigate-sub000/autoserver"
	"github.com/IdeaQru/apigate-sub000/bridge"
	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/errors"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/sink"
	"github.com/IdeaQru/apigate-sub000/source"
)

// stopTimeout bounds each instance's individual teardown steps.
const stopTimeout = 5 * time.Second

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Store    config.Store
	Settings config.Settings
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// StartResult is returned by a successful StartInstance call.
type StartResult struct {
	InstanceID  string
	MonitorPort int // 0 when the instance runs without a monitor
}

// StatusReport is the aggregate snapshot returned by Status.
type StatusReport struct {
	Instances   []bridge.Summary
	AutoServers []autoserver.Summary
	AISMonitors int
}

// Orchestrator is the single owner of all instance state. Every mutation of
// the instance map goes through its mutex; status snapshots never observe a
// partially-updated record.
type Orchestrator struct {
	store    config.Store
	settings config.Settings
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	core     *metric.Metrics

	pool   *autoserver.Pool
	router *bridge.Router

	mu        sync.Mutex
	instances map[string]*bridge.Instance
	seq       atomic.Uint64

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// New creates an orchestrator with an empty instance map and a fresh
// auto-server pool. No sockets are touched until Start.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var core *metric.Metrics
	if deps.Registry != nil {
		core = deps.Registry.CoreMetrics()
	}

	pool := autoserver.NewPool(autoserver.Deps{
		Bind:     deps.Settings.Bind,
		Band:     deps.Settings.PortBand,
		Logger:   logger,
		Registry: deps.Registry,
	})

	return &Orchestrator{
		store:     deps.Store,
		settings:  deps.Settings,
		logger:    logger.With("component", "orchestrator"),
		registry:  deps.Registry,
		core:      core,
		pool:      pool,
		router:    bridge.NewRouter(bridge.RouterDeps{Pool: pool, Logger: logger, Registry: deps.Registry}),
		instances: make(map[string]*bridge.Instance),
		shutdown:  make(chan struct{}),
	}
}

// Router exposes the message router, mainly for AIS monitor registration.
func (o *Orchestrator) Router() *bridge.Router {
	return o.router
}

// Start runs an immediate reconciliation pass and launches the maintenance
// timers. It is not idempotent; call it once.
func (o *Orchestrator) Start() error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.closed {
		return errors.WrapConflict(errors.ErrShuttingDown, "orchestrator", "Start", "already closed")
	}
	if o.started {
		return errors.WrapConflict(errors.ErrAlreadyStarted, "orchestrator", "Start", "duplicate start")
	}
	o.started = true

	o.reconcile()

	o.wg.Add(2)
	go o.reconcileLoop()
	go o.statsLoop()
	o.logger.Info("Orchestrator started",
		"reconcile_interval", o.settings.ReconcileInterval,
		"stats_interval", o.settings.StatsInterval,
		"port_band", fmt.Sprintf("%d-%d", o.settings.PortBand.Min, o.settings.PortBand.Max))
	return nil
}

// declarations collects the output ports declared by every record in the
// store, paired with the first declaring bridge's name for banner text.
func (o *Orchestrator) declarations() ([]autoserver.Declaration, error) {
	serials, err := o.store.GetSerialConfigs()
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator", "declarations", "serial records read")
	}
	ips, err := o.store.GetIPConfigs()
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator", "declarations", "ip records read")
	}

	seen := make(map[int]struct{}, len(serials)+len(ips))
	var decls []autoserver.Declaration
	add := func(port int, name string) {
		if _, ok := seen[port]; ok {
			return
		}
		seen[port] = struct{}{}
		decls = append(decls, autoserver.Declaration{Port: port, Name: name})
	}
	for _, c := range serials {
		add(c.OutPort, c.Name)
	}
	for _, c := range ips {
		add(c.OutPort, c.Name)
	}
	return decls, nil
}

// reconcile converges the auto-server pool to the declared configuration.
// Store read failures leave the pool untouched until the next cycle.
func (o *Orchestrator) reconcile() {
	decls, err := o.declarations()
	if err != nil {
		o.logger.Warn("Configuration scan failed, keeping current auto-servers", "error", err)
		return
	}
	o.pool.Reconcile(decls)
}

func (o *Orchestrator) reconcileLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.settings.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.reconcile()
		case <-o.shutdown:
			return
		}
	}
}

func (o *Orchestrator) statsLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.settings.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.logStats()
		case <-o.shutdown:
			return
		}
	}
}

func (o *Orchestrator) logStats() {
	report := o.Status()

	running := 0
	var messages, bytes, errCount int64
	for _, s := range report.Instances {
		if s.Status == bridge.StatusRunning.String() {
			running++
		}
		messages += s.Stats.MessageCount
		bytes += s.Stats.BytesCount
		errCount += s.Stats.ErrorCount
	}
	clients := 0
	for _, s := range report.AutoServers {
		clients += s.Clients
	}

	o.logger.Info("Periodic stats snapshot",
		"instances", len(report.Instances),
		"running", running,
		"autoserver_ports", len(report.AutoServers),
		"autoserver_clients", clients,
		"ais_monitors", report.AISMonitors,
		"messages_total", messages,
		"bytes_total", bytes,
		"errors_total", errCount)
}

// lookup resolves (kind, configID) against the store.
func (o *Orchestrator) lookup(kind config.Kind, configID string) (config.BridgeConfig, error) {
	switch kind {
	case config.KindSerial:
		records, err := o.store.GetSerialConfigs()
		if err != nil {
			return config.BridgeConfig{}, errors.Wrap(err, "orchestrator", "lookup", "serial records read")
		}
		for _, c := range records {
			if c.ID == configID {
				if err := c.Validate(); err != nil {
					return config.BridgeConfig{}, err
				}
				return c.Snapshot(), nil
			}
		}
	case config.KindIP:
		records, err := o.store.GetIPConfigs()
		if err != nil {
			return config.BridgeConfig{}, errors.Wrap(err, "orchestrator", "lookup", "ip records read")
		}
		for _, c := range records {
			if c.ID == configID {
				if err := c.Validate(); err != nil {
					return config.BridgeConfig{}, err
				}
				return c.Snapshot(), nil
			}
		}
	default:
		return config.BridgeConfig{}, errors.WrapInvalid(
			fmt.Errorf("%w: kind %q", errors.ErrInvalidConfig, kind),
			"orchestrator", "lookup", "bridge kind")
	}
	return config.BridgeConfig{}, errors.WrapInvalid(
		fmt.Errorf("%w: %s/%s", errors.ErrConfigNotFound, kind, configID),
		"orchestrator", "lookup", "record lookup")
}

// active reports whether an instance still holds resources: anything that is
// not yet fully stopped counts for the uniqueness and port checks.
func active(status bridge.Status) bool {
	return status != bridge.StatusStopped
}

// StartInstance starts a bridge for the given configuration record. Both
// conflict checks run before any socket is touched; the sink is built before
// the source so queuing can begin immediately; a source open failure tears
// the partial instance down and propagates.
func (o *Orchestrator) StartInstance(ctx context.Context, kind config.Kind, configID string) (StartResult, error) {
	snap, err := o.lookup(kind, configID)
	if err != nil {
		return StartResult{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, inst := range o.instances {
		if !active(inst.Status()) {
			continue
		}
		if inst.ConfigID() == configID {
			return StartResult{}, errors.WrapConflict(
				fmt.Errorf("%w: config %s held by instance %s", errors.ErrAlreadyRunning, configID, inst.ID()),
				"orchestrator", "StartInstance", "uniqueness check")
		}
		if inst.Config().OutPort == snap.OutPort {
			return StartResult{}, errors.WrapConflict(
				fmt.Errorf("%w: output port %d held by instance %s", errors.ErrPortConflict, snap.OutPort, inst.ID()),
				"orchestrator", "StartInstance", "port exclusivity check")
		}
	}

	id := fmt.Sprintf("%s-%d", configID, o.seq.Add(1))
	logger := o.logger.With("instance", id)

	out, err := sink.New(sink.Deps{
		Name:            id,
		Host:            snap.OutHost,
		Port:            snap.OutPort,
		Settings:        o.settings.Sink,
		Logger:          o.logger,
		MetricsRegistry: o.registry,
	})
	if err != nil {
		return StartResult{}, err
	}
	if err := out.Connect(ctx); err != nil {
		// Only a closed sink fails Connect; dial trouble is handled inside.
		return StartResult{}, err
	}

	var monitor *bridge.Monitor
	if o.settings.Monitor.ProbeLimit > 0 {
		monitor, err = bridge.OpenMonitor(o.settings.Bind,
			snap.OutPort+o.settings.Monitor.PortOffset,
			o.settings.Monitor.ProbeLimit, snap.Name, o.logger)
		if err != nil {
			// Degraded but not fatal: the bridge runs without a monitor.
			logger.Warn("No monitor port available, continuing without one", "error", err)
			monitor = nil
		}
	}

	inst := bridge.NewInstance(id, snap, bridge.Deps{
		Logger:  o.logger,
		Sink:    out,
		Monitor: monitor,
	})

	src, err := source.FromConfig(snap, source.Deps{
		Logger:          o.logger,
		Handler:         func(line string) { o.router.Route(inst, line) },
		ClientSettings:  o.settings.TCPClient,
		OnFailure:       func(err error) { o.onSourceFailure(inst, err) },
		MetricsRegistry: o.registry,
	})
	if err != nil {
		o.rollback(inst, logger)
		return StartResult{}, err
	}
	inst.AttachSource(src)

	if err := src.Start(ctx); err != nil {
		o.rollback(inst, logger)
		return StartResult{}, err
	}

	inst.MarkRunning()
	o.instances[id] = inst
	if o.core != nil {
		o.core.InstancesRunning.Inc()
	}
	logger.Info("Instance started", "config", configID, "kind", kind,
		"out", fmt.Sprintf("%s:%d", snap.OutHost, snap.OutPort),
		"monitor_port", inst.MonitorPort())
	return StartResult{InstanceID: id, MonitorPort: inst.MonitorPort()}, nil
}

// rollback tears down a partially-created instance that never reached the map.
func (o *Orchestrator) rollback(inst *bridge.Instance, logger *slog.Logger) {
	logger.Warn("Source open failed, rolling back partial instance")
	if err := inst.Stop(stopTimeout); err != nil {
		logger.Warn("Rollback teardown reported an error", "error", err)
	}
}

// onSourceFailure handles a source that gave up reconnecting while the
// instance was running.
func (o *Orchestrator) onSourceFailure(inst *bridge.Instance, err error) {
	wasRunning := inst.Status() == bridge.StatusRunning
	inst.MarkError(err)
	if wasRunning && o.core != nil {
		o.core.InstancesRunning.Dec()
	}
}

// StopInstance stops the named instance and schedules removal of its record
// after the grace period, once teardown has actually completed.
func (o *Orchestrator) StopInstance(instanceID string) error {
	o.mu.Lock()
	inst, ok := o.instances[instanceID]
	o.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, instanceID),
			"orchestrator", "StopInstance", "instance lookup")
	}

	o.stopInstance(inst)
	return nil
}

func (o *Orchestrator) stopInstance(inst *bridge.Instance) {
	wasRunning := inst.Status() == bridge.StatusRunning
	if err := inst.Stop(stopTimeout); err != nil {
		o.logger.Warn("Instance stop reported an error", "instance", inst.ID(), "error", err)
	}
	if wasRunning && o.core != nil {
		o.core.InstancesRunning.Dec()
	}

	// The record lingers for the grace period after teardown completes, so
	// late status queries still see the stopped state.
	go func() {
		<-inst.Done()
		select {
		case <-time.After(o.settings.RemovalGrace):
		case <-o.shutdown:
		}
		o.mu.Lock()
		if current, ok := o.instances[inst.ID()]; ok && current == inst {
			delete(o.instances, inst.ID())
		}
		o.mu.Unlock()
		o.logger.Debug("Instance record removed", "instance", inst.ID())
	}()
}

// RestartInstance stops the named instance, waits for its teardown, and
// starts a fresh instance from the same configuration record. If the start
// fails after a successful stop the instance stays absent.
func (o *Orchestrator) RestartInstance(ctx context.Context, instanceID string) (StartResult, error) {
	o.mu.Lock()
	inst, ok := o.instances[instanceID]
	o.mu.Unlock()
	if !ok {
		return StartResult{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, instanceID),
			"orchestrator", "RestartInstance", "instance lookup")
	}

	kind := inst.Config().Kind
	configID := inst.ConfigID()

	o.stopInstance(inst)
	<-inst.Done()

	// Release the record immediately; the grace delay is policy for external
	// stops, not a lock on restarts.
	o.mu.Lock()
	if current, ok := o.instances[instanceID]; ok && current == inst {
		delete(o.instances, instanceID)
	}
	o.mu.Unlock()

	return o.StartInstance(ctx, kind, configID)
}

// StopAll stops every instance in parallel, collecting per-instance results.
// It never aborts early; a failure stopping one instance does not affect the
// others.
func (o *Orchestrator) StopAll() map[string]error {
	o.mu.Lock()
	instances := make([]*bridge.Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		instances = append(instances, inst)
	}
	o.mu.Unlock()

	results := make(map[string]error, len(instances))
	var resultMu sync.Mutex
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *bridge.Instance) {
			defer wg.Done()
			wasRunning := inst.Status() == bridge.StatusRunning
			err := inst.Stop(stopTimeout)
			if wasRunning && o.core != nil {
				o.core.InstancesRunning.Dec()
			}
			resultMu.Lock()
			results[inst.ID()] = err
			resultMu.Unlock()
		}(inst)
	}
	wg.Wait()

	o.mu.Lock()
	for _, inst := range instances {
		delete(o.instances, inst.ID())
	}
	o.mu.Unlock()

	o.logger.Info("All instances stopped", "count", len(instances))
	return results
}

// Status returns the best-known snapshot of every instance plus the
// auto-server pool summary. It always succeeds.
func (o *Orchestrator) Status() StatusReport {
	o.mu.Lock()
	summaries := make([]bridge.Summary, 0, len(o.instances))
	for _, inst := range o.instances {
		summaries = append(summaries, inst.Summary())
	}
	o.mu.Unlock()

	return StatusReport{
		Instances:   summaries,
		AutoServers: o.pool.Summaries(),
		AISMonitors: o.router.AISMonitors(),
	}
}

// AddAutoServerForPort provisions a listener outside the reconciliation
// cycle. Note a port added here but not declared by any configuration will
// be closed again on the next reconcile pass.
func (o *Orchestrator) AddAutoServerForPort(port int, name string) error {
	return o.pool.AddPort(port, name)
}

// RemoveAutoServerForPort closes the listener for one port and evicts its
// clients.
func (o *Orchestrator) RemoveAutoServerForPort(port int) {
	o.pool.RemovePort(port)
}

// Stop shuts the orchestrator down: timers first, then every instance in
// parallel, then the auto-server pool and the AIS monitor set.
func (o *Orchestrator) Stop() {
	o.lifecycleMu.Lock()
	if o.closed {
		o.lifecycleMu.Unlock()
		return
	}
	o.closed = true
	close(o.shutdown)
	o.lifecycleMu.Unlock()

	o.wg.Wait()
	o.StopAll()
	o.pool.Close()
	o.router.Close()
	o.logger.Info("Orchestrator stopped")
}
