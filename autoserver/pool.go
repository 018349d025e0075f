// Package autoserver maintains one TCP listener per declared output port and
// broadcasts routed NMEA lines to every subscriber connected to that port.
// Listeners are provisioned and torn down by reconciling against the declared
// set, so a configuration edit converges the pool without a restart.
package autoserver

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/errors"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// Declaration names one output port and the bridge it belongs to. When
// several bridges share a port the first declaration's name wins.
type Declaration struct {
	Port int
	Name string
}

// Deps carries the pool's dependencies.
type Deps struct {
	Bind     string
	Band     config.PortBand
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Pool owns the set of live auto-server entries, keyed by port.
type Pool struct {
	bind   string
	band   config.PortBand
	logger *slog.Logger
	core   *metric.Metrics

	mu      sync.RWMutex
	entries map[int]*Entry
	closed  bool
}

// NewPool creates an empty pool. Listeners appear on the first Reconcile
// or AddPort call.
func NewPool(deps Deps) *Pool {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var core *metric.Metrics
	if deps.Registry != nil {
		core = deps.Registry.CoreMetrics()
	}
	return &Pool{
		bind:    deps.Bind,
		band:    deps.Band,
		logger:  logger.With("component", "autoserver-pool"),
		core:    core,
		entries: make(map[int]*Entry),
	}
}

// Reconcile converges the live listener set to the declared one: ports that
// are declared but not live get a listener, ports that are live but no longer
// declared are closed and their clients evicted. Declarations outside the
// allowed band are skipped with a warning, and a port that cannot be bound
// (typically already in use by another process) is skipped rather than
// failing the cycle, so it is retried on the next reconciliation.
func (p *Pool) Reconcile(declared []Declaration) {
	want := make(map[int]string, len(declared))
	for _, d := range declared {
		if !p.band.Contains(d.Port) {
			p.logger.Warn("Declared output port outside allowed band, skipping",
				"port", d.Port, "min", p.band.Min, "max", p.band.Max)
			continue
		}
		if _, ok := want[d.Port]; !ok {
			want[d.Port] = d.Name
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var stale []*Entry
	for port, entry := range p.entries {
		if _, ok := want[port]; !ok {
			stale = append(stale, entry)
			delete(p.entries, port)
		}
	}

	var missing []Declaration
	for port, name := range want {
		if _, ok := p.entries[port]; !ok {
			missing = append(missing, Declaration{Port: port, Name: name})
		}
	}
	p.mu.Unlock()

	for _, entry := range stale {
		p.logger.Info("Output port no longer declared, closing auto-server", "port", entry.Port())
		entry.close()
		if p.core != nil {
			p.core.AutoServerPorts.Dec()
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].Port < missing[j].Port })
	for _, d := range missing {
		entry, err := newEntry(d.Port, d.Name, p.bind, p.logger, p.core)
		if err != nil {
			p.logger.Warn("Could not bind auto-server port, will retry next cycle",
				"port", d.Port, "error", err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			entry.close()
			return
		}
		p.entries[d.Port] = entry
		p.mu.Unlock()
		if p.core != nil {
			p.core.AutoServerPorts.Inc()
		}
	}
}

// AddPort provisions a listener for a single port immediately, outside the
// reconciliation cycle. Adding a port that is already live is a no-op.
func (p *Pool) AddPort(port int, name string) error {
	if !p.band.Contains(port) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "autoserver-pool", "AddPort",
			"port outside allowed band")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.WrapConflict(errors.ErrShuttingDown, "autoserver-pool", "AddPort", "pool closed")
	}
	if _, ok := p.entries[port]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	entry, err := newEntry(port, name, p.bind, p.logger, p.core)
	if err != nil {
		return errors.WrapTransient(err, "autoserver-pool", "AddPort", "bind")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		entry.close()
		return errors.WrapConflict(errors.ErrShuttingDown, "autoserver-pool", "AddPort", "pool closed")
	}
	if _, ok := p.entries[port]; ok {
		// Lost the race to a concurrent reconcile.
		p.mu.Unlock()
		entry.close()
		return nil
	}
	p.entries[port] = entry
	p.mu.Unlock()
	if p.core != nil {
		p.core.AutoServerPorts.Inc()
	}
	return nil
}

// RemovePort closes the listener for a single port and evicts its clients.
// Removing a port that is not live is a no-op.
func (p *Pool) RemovePort(port int) {
	p.mu.Lock()
	entry, ok := p.entries[port]
	if ok {
		delete(p.entries, port)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	entry.close()
	if p.core != nil {
		p.core.AutoServerPorts.Dec()
	}
}

// Broadcast delivers one line to every subscriber on the given port. It
// reports whether a listener for the port exists; lines for unknown ports
// are dropped silently so routing stays cheap when no one is listening.
func (p *Pool) Broadcast(port int, line string, kind nmea.Kind) bool {
	p.mu.RLock()
	entry, ok := p.entries[port]
	p.mu.RUnlock()

	if !ok {
		return false
	}
	entry.Broadcast(line, kind)
	return true
}

// Ports returns the live listener ports in ascending order.
func (p *Pool) Ports() []int {
	p.mu.RLock()
	ports := make([]int, 0, len(p.entries))
	for port := range p.entries {
		ports = append(ports, port)
	}
	p.mu.RUnlock()
	sort.Ints(ports)
	return ports
}

// Clients returns the total subscriber count across all entries.
func (p *Pool) Clients() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, entry := range p.entries {
		total += entry.Clients()
	}
	return total
}

// Summaries returns a snapshot of every entry's counters, ordered by port.
func (p *Pool) Summaries() []Summary {
	p.mu.RLock()
	summaries := make([]Summary, 0, len(p.entries))
	for _, entry := range p.entries {
		summaries = append(summaries, entry.Summary())
	}
	p.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Port < summaries[j].Port })
	return summaries
}

// Close tears down every listener. The pool accepts no further work.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make([]*Entry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.entries = make(map[int]*Entry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.close()
		if p.core != nil {
			p.core.AutoServerPorts.Dec()
		}
	}
	p.logger.Info("Auto-server pool closed", "ports", len(entries))
}
