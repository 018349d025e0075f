// Package apigate is a multi-instance NMEA/AIS telemetry bridge.
//
// It connects telemetry sources (serial devices emitting NMEA/AIS sentences,
// or remote TCP endpoints) to TCP consumers. Many independent bridges run
// concurrently in one process, each pairing exactly one input source with one
// resilient output sink and re-exposing its stream on an auto-provisioned
// listening port for passive subscribers (telnet, chart plotters, loggers).
//
// # Architecture
//
//	config store (serial.csv / ip.csv)
//	        │ polled every reconcile cycle
//	        ▼
//	orchestrator ──── owns the instance map, uniqueness and
//	        │         port-conflict invariants, start/stop/restart
//	        ▼
//	bridge instance = source ──► router ──► sink (queued, reconnecting)
//	                               ├──────► auto-server port (subscribers)
//	                               ├──────► monitor port (diagnostics)
//	                               └──────► AIS monitor set (process-wide)
//
// Package layout:
//
//   - config: bridge records, the store interface, CSV store, daemon settings
//   - source: the three input variants (serial, TCP client, TCP server)
//   - sink: the queued outbound TCP writer with drop-oldest backpressure
//   - autoserver: one listener per declared output port, reconciled on a timer
//   - bridge: instance lifecycle, monitor listener, message router
//   - orchestrator: instance map, conflict checks, maintenance timers
//   - nmea: line framing, sentence classification, checksum validation
//   - metric: Prometheus registry and optional HTTP endpoint
//   - errors: classified error types and sentinels
//
// The cmd/apigate binary wires these together: it loads the record store,
// starts the orchestrator, optionally autostarts an instance per record, and
// shuts everything down on SIGINT/SIGTERM.
package apigate
