package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/errors"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// Serial reads NMEA sentences from a local serial device at a fixed baud
// rate. A missing or unopenable device is a configuration error: Start
// fails fatally with no retry. Sentences with a failed checksum are logged
// and still emitted (best-effort).
type Serial struct {
	name    string
	device  string
	baud    int
	logger  *slog.Logger
	handler LineHandler
	core    *metric.Metrics

	mu      sync.Mutex
	port    serial.Port
	running atomic.Bool
	done    chan struct{}

	linesRead      atomic.Int64
	checksumErrors atomic.Int64
}

// NewSerial creates a serial source from a bridge snapshot.
func NewSerial(snap config.BridgeConfig, deps Deps) *Serial {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}
	return &Serial{
		name:    snap.ConfigID,
		device:  snap.Device,
		baud:    snap.Baud,
		logger:  logger.With("component", "serial-source", "device", snap.Device),
		handler: deps.Handler,
		core:    core,
	}
}

// Start opens the device and begins the read loop.
func (s *Serial) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	mode := &serial.Mode{BaudRate: s.baud}
	port, err := serial.Open(s.device, mode)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrSourceOpenFailed, err),
			"serial-source", "Start", "device open")
	}

	s.port = port
	s.done = make(chan struct{})
	s.running.Store(true)
	s.logger.Info("Serial device opened", "baud", s.baud)

	go s.readLoop(port)
	return nil
}

func (s *Serial) readLoop(port serial.Port) {
	defer close(s.done)

	err := scanLines(port, func(line string) {
		s.linesRead.Add(1)
		if cerr := nmea.Check(line); cerr != nil {
			// Checksum mismatch is logged but the line is still
			// forwarded; consumers of a raw bridge get the raw stream.
			s.checksumErrors.Add(1)
			if s.core != nil {
				s.core.ChecksumErrors.Inc()
			}
			s.logger.Warn("Checksum validation failed", "line", line, "error", cerr)
		}
		s.handler(line)
	})

	if err != nil && s.running.Load() {
		s.logger.Error("Serial read loop ended", "error", err)
	}
	s.running.Store(false)
}

// Connected reports whether the device handle is open.
func (s *Serial) Connected() bool {
	return s.running.Load()
}

// Stats returns lines read and checksum failures observed.
func (s *Serial) Stats() (lines, checksumErrors int64) {
	return s.linesRead.Load(), s.checksumErrors.Load()
}

// Stop closes the device. Close errors are logged, never returned.
func (s *Serial) Stop(timeout time.Duration) error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	done := s.done
	s.mu.Unlock()

	s.running.Store(false)

	if port != nil {
		if err := port.Close(); err != nil {
			s.logger.Warn("Error closing serial device", "error", err)
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			s.logger.Warn("Serial read loop did not finish before timeout")
		}
	}
	return nil
}

var _ Source = (*Serial)(nil)
