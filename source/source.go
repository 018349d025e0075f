// Package source provides the pluggable input sources a bridge instance
// reads from: a local serial device, a dialed TCP endpoint, or a listening
// TCP endpoint. All variants emit trimmed, non-empty text lines through a
// LineHandler and share one stop contract: Stop releases the underlying
// handle, logs any trouble, and never propagates teardown errors.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/errors"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// LineHandler receives each framed, trimmed, non-empty line from a source.
// Handlers are invoked from the source's read goroutine and must not block.
type LineHandler func(line string)

// Source is the uniform contract over the three input variants.
type Source interface {
	// Start opens the underlying handle and begins emitting lines.
	// Open failures are fatal for Serial and TCPClient variants and for
	// TCPServer binds; there is no retry at start time.
	Start(ctx context.Context) error

	// Stop unregisters listeners and releases the handle. Errors during
	// stop are logged, never returned, so shutdown sequences cannot be
	// blocked by a single faulty handle.
	Stop(timeout time.Duration) error

	// Connected reports whether the source currently has a live handle.
	Connected() bool
}

// Deps holds the construction dependencies shared by all source variants.
type Deps struct {
	Logger  *slog.Logger
	Handler LineHandler

	// ClientSettings applies to the TCPClient variant only.
	ClientSettings config.TCPClientSettings

	// OnFailure is called when a running source fails permanently
	// (e.g. reconnect attempts exhausted). Optional.
	OnFailure func(err error)

	// MetricsRegistry feeds the checksum failure counter. Optional.
	MetricsRegistry *metric.MetricsRegistry
}

// FromConfig builds the source variant a bridge snapshot declares.
func FromConfig(snap config.BridgeConfig, deps Deps) (Source, error) {
	switch snap.Kind {
	case config.KindSerial:
		return NewSerial(snap, deps), nil
	case config.KindIP:
		switch snap.Mode {
		case config.ModeClient:
			return NewTCPClient(snap, deps), nil
		case config.ModeServer:
			return NewTCPServer(snap, deps), nil
		default:
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: connection mode %q", errors.ErrInvalidConfig, snap.Mode),
				"source", "FromConfig", "mode selection")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: kind %q", errors.ErrInvalidConfig, snap.Kind),
			"source", "FromConfig", "kind selection")
	}
}

// scanLines reads r to EOF or error, splitting on \r\n, \r, or \n and
// handing every trimmed, non-empty line to the handler.
func scanLines(r io.Reader, handler LineHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(nmea.ScanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		handler(line)
	}
	return scanner.Err()
}
