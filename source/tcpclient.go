package source

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
	"github.com/IdeaQru/apigate-sub000/pkg/retry"
)

// TCPClient dials a remote host:port and reads lines from it. The initial
// dial failing fails Start; a disconnect after a successful connect triggers
// bounded fixed-interval reconnection, after which the source gives up and
// reports the failure through Deps.OnFailure.
type TCPClient struct {
	name      string
	host      string
	port      int
	settings  config.TCPClientSettings
	logger    *slog.Logger
	handler   LineHandler
	onFailure func(error)

	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool
	stopping  atomic.Bool
	done      chan struct{}

	linesRead  atomic.Int64
	reconnects atomic.Int64
}

// NewTCPClient creates a dialing source from a bridge snapshot.
func NewTCPClient(snap config.BridgeConfig, deps Deps) *TCPClient {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := deps.ClientSettings
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 10 * time.Second
	}
	if settings.Reconnect.InitialDelay <= 0 {
		settings.Reconnect = retry.Fixed(5*time.Second, 10)
	}

	return &TCPClient{
		name:     snap.ConfigID,
		host:     snap.Host,
		port:     snap.Port,
		settings: settings,
		logger: logger.With("component", "tcpclient-source",
			"remote", net.JoinHostPort(snap.Host, fmt.Sprintf("%d", snap.Port))),
		handler:   deps.Handler,
		onFailure: deps.OnFailure,
	}
}

func (c *TCPClient) dial() (net.Conn, error) {
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	conn, err := net.DialTimeout("tcp", addr, c.settings.DialTimeout)
	if err != nil {
		return nil, errors.WrapTransient(err, "tcpclient-source", "dial", "tcp dial")
	}
	return conn, nil
}

// Start dials the remote endpoint and begins the read loop. A failed dial
// fails the start; there is no retry before the first successful connect.
func (c *TCPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrSourceOpenFailed, err),
			"tcpclient-source", "Start", "initial dial")
	}

	c.conn = conn
	c.connected.Store(true)
	c.stopping.Store(false)
	c.done = make(chan struct{})
	c.logger.Info("Connected to remote source")

	go c.readLoop(ctx, conn)
	return nil
}

func (c *TCPClient) readLoop(ctx context.Context, conn net.Conn) {
	defer close(c.done)

	for {
		err := scanLines(conn, func(line string) {
			c.linesRead.Add(1)
			c.handler(line)
		})

		c.connected.Store(false)
		if c.stopping.Load() || ctx.Err() != nil {
			return
		}

		c.logger.Warn("Remote source disconnected, attempting reconnect", "error", err)

		next, rerr := retry.DoWithResult(ctx, c.settings.Reconnect, func() (net.Conn, error) {
			c.reconnects.Add(1)
			if c.stopping.Load() {
				return nil, retry.NonRetryable(errors.ErrShuttingDown)
			}
			return c.dial()
		})
		if rerr != nil {
			if !c.stopping.Load() {
				failure := errors.WrapFatal(
					fmt.Errorf("%w: %v", errors.ErrMaxReconnects, rerr),
					"tcpclient-source", "readLoop", "reconnect")
				c.logger.Error("Reconnect attempts exhausted, giving up",
					"attempts", c.reconnects.Load())
				if c.onFailure != nil {
					c.onFailure(failure)
				}
			}
			return
		}

		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()
		c.connected.Store(true)
		conn = next
		c.logger.Info("Reconnected to remote source")
	}
}

// Connected reports whether the source currently has a live connection.
func (c *TCPClient) Connected() bool {
	return c.connected.Load()
}

// Stats returns lines read and reconnect attempts made.
func (c *TCPClient) Stats() (lines, reconnects int64) {
	return c.linesRead.Load(), c.reconnects.Load()
}

// Stop closes the connection and ends the read loop. Close errors are
// logged, never returned.
func (c *TCPClient) Stop(timeout time.Duration) error {
	c.stopping.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Error closing source connection", "error", err)
		}
	}
	c.connected.Store(false)

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("Read loop did not finish before timeout")
		}
	}
	return nil
}

var _ Source = (*TCPClient)(nil)
