package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdeaQru/apigate-sub000/autoserver"
	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/sink"
)

func serialSnapshot(outPort int) config.BridgeConfig {
	return config.BridgeConfig{
		ConfigID: "serial-1",
		Name:     "pilot-boat",
		Kind:     config.KindSerial,
		Device:   "/dev/ttyUSB0",
		Baud:     9600,
		OutHost:  "127.0.0.1",
		OutPort:  outPort,
	}
}

// sinkTarget is a loopback listener collecting everything a sink writes.
type sinkTarget struct {
	listener net.Listener
	mu       sync.Mutex
	received strings.Builder
}

func newSinkTarget(t *testing.T) *sinkTarget {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	st := &sinkTarget{listener: l}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						st.mu.Lock()
						st.received.Write(buf[:n])
						st.mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return st
}

func (st *sinkTarget) port() int {
	return st.listener.Addr().(*net.TCPAddr).Port
}

func (st *sinkTarget) contents() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.received.String()
}

func connectedSink(t *testing.T, target *sinkTarget) *sink.Sink {
	t.Helper()
	s, err := sink.New(sink.Deps{
		Name: "test-instance",
		Host: "127.0.0.1",
		Port: target.port(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestInstanceLifecycle(t *testing.T) {
	inst := NewInstance("serial-1-1", serialSnapshot(4001), Deps{})
	assert.Equal(t, StatusStarting, inst.Status())
	assert.Equal(t, "serial-1", inst.ConfigID())
	assert.Equal(t, 0, inst.MonitorPort())

	inst.MarkRunning()
	assert.Equal(t, StatusRunning, inst.Status())

	inst.RecordLine(10)
	inst.RecordLine(5)
	inst.RecordError()
	stats := inst.Stats()
	assert.Equal(t, int64(2), stats.MessageCount)
	assert.Equal(t, int64(15), stats.BytesCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.False(t, stats.LastActivity.IsZero())

	select {
	case <-inst.Done():
		t.Fatal("done closed before stop")
	default:
	}

	require.NoError(t, inst.Stop(time.Second))
	assert.Equal(t, StatusStopped, inst.Status())
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after stop")
	}

	// Idempotent.
	require.NoError(t, inst.Stop(time.Second))
}

func TestInstanceMarkError(t *testing.T) {
	inst := NewInstance("i1", serialSnapshot(4001), Deps{})
	inst.MarkRunning()
	inst.MarkError(fmt.Errorf("source gone"))
	assert.Equal(t, StatusError, inst.Status())
	assert.Equal(t, int64(1), inst.Stats().ErrorCount)
}

func TestInstanceSummary(t *testing.T) {
	target := newSinkTarget(t)
	out := connectedSink(t, target)

	inst := NewInstance("serial-1-1", serialSnapshot(4001), Deps{Sink: out})
	inst.MarkRunning()
	inst.RecordLine(3)

	s := inst.Summary()
	assert.Equal(t, "serial-1-1", s.InstanceID)
	assert.Equal(t, "running", s.Status)
	assert.Equal(t, config.KindSerial, s.Kind)
	assert.True(t, s.OutputConnected)
	assert.False(t, s.InputConnected)
	assert.Equal(t, 4001, s.OutPort)
	assert.Equal(t, int64(1), s.Stats.MessageCount)
}

func TestMonitorProbesPastOccupiedPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	base := occupied.Addr().(*net.TCPAddr).Port

	m, err := OpenMonitor("127.0.0.1", base, 5, "probe-test", nil)
	require.NoError(t, err)
	defer m.Close()
	assert.Greater(t, m.Port(), base)
	assert.Less(t, m.Port(), base+5)
}

func TestMonitorExhaustionReturnsError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	base := occupied.Addr().(*net.TCPAddr).Port

	m, err := OpenMonitor("127.0.0.1", base, 1, "exhausted", nil)
	require.Error(t, err)
	assert.Nil(t, m)
}

func TestMonitorBannerStreamAndShutdown(t *testing.T) {
	m, err := OpenMonitor("127.0.0.1", reservePort(t), 1, "pilot-boat", nil)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", m.Port()))
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	banner, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, banner, "pilot-boat")
	assert.Contains(t, banner, fmt.Sprintf("%d", m.Port()))

	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, 10*time.Millisecond)
	m.Broadcast("$GPGGA,1*XX")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "$GPGGA,1*XX\r\n", line)

	m.Close()
	shutdown, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, shutdown, "shutting down")
}

func reservePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRouteDeliversToSinkAndCountsAIS(t *testing.T) {
	target := newSinkTarget(t)
	out := connectedSink(t, target)

	registry := metric.NewMetricsRegistry()
	router := NewRouter(RouterDeps{Registry: registry})
	defer router.Close()

	inst := NewInstance("serial-1-1", serialSnapshot(target.port()), Deps{Sink: out})
	inst.MarkRunning()

	router.Route(inst, "!AIVDM,1,1,,A,abc,0*3A")

	require.Eventually(t, func() bool {
		return strings.Contains(target.contents(), "!AIVDM,1,1,,A,abc,0*3A\r\n")
	}, 2*time.Second, 10*time.Millisecond)

	core := registry.CoreMetrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(core.LinesRouted))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.LinesByKind.WithLabelValues("ais")))
	assert.Equal(t, float64(0), testutil.ToFloat64(core.LinesByKind.WithLabelValues("gnss")))
	assert.Equal(t, int64(1), inst.Stats().MessageCount)
}

func TestRouteBroadcastsToDeclaredPort(t *testing.T) {
	outPort := reservePort(t)
	pool := autoserver.NewPool(autoserver.Deps{
		Bind: "127.0.0.1",
		Band: config.PortBand{Min: 1024, Max: 65535},
	})
	defer pool.Close()
	pool.Reconcile([]autoserver.Declaration{{Port: outPort, Name: "pilot-boat"}})

	subscriber, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", outPort))
	require.NoError(t, err)
	defer subscriber.Close()
	reader := bufio.NewReader(subscriber)
	_ = subscriber.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = reader.ReadString('\n') // banner
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pool.Clients() == 1 }, time.Second, 10*time.Millisecond)

	router := NewRouter(RouterDeps{Pool: pool})
	defer router.Close()
	inst := NewInstance("serial-1-1", serialSnapshot(outPort), Deps{})
	inst.MarkRunning()

	router.Route(inst, "$GPGGA,1*XX")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "$GPGGA,1*XX\r\n", line)
}

func TestRouteFansAISOutToRegisteredMonitors(t *testing.T) {
	router := NewRouter(RouterDeps{})
	defer router.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	router.RegisterAISMonitor(local)
	assert.Equal(t, 1, router.AISMonitors())

	inst := NewInstance("i1", serialSnapshot(4001), Deps{})
	inst.MarkRunning()

	done := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(remote)
		line, err := reader.ReadString('\n')
		if err != nil {
			done <- ""
			return
		}
		done <- line
	}()

	// Non-AIS lines never reach the AIS monitor set.
	router.Route(inst, "$GPGGA,1*XX")
	router.Route(inst, "!AIVDM,1,1,,A,abc,0*46")

	select {
	case line := <-done:
		assert.Equal(t, "!AIVDM,1,1,,A,abc,0*46\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("AIS monitor received nothing")
	}

	router.UnregisterAISMonitor(local)
	assert.Equal(t, 0, router.AISMonitors())
}

func TestInstanceStopClosesMonitor(t *testing.T) {
	m, err := OpenMonitor("127.0.0.1", reservePort(t), 1, "stopper", nil)
	require.NoError(t, err)

	inst := NewInstance("i1", serialSnapshot(4001), Deps{Monitor: m})
	inst.MarkRunning()
	assert.Equal(t, m.Port(), inst.MonitorPort())

	require.NoError(t, inst.Stop(time.Second))

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", m.Port()), 200*time.Millisecond)
	assert.Error(t, err)
}
