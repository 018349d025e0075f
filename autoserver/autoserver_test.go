package autoserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/nmea"
)

// reservePorts grabs n distinct ephemeral ports and releases them so a pool
// can bind them. There is a small race window but it keeps tests hermetic.
func reservePorts(t *testing.T, n int) []int {
	t.Helper()
	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	for _, l := range listeners {
		require.NoError(t, l.Close())
	}
	return ports
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(Deps{
		Bind: "127.0.0.1",
		Band: config.PortBand{Min: 1024, Max: 65535},
	})
	t.Cleanup(p.Close)
	return p
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestReconcileConvergesToDeclaredSet(t *testing.T) {
	ports := reservePorts(t, 3)
	p := testPool(t)

	p.Reconcile([]Declaration{
		{Port: ports[0], Name: "alpha"},
		{Port: ports[1], Name: "beta"},
	})
	assert.ElementsMatch(t, []int{ports[0], ports[1]}, p.Ports())

	// New declaration set: ports[1] stays, ports[0] removed, ports[2] added.
	p.Reconcile([]Declaration{
		{Port: ports[1], Name: "beta"},
		{Port: ports[2], Name: "gamma"},
	})
	assert.ElementsMatch(t, []int{ports[1], ports[2]}, p.Ports())

	// Stale port is really closed.
	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0]), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestReconcileSkipsOutOfBandPorts(t *testing.T) {
	ports := reservePorts(t, 1)
	p := NewPool(Deps{
		Bind: "127.0.0.1",
		Band: config.PortBand{Min: 4001, Max: 4001},
	})
	defer p.Close()

	p.Reconcile([]Declaration{{Port: ports[0], Name: "outside"}})
	assert.Empty(t, p.Ports())
}

func TestReconcileSkipsUnbindablePort(t *testing.T) {
	// Occupy a port with a foreign listener; reconcile must skip it but
	// still provision the other declared port.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	busyPort := occupied.Addr().(*net.TCPAddr).Port
	freePort := reservePorts(t, 1)[0]

	p := testPool(t)
	p.Reconcile([]Declaration{
		{Port: busyPort, Name: "busy"},
		{Port: freePort, Name: "free"},
	})
	assert.Equal(t, []int{freePort}, p.Ports())
}

func TestSubscriberReceivesBannerThenLines(t *testing.T) {
	port := reservePorts(t, 1)[0]
	p := testPool(t)
	p.Reconcile([]Declaration{{Port: port, Name: "pilot-boat"}})

	conn := dialPort(t, port)
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	banner, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(banner, "#"), "banner line: %q", banner)
	assert.Contains(t, banner, fmt.Sprintf("%d", port))
	assert.Contains(t, banner, "pilot-boat")
	assert.True(t, strings.HasSuffix(banner, "\r\n"))

	require.Eventually(t, func() bool { return p.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, p.Broadcast(port, "!AIVDM,1,1,,A,abc,0*46", nmea.KindAIS))

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "!AIVDM,1,1,,A,abc,0*46\r\n", line)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	port := reservePorts(t, 1)[0]
	p := testPool(t)
	p.Reconcile([]Declaration{{Port: port, Name: "multi"}})

	c1 := dialPort(t, port)
	c2 := dialPort(t, port)
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)
	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Skip the banners.
	_, err := r1.ReadString('\n')
	require.NoError(t, err)
	_, err = r2.ReadString('\n')
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Clients() == 2 }, time.Second, 10*time.Millisecond)
	p.Broadcast(port, "$GPGGA,1*XX", nmea.KindGNSS)

	for _, r := range []*bufio.Reader{r1, r2} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "$GPGGA,1*XX\r\n", line)
	}
}

func TestBroadcastWithNoClientsIsNoOp(t *testing.T) {
	port := reservePorts(t, 1)[0]
	p := testPool(t)
	p.Reconcile([]Declaration{{Port: port, Name: "empty"}})

	assert.True(t, p.Broadcast(port, "$GPGGA,1*XX", nmea.KindGNSS))
	assert.False(t, p.Broadcast(port+1, "$GPGGA,1*XX", nmea.KindGNSS))

	summary := p.Summaries()
	require.Len(t, summary, 1)
	assert.Equal(t, int64(1), summary[0].MessagesReceived)
	assert.Equal(t, int64(1), summary[0].GNSSMessages)
	assert.Equal(t, 0, summary[0].Clients)
}

func TestBroadcastSurvivesDeadClient(t *testing.T) {
	port := reservePorts(t, 1)[0]
	p := testPool(t)
	p.Reconcile([]Declaration{{Port: port, Name: "churn"}})

	dead := dialPort(t, port)
	alive := dialPort(t, port)
	reader := bufio.NewReader(alive)
	_ = alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := reader.ReadString('\n') // banner
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Clients() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, dead.Close())
	require.Eventually(t, func() bool { return p.Clients() == 1 }, time.Second, 10*time.Millisecond)

	p.Broadcast(port, "plain-data", nmea.KindData)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "plain-data\r\n", line)
}

func TestAddAndRemovePort(t *testing.T) {
	port := reservePorts(t, 1)[0]
	p := testPool(t)

	require.NoError(t, p.AddPort(port, "manual"))
	require.NoError(t, p.AddPort(port, "manual"), "duplicate add is a no-op")
	assert.Equal(t, []int{port}, p.Ports())

	conn := dialPort(t, port)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	p.RemovePort(port)
	p.RemovePort(port) // no-op
	assert.Empty(t, p.Ports())

	// Evicted client observes the close.
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestAddPortRejectsOutOfBand(t *testing.T) {
	p := NewPool(Deps{
		Bind: "127.0.0.1",
		Band: config.PortBand{Min: 4001, Max: 8000},
	})
	defer p.Close()

	err := p.AddPort(80, "privileged")
	require.Error(t, err)
}

func TestCloseEvictsEverything(t *testing.T) {
	ports := reservePorts(t, 2)
	p := NewPool(Deps{
		Bind: "127.0.0.1",
		Band: config.PortBand{Min: 1024, Max: 65535},
	})
	p.Reconcile([]Declaration{
		{Port: ports[0], Name: "a"},
		{Port: ports[1], Name: "b"},
	})

	conn := dialPort(t, ports[0])
	require.Eventually(t, func() bool { return p.Clients() == 1 }, time.Second, 10*time.Millisecond)

	p.Close()
	assert.Empty(t, p.Ports())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	// Read past the banner until the close surfaces.
	buf := make([]byte, 256)
	var readErr error
	for i := 0; i < 10; i++ {
		if _, readErr = conn.Read(buf); readErr != nil {
			break
		}
	}
	assert.Error(t, readErr)
}
