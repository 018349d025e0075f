package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdeaQru/apigate-sub000/errors"
)

func TestSerialConfigValidate(t *testing.T) {
	valid := SerialConfig{
		ID: "s1", Name: "gps", Device: "/dev/ttyUSB0", Baud: 9600,
		OutHost: "127.0.0.1", OutPort: 4001,
	}
	require.NoError(t, valid.Validate())

	missingDevice := valid
	missingDevice.Device = ""
	assert.True(t, errors.IsInvalid(missingDevice.Validate()))

	badBaud := valid
	badBaud.Baud = 0
	assert.True(t, errors.IsInvalid(badBaud.Validate()))

	badPort := valid
	badPort.OutPort = 70000
	assert.True(t, errors.IsInvalid(badPort.Validate()))
}

func TestIPConfigValidate(t *testing.T) {
	valid := IPConfig{
		ID: "i1", Name: "ais-feed", Host: "10.0.0.5", Port: 5000,
		Mode: ModeClient, OutHost: "127.0.0.1", OutPort: 4002,
	}
	require.NoError(t, valid.Validate())

	badMode := valid
	badMode.Mode = "broadcast"
	assert.True(t, errors.IsInvalid(badMode.Validate()))
}

func TestSnapshotCopiesFields(t *testing.T) {
	rec := SerialConfig{ID: "s1", Name: "gps", Device: "/dev/ttyUSB0", Baud: 38400, OutHost: "h", OutPort: 4001}
	snap := rec.Snapshot()
	assert.Equal(t, KindSerial, snap.Kind)
	assert.Equal(t, "s1", snap.ConfigID)
	assert.Equal(t, 38400, snap.Baud)

	// Mutating the record after snapshot must not affect the snapshot.
	rec.Baud = 9600
	assert.Equal(t, 38400, snap.Baud)
}

func TestDeclaredOutputPortsDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	store.SetSerialConfigs([]SerialConfig{
		{ID: "s1", Device: "/dev/ttyUSB0", Baud: 9600, OutPort: 4001},
		{ID: "s2", Device: "/dev/ttyUSB1", Baud: 9600, OutPort: 4002},
	})
	store.SetIPConfigs([]IPConfig{
		{ID: "i1", Host: "h", Port: 5000, Mode: ModeClient, OutPort: 4002},
		{ID: "i2", Host: "h", Port: 5001, Mode: ModeServer, OutPort: 4003},
	})

	ports, err := DeclaredOutputPorts(store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{4001, 4002, 4003}, ports)
}

func TestDefaultSettingsAreValid(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, 4001, s.PortBand.Min)
	assert.Equal(t, 8000, s.PortBand.Max)
	assert.Equal(t, 10000, s.Sink.QueueCapacity)
	assert.Equal(t, 0, s.Sink.Reconnect.MaxAttempts, "sink retries forever")
	assert.Equal(t, 10, s.TCPClient.Reconnect.MaxAttempts)
}

func TestPortBandContains(t *testing.T) {
	band := PortBand{Min: 4001, Max: 8000}
	assert.True(t, band.Contains(4001))
	assert.True(t, band.Contains(8000))
	assert.False(t, band.Contains(4000))
	assert.False(t, band.Contains(8001))
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	data := []byte("port_band:\n  min: 5000\n  max: 6000\nreconcile_interval: 2s\nsink:\n  queue_capacity: 500\n  dial_timeout: 1s\n  reconnect:\n    initial_delay: 1s\n    max_delay: 1s\n    multiplier: 1.0\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, s.PortBand.Min)
	assert.Equal(t, 2*time.Second, s.ReconcileInterval)
	assert.Equal(t, 500, s.Sink.QueueCapacity)
	// Untouched values keep their defaults.
	assert.Equal(t, "127.0.0.1", s.Bind)
	assert.Equal(t, 2*time.Second, s.RemovalGrace)
}

func TestLoadSettingsEmptyPathReturnsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsRejectsBadBand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port_band:\n  min: 9000\n  max: 100\n"), 0o644))

	_, err := LoadSettings(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCSVStoreReadsRecords(t *testing.T) {
	dir := t.TempDir()
	serialCSV := "id,name,device,baud,tcp_out_host,tcp_out_port\ns1,gps,/dev/ttyUSB0,9600,127.0.0.1,4001\n"
	ipCSV := "id,name,host,port,mode,tcp_out_host,tcp_out_port\ni1,ais,10.0.0.5,5000,client,127.0.0.1,4002\ni2,radar,0.0.0.0,5001,server,127.0.0.1,4003\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SerialFile), []byte(serialCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IPFile), []byte(ipCSV), 0o644))

	store := NewCSVStore(dir)

	serials, err := store.GetSerialConfigs()
	require.NoError(t, err)
	require.Len(t, serials, 1)
	assert.Equal(t, SerialConfig{
		ID: "s1", Name: "gps", Device: "/dev/ttyUSB0", Baud: 9600,
		OutHost: "127.0.0.1", OutPort: 4001,
	}, serials[0])

	ips, err := store.GetIPConfigs()
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, ModeClient, ips[0].Mode)
	assert.Equal(t, ModeServer, ips[1].Mode)
}

func TestCSVStoreMissingFilesAreEmpty(t *testing.T) {
	store := NewCSVStore(t.TempDir())

	serials, err := store.GetSerialConfigs()
	require.NoError(t, err)
	assert.Empty(t, serials)

	ips, err := store.GetIPConfigs()
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestCSVStoreRejectsBadNumbers(t *testing.T) {
	dir := t.TempDir()
	bad := "id,name,device,baud,tcp_out_host,tcp_out_port\ns1,gps,/dev/ttyUSB0,fast,127.0.0.1,4001\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SerialFile), []byte(bad), 0o644))

	_, err := NewCSVStore(dir).GetSerialConfigs()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
