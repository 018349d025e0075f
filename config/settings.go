package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IdeaQru/apigate-sub000/errors"
	"github.com/IdeaQru/apigate-sub000/pkg/retry"
)

// PortBand is the inclusive range of ports the auto-server pool manages.
// Declared output ports outside the band are never auto-provisioned.
type PortBand struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Contains reports whether port lies within the band.
func (b PortBand) Contains(port int) bool {
	return port >= b.Min && port <= b.Max
}

// SinkSettings configures the resilient output writer.
type SinkSettings struct {
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	QueueCapacity int           `yaml:"queue_capacity"`
	Reconnect     retry.Config  `yaml:"reconnect"`
}

// TCPClientSettings configures the dialing input source.
type TCPClientSettings struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Reconnect   retry.Config  `yaml:"reconnect"`
}

// MonitorSettings configures the per-instance diagnostic listener.
type MonitorSettings struct {
	PortOffset int `yaml:"port_offset"` // monitor port = output port + offset
	ProbeLimit int `yaml:"probe_limit"` // ports probed upward past collisions
}

// Settings is the daemon-level policy configuration, loaded from YAML with
// defaults from DefaultSettings. Bridge records live in the Store, not here.
type Settings struct {
	Bind              string            `yaml:"bind"` // address auto-servers bind on
	PortBand          PortBand          `yaml:"port_band"`
	ReconcileInterval time.Duration     `yaml:"reconcile_interval"`
	StatsInterval     time.Duration     `yaml:"stats_interval"`
	RemovalGrace      time.Duration     `yaml:"removal_grace"`
	Sink              SinkSettings      `yaml:"sink"`
	TCPClient         TCPClientSettings `yaml:"tcp_client"`
	Monitor           MonitorSettings   `yaml:"monitor"`
}

// DefaultSettings returns the shipped policy values.
func DefaultSettings() Settings {
	return Settings{
		Bind:              "127.0.0.1",
		PortBand:          PortBand{Min: 4001, Max: 8000},
		ReconcileInterval: 10 * time.Second,
		StatsInterval:     30 * time.Second,
		RemovalGrace:      2 * time.Second,
		Sink: SinkSettings{
			DialTimeout:   5 * time.Second,
			QueueCapacity: 10000,
			// Telemetry sinks are expected to come back; retry forever.
			Reconnect: retry.Fixed(3*time.Second, 0),
		},
		TCPClient: TCPClientSettings{
			DialTimeout: 10 * time.Second,
			Reconnect:   retry.Fixed(5*time.Second, 10),
		},
		Monitor: MonitorSettings{
			PortOffset: 1000,
			ProbeLimit: 50,
		},
	}
}

// Validate checks settings for internally consistent values.
func (s Settings) Validate() error {
	if s.PortBand.Min <= 0 || s.PortBand.Max > 65535 || s.PortBand.Min > s.PortBand.Max {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port band %d-%d", errors.ErrInvalidConfig, s.PortBand.Min, s.PortBand.Max),
			"Settings", "Validate", "port band")
	}
	if s.ReconcileInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: reconcile interval %v", errors.ErrInvalidConfig, s.ReconcileInterval),
			"Settings", "Validate", "reconcile interval")
	}
	if s.Sink.QueueCapacity <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sink queue capacity %d", errors.ErrInvalidConfig, s.Sink.QueueCapacity),
			"Settings", "Validate", "sink queue capacity")
	}
	if s.Monitor.ProbeLimit < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: monitor probe limit %d", errors.ErrInvalidConfig, s.Monitor.ProbeLimit),
			"Settings", "Validate", "monitor probe limit")
	}
	return nil
}

// LoadSettings reads a YAML settings file over the defaults. A missing path
// returns the defaults unchanged.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, errors.WrapInvalid(err, "config", "LoadSettings", "settings file read")
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, errors.WrapInvalid(err, "config", "LoadSettings", "settings file parse")
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}
