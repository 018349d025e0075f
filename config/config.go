// Package config defines the declared bridge configurations, the store the
// orchestrator polls them from, and the daemon settings.
//
// Bridge records are owned by the external control plane; the core treats
// them as read-only and snapshots them at instance start. A started instance
// never observes a later change to its record.
package config

import (
	"fmt"

	"github.com/IdeaQru/apigate-sub000/errors"
)

// Kind distinguishes the two bridge source families.
type Kind string

const (
	// KindSerial bridges a local serial device.
	KindSerial Kind = "serial"
	// KindIP bridges a remote or listening TCP endpoint.
	KindIP Kind = "ip"
)

// ConnMode selects how an IP bridge reaches its source.
type ConnMode string

const (
	// ModeClient dials the remote endpoint.
	ModeClient ConnMode = "client"
	// ModeServer listens and accepts source connections.
	ModeServer ConnMode = "server"
)

// SerialConfig is one declared serial bridge record.
type SerialConfig struct {
	ID      string
	Name    string
	Device  string
	Baud    int
	OutHost string
	OutPort int
}

// Validate checks a serial record for the fields the core requires.
func (c SerialConfig) Validate() error {
	if c.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SerialConfig", "Validate", "id")
	}
	if c.Device == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SerialConfig", "Validate", "device path")
	}
	if c.Baud <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: baud rate %d", errors.ErrInvalidConfig, c.Baud),
			"SerialConfig", "Validate", "baud rate")
	}
	if c.OutPort <= 0 || c.OutPort > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: output port %d", errors.ErrInvalidConfig, c.OutPort),
			"SerialConfig", "Validate", "output port")
	}
	return nil
}

// Snapshot converts the record into an immutable per-instance snapshot.
func (c SerialConfig) Snapshot() BridgeConfig {
	return BridgeConfig{
		ConfigID: c.ID,
		Name:     c.Name,
		Kind:     KindSerial,
		Device:   c.Device,
		Baud:     c.Baud,
		OutHost:  c.OutHost,
		OutPort:  c.OutPort,
	}
}

// IPConfig is one declared network bridge record.
type IPConfig struct {
	ID      string
	Name    string
	Host    string
	Port    int
	Mode    ConnMode
	OutHost string
	OutPort int
}

// Validate checks a network record for the fields the core requires.
func (c IPConfig) Validate() error {
	if c.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "IPConfig", "Validate", "id")
	}
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "IPConfig", "Validate", "host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: source port %d", errors.ErrInvalidConfig, c.Port),
			"IPConfig", "Validate", "source port")
	}
	if c.Mode != ModeClient && c.Mode != ModeServer {
		return errors.WrapInvalid(
			fmt.Errorf("%w: connection mode %q", errors.ErrInvalidConfig, c.Mode),
			"IPConfig", "Validate", "connection mode")
	}
	if c.OutPort <= 0 || c.OutPort > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: output port %d", errors.ErrInvalidConfig, c.OutPort),
			"IPConfig", "Validate", "output port")
	}
	return nil
}

// Snapshot converts the record into an immutable per-instance snapshot.
func (c IPConfig) Snapshot() BridgeConfig {
	return BridgeConfig{
		ConfigID: c.ID,
		Name:     c.Name,
		Kind:     KindIP,
		Host:     c.Host,
		Port:     c.Port,
		Mode:     c.Mode,
		OutHost:  c.OutHost,
		OutPort:  c.OutPort,
	}
}

// BridgeConfig is the immutable snapshot an instance is started with.
// Serial fields are set for KindSerial, network fields for KindIP.
type BridgeConfig struct {
	ConfigID string
	Name     string
	Kind     Kind

	// Serial source parameters.
	Device string
	Baud   int

	// Network source parameters.
	Host string
	Port int
	Mode ConnMode

	// Output target.
	OutHost string
	OutPort int
}

// Store is the read-only view of the declared configuration the orchestrator
// polls on its reconciliation timer. The core never writes to the store.
type Store interface {
	GetSerialConfigs() ([]SerialConfig, error)
	GetIPConfigs() ([]IPConfig, error)
}

// DeclaredOutputPorts collects the distinct output ports declared by every
// record in the store, regardless of whether an instance is running for it.
func DeclaredOutputPorts(store Store) ([]int, error) {
	serials, err := store.GetSerialConfigs()
	if err != nil {
		return nil, errors.Wrap(err, "config", "DeclaredOutputPorts", "serial records read")
	}
	ips, err := store.GetIPConfigs()
	if err != nil {
		return nil, errors.Wrap(err, "config", "DeclaredOutputPorts", "ip records read")
	}

	seen := make(map[int]struct{}, len(serials)+len(ips))
	var ports []int
	add := func(p int) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
	}
	for _, c := range serials {
		add(c.OutPort)
	}
	for _, c := range ips {
		add(c.OutPort)
	}
	return ports, nil
}
