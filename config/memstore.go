package config

import "sync"

// MemoryStore is an in-memory Store. It backs tests and embeddings where the
// control plane holds records directly rather than through CSV files.
type MemoryStore struct {
	mu      sync.RWMutex
	serials []SerialConfig
	ips     []IPConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetSerialConfigs replaces the serial record set.
func (s *MemoryStore) SetSerialConfigs(configs []SerialConfig) {
	s.mu.Lock()
	s.serials = append([]SerialConfig(nil), configs...)
	s.mu.Unlock()
}

// SetIPConfigs replaces the network record set.
func (s *MemoryStore) SetIPConfigs(configs []IPConfig) {
	s.mu.Lock()
	s.ips = append([]IPConfig(nil), configs...)
	s.mu.Unlock()
}

// GetSerialConfigs returns a copy of the serial record set.
func (s *MemoryStore) GetSerialConfigs() ([]SerialConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SerialConfig(nil), s.serials...), nil
}

// GetIPConfigs returns a copy of the network record set.
func (s *MemoryStore) GetIPConfigs() ([]IPConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]IPConfig(nil), s.ips...), nil
}

var _ Store = (*MemoryStore)(nil)
