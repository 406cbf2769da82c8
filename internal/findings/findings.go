// Package findings holds the port findings discovered by scans and the
// process-wide store that deduplicates them.
package findings

import (
	"fmt"
	"sync"
)

// Protocol is the transport protocol of a port finding.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol converts the scanner's protocol token into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolTCP, ProtocolUDP:
		return Protocol(s), nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// ScanKey identifies a single finding.
type ScanKey struct {
	Hostname  string `json:"hostname" yaml:"hostname"`
	IPAddress string `json:"ip_address" yaml:"ip_address"`
	Port      string `json:"port" yaml:"port"`
}

// String returns host/ip:port, used in logs.
func (k ScanKey) String() string {
	return fmt.Sprintf("%s/%s:%s", k.Hostname, k.IPAddress, k.Port)
}

// PortFinding describes one discovered network service. State and Version
// are kept exactly as the scanner printed them.
type PortFinding struct {
	Service  string   `json:"service" yaml:"service"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	State    string   `json:"state" yaml:"state"`
	Version  string   `json:"version" yaml:"version"`
}

// Entry is a key and its finding as returned by Snapshot.
type Entry struct {
	Key     ScanKey     `json:"key" yaml:"key"`
	Finding PortFinding `json:"finding" yaml:"finding"`
}

// Store is an append-only map from ScanKey to PortFinding that remembers
// first-insertion order. The first finding stored under a key is kept for
// the lifetime of the store.
type Store struct {
	mu      sync.RWMutex
	index   map[ScanKey]int
	entries []Entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		index: make(map[ScanKey]int),
	}
}

// InsertIfAbsent stores finding under key unless the key is already present.
// It reports whether the finding was inserted.
func (s *Store) InsertIfAbsent(key ScanKey, finding PortFinding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[key]; exists {
		return false
	}
	s.index[key] = len(s.entries)
	s.entries = append(s.entries, Entry{Key: key, Finding: finding})
	return true
}

// Get returns the finding stored under key.
func (s *Store) Get(key ScanKey) (PortFinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[key]
	if !ok {
		return PortFinding{}, false
	}
	return s.entries[i].Finding, true
}

// Snapshot returns a copy of all entries in first-insertion order.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored findings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
