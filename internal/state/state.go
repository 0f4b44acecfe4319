// Package state persists the last known health of each bridged tool server
// so it survives checker restarts and is visible on the status surface.
package state

import (
	"sync"
	"time"
)

// Health is one server's most recent check outcome.
type Health struct {
	Healthy          bool      `json:"healthy"`
	Protocol         string    `json:"protocol,omitempty"`
	Tools            int       `json:"tools"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Store persists health records keyed by server name.
type Store interface {
	Save(name string, h Health) error
	Load(name string) (Health, bool, error)
	All() (map[string]Health, error)
}

// MemoryStore is the default, process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Health
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Health{}}
}

func (s *MemoryStore) Save(name string, h Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = h
	return nil
}

func (s *MemoryStore) Load(name string) (Health, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.records[name]
	return h, ok, nil
}

func (s *MemoryStore) All() (map[string]Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Health, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}
