package credentials

import (
	"strings"
	"sync"
)

// Store provides the API credential used to open realtime sessions.
type Store interface {
	// Key returns the configured credential; ok is false when none is set.
	Key() (key string, ok bool)

	// SetKey re-provisions the credential at runtime.
	SetKey(key string)

	// Clear removes the credential, e.g. after the endpoint rejected it.
	Clear()
}

// MemoryStore is an in-memory Store seeded from configuration.
type MemoryStore struct {
	mu  sync.RWMutex
	key string
}

// NewMemoryStore creates a store with an optional initial key.
func NewMemoryStore(initial string) *MemoryStore {
	return &MemoryStore{key: strings.TrimSpace(initial)}
}

func (s *MemoryStore) Key() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.key != ""
}

func (s *MemoryStore) SetKey(key string) {
	s.mu.Lock()
	s.key = strings.TrimSpace(key)
	s.mu.Unlock()
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.key = ""
	s.mu.Unlock()
}
