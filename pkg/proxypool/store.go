package proxypool

import "sync"

// Store maps URLs to decoded content. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]byte)}
}

// Insert adds content for url. It reports false and leaves the store
// untouched if url is already present.
func (s *Store) Insert(url string, content []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[url]; exists {
		return false
	}
	s.entries[url] = content
	return true
}

// Get returns the content stored for url.
func (s *Store) Get(url string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.entries[url]
	return content, ok
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the mapping. Content slices are shared with the
// store and must not be modified.
func (s *Store) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Reset removes all entries.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
}
