package correlation

import "sync"

// DefaultCapacity bounds a Store when no explicit capacity is configured.
const DefaultCapacity = 500

// Store is a bounded in-memory map from work-item keys to records. When an
// insert would exceed capacity the single oldest key by first insertion is
// evicted (FIFO — re-setting an existing key does not refresh its age).
// This is deliberately not an LRU: the messaging client's lookup cache
// covers that role.
//
// Values are typically pointers mutated in place by the caller; Set is
// still required to make a record visible for keys the store has never
// seen.
type Store[V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]V
	order    []string
}

// NewStore returns a Store bounded to capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func NewStore[V any](capacity int) *Store[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store[V]{
		capacity: capacity,
		entries:  make(map[string]V, capacity),
	}
}

// Get returns the record for key, if present.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Set upserts the record for key, evicting the oldest key first when the
// store is full. The key being written is never the one evicted.
func (s *Store[V]) Set(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		s.entries[key] = value
		return
	}

	if len(s.entries) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	s.entries[key] = value
	s.order = append(s.order, key)
}

// Delete removes key from the store. Unknown keys are a no-op.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		return
	}
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of stored records.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
