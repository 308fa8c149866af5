package socket

import "sync"

// syncMap is a map that is safe for concurrent usage.
type syncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func newSyncMap[K comparable, V any]() *syncMap[K, V] {
	return &syncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *syncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// LoadAndDelete removes the key and returns the value it held.
func (s *syncMap[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	if ok {
		delete(s.m, key)
	}
	return
}

func (s *syncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *syncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
