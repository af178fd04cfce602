package awareness

import "sync"

// Shared is the single serialization point for a realm's Awareness and the
// document inside it. Readers run concurrently with each other, never with a
// writer. Callers must not perform network I/O inside fn.
type Shared struct {
	mu sync.RWMutex
	a  *Awareness
}

func NewShared(a *Awareness) *Shared {
	return &Shared{a: a}
}

func (s *Shared) Read(fn func(a *Awareness) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.a)
}

func (s *Shared) Write(fn func(a *Awareness) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.a)
}
