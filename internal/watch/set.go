package watch

import "sync"

// Set indexes the per-backend queues by chain name. Queues are created
// at startup, one per registered backend, and never recreated.
type Set struct {
	mu      sync.RWMutex
	byChain map[string]*Queue
}

func NewSet() *Set {
	return &Set{byChain: make(map[string]*Queue)}
}

func (s *Set) Add(chainName string, q *Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChain[chainName] = q
}

// For returns the queue of a backend, or nil when the backend is
// unknown.
func (s *Set) For(chainName string) *Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byChain[chainName]
}
