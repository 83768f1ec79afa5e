package main

import "sync"

// duplicateShareSet remembers every header+nonce submitted against one job.
// It lives as long as the job stays valid, so it is not bounded.
type duplicateShareSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// seenOrAdd reports whether key has already been seen, and records it if not.
func (s *duplicateShareSet) seenOrAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]struct{}, 64)
	}
	if _, seen := s.m[key]; seen {
		return true
	}
	s.m[key] = struct{}{}
	return false
}

func (s *duplicateShareSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
