package tracker

import "sync"

// subjectLocks hands out one mutex per subject. Mutexes are created on
// first use and kept for the life of the process.
type subjectLocks struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *subjectLocks) get(subjectID string) *sync.Mutex {
	s.mu.RLock()
	if l, ok := s.locks[subjectID]; ok {
		s.mu.RUnlock()
		return l
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[subjectID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[subjectID] = l
	return l
}

// lock acquires the subject's mutex and returns its unlock function.
func (s *subjectLocks) lock(subjectID string) func() {
	l := s.get(subjectID)
	l.Lock()
	return l.Unlock
}
