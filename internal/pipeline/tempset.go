package pipeline

import (
	"errors"
	"sync"
)

// TempSet owns the temp files of one job. Release runs every registered
// cleanup exactly once; cleanups added afterwards run immediately.
type TempSet struct {
	mu       sync.Mutex
	cleanups []func() error
	released bool
}

func (s *TempSet) Add(cleanup func() error) error {
	if cleanup == nil {
		return nil
	}

	s.mu.Lock()
	if !s.released {
		s.cleanups = append(s.cleanups, cleanup)
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	return cleanup()
}

func (s *TempSet) Release() error {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.released = true
	s.mu.Unlock()

	var errs []error

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *TempSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.cleanups)
}
