package testutils

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrMockAllocFailed = errors.New("mock block source: alloc failed")

// MockBlockSource hands out Go heap blocks and counts Alloc/Release calls.
// Blocks are pinned until released.
type MockBlockSource struct {
	attempts     atomic.Int64
	allocCalls   atomic.Int64
	releaseCalls atomic.Int64

	// FailAt makes the n-th Alloc call (1-based) and every call after it fail.
	// Zero disables failures.
	FailAt int64

	// Offset shifts every returned block this many bytes past the start of its
	// allocation, so block bases are not pointer-aligned.
	Offset int

	// Short makes Alloc return blocks this many bytes smaller than requested.
	Short int

	mu       sync.Mutex
	live     map[*byte][]byte
	released map[*byte]int
}

func (s *MockBlockSource) Alloc(size int) ([]byte, error) {
	n := s.attempts.Add(1)
	if s.FailAt > 0 && n >= s.FailAt {
		return nil, ErrMockAllocFailed
	}
	s.allocCalls.Add(1)
	buf := make([]byte, size+s.Offset)
	b := buf[s.Offset : s.Offset+size-s.Short]
	s.mu.Lock()
	if s.live == nil {
		s.live = make(map[*byte][]byte)
	}
	s.live[&b[0]] = buf
	s.mu.Unlock()
	return b, nil
}

func (s *MockBlockSource) Release(b []byte) error {
	s.releaseCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released == nil {
		s.released = make(map[*byte]int)
	}
	delete(s.live, &b[0])
	s.released[&b[0]]++
	return nil
}

// AllocCalls returns the number of successful Alloc calls.
func (s *MockBlockSource) AllocCalls() int64 {
	return s.allocCalls.Load()
}

func (s *MockBlockSource) ReleaseCalls() int64 {
	return s.releaseCalls.Load()
}

func (s *MockBlockSource) BlocksInUse() int64 {
	return s.AllocCalls() - s.ReleaseCalls()
}

// MaxReleases returns the highest number of times any single block was released.
func (s *MockBlockSource) MaxReleases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.released {
		n = max(n, c)
	}
	return n
}

func (s *MockBlockSource) Reset() {
	s.attempts.Store(0)
	s.allocCalls.Store(0)
	s.releaseCalls.Store(0)
	s.mu.Lock()
	s.live = nil
	s.released = nil
	s.mu.Unlock()
}
