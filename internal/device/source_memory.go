package device

import (
	"context"
	"sync"
)

// MemorySource is an in-process Source for tests and platforms without a
// native adapter. Notifications are injected with Inject.
type MemorySource struct {
	mu     sync.Mutex
	out    chan RawNotification
	closed bool
}

// NewMemorySource returns an injectable source with the given buffer depth.
func NewMemorySource(depth int) *MemorySource {
	if depth <= 0 {
		depth = 64
	}
	return &MemorySource{out: make(chan RawNotification, depth)}
}

func (s *MemorySource) Name() string { return "memory" }

func (s *MemorySource) Start(ctx context.Context) (<-chan RawNotification, error) {
	return s.out, nil
}

// Stop closes the delivery channel; further Inject calls are dropped.
func (s *MemorySource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Inject queues one raw notification. Returns false after Stop.
func (s *MemorySource) Inject(n RawNotification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.out <- n
	return true
}
