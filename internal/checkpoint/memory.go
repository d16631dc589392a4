package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemorySaver keeps checkpoints in process memory. History is lost on
// restart, which matches the default local deployment.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string]*Checkpoint
}

var _ Saver = (*MemorySaver)(nil)

// NewMemory builds an empty in-memory saver.
func NewMemory() *MemorySaver {
	return &MemorySaver{threads: make(map[string]*Checkpoint)}
}

func (s *MemorySaver) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[threadID].clone(), nil
}

func (s *MemorySaver) Save(_ context.Context, threadID string, cp *Checkpoint) error {
	stored := cp.clone()
	if stored == nil {
		stored = &Checkpoint{}
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = stored
	return nil
}

func (s *MemorySaver) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *MemorySaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*Checkpoint)
	return nil
}

// Len reports how many threads hold a checkpoint.
func (s *MemorySaver) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}
