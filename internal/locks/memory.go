package locks

import (
	"context"
	"sync"
)

// MemoryTable guards keys within one process.
type MemoryTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{held: make(map[string]struct{})}
}

func (t *MemoryTable) TryAcquire(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[key]; ok {
		return false, nil
	}
	t.held[key] = struct{}{}
	return true, nil
}

func (t *MemoryTable) Release(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.held, key)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}
