package worker

import (
	"context"
	"sync"
)

// TurnCounter counts completed chat turns per user between finalize runs.
type TurnCounter interface {
	Incr(ctx context.Context, userID int64) (int64, error)
	Reset(ctx context.Context, userID int64) error
}

type memoryCounter struct {
	mu    sync.Mutex
	turns map[int64]int64
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{turns: make(map[int64]int64)}
}

func (c *memoryCounter) Incr(_ context.Context, userID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[userID]++
	return c.turns[userID], nil
}

func (c *memoryCounter) Reset(_ context.Context, userID int64) error {
	c.mu.Lock()
	delete(c.turns, userID)
	c.mu.Unlock()
	return nil
}
