package workqueue

import (
	"context"
)

// Memory is a channel-backed WorkQueue for tests and single-process
// deployments.
type Memory struct {
	ch chan string
}

// NewMemory creates a Memory queue with the given bounded capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{ch: make(chan string, capacity)}
}

func (m *Memory) Enqueue(ctx context.Context, id string) error {
	select {
	case m.ch <- id:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-m.ch:
		return id, nil
	case <-ctx.Done():
		return "", ErrEmpty
	}
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	return len(m.ch), nil
}
