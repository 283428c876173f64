package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(10)

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second)
}

func TestMemoryEnqueueFullReturnsErrFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1)

	require.NoError(t, q.Enqueue(ctx, "a"))
	assert.ErrorIs(t, q.Enqueue(ctx, "b"), ErrFull)
}

func TestMemoryDequeueRespectsDeadline(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryLen(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(10)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.Enqueue(ctx, "a"))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
