// Package workqueue abstracts the FIFO job queue the Scheduler drains.
// Grounded on original_source/inference-pool/src/app.py's
// redis_client.lpush("inference_queue", job_id) / blocking-pop worker loop.
package workqueue

import (
	"context"
	"errors"
)

// ErrEmpty is returned by Dequeue when no item became available before ctx
// or the deadline expired.
var ErrEmpty = errors.New("workqueue: empty")

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("workqueue: full")

// WorkQueue is a FIFO queue supporting blocking dequeue with deadline and
// bounded re-enqueue, component referenced throughout §4.6/§4.8.
type WorkQueue interface {
	// Enqueue appends id to the tail of the queue. Returns ErrFull if the
	// queue is at capacity.
	Enqueue(ctx context.Context, id string) error

	// Dequeue blocks until an item is available or ctx is done, returning
	// ErrEmpty in the latter case.
	Dequeue(ctx context.Context) (string, error)

	// Len reports the current queue length. Nothing in the gateway reads it
	// to feed the metrics sink's queue-depth gauge.
	Len(ctx context.Context) (int, error)
}
