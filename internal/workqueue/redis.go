package workqueue

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// defaultPollInterval bounds each BLPOP call so the loop can still observe
// context cancellation promptly even though go-redis's own context handling
// is best-effort once the command is in flight.
const defaultPollInterval = 1 * time.Second

// Redis backs WorkQueue with a Redis list (RPUSH/BLPOP), the shape
// original_source/inference-pool/src/app.py uses for "inference_queue".
type Redis struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedis wraps an existing *redis.Client, storing the queue under key.
// capacity <= 0 means unbounded.
func NewRedis(client *redis.Client, key string, capacity int) *Redis {
	return &Redis{client: client, key: key, capacity: capacity}
}

func (r *Redis) Enqueue(ctx context.Context, id string) error {
	if r.capacity > 0 {
		n, err := r.client.LLen(ctx, r.key).Result()
		if err != nil {
			return err
		}
		if int(n) >= r.capacity {
			return ErrFull
		}
	}
	return r.client.RPush(ctx, r.key, id).Err()
}

func (r *Redis) Dequeue(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ErrEmpty
		default:
		}

		result, err := r.client.BLPop(ctx, defaultPollInterval, r.key).Result()
		if err == redis.Nil {
			continue // timed out this poll interval, try again
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrEmpty
			}
			return "", err
		}
		// BLPOP returns [key, value].
		if len(result) == 2 {
			return result[1], nil
		}
	}
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	return int(n), err
}
