// Package kvstore abstracts the shared cache/queue substrate (Redis-like in
// the original prototype) behind the operations the gateway actually needs:
// atomic counters with TTL and set-once, each key carrying its own TTL
// independent of every other key.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// KVStore is the keyed storage abstraction component A of the system
// overview. All operations are safe for concurrent use.
type KVStore interface {
	// Get returns the stored value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL. A zero TTL means no
	// expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value under key only if key does not already exist,
	// returning true if the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer stored at key (treating a
	// missing key as 0), refreshing its TTL only on first creation, and
	// returns the resulting value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key unconditionally. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically replaces the value at key with newValue,
	// applying ttl, only if the value currently stored there equals
	// oldValue (a missing/expired key counts as an empty oldValue). It
	// reports whether the swap happened; false means a concurrent writer
	// changed the value first and the caller must re-read and decide
	// whether its change is still legal.
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)
}
