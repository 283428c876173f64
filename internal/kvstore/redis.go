package kvstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis backs KVStore with a real Redis deployment, the production path for
// the atomic counters and revocation sets §5 requires to be visible across
// every gateway process.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to addr using sane pool defaults for the gateway's
// hot-path read/write pattern.
func DialRedis(addr, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return NewRedis(client)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// incrScript increments key and sets its TTL only on the increment that
// creates it (result 1), matching KVStore.Incr's "refreshing its TTL only
// on first creation" contract instead of pushing the expiry out on every
// call.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// casScript performs the read-compare-write atomically server-side so two
// gateway processes racing on the same key can't both believe their swap
// won.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "" end
if cur ~= ARGV[1] then
	return 0
end
if ARGV[3] == "0" then
	redis.call("SET", KEYS[1], ARGV[2])
else
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return 1
`)

func (r *Redis) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	ttlMillis := int64(0)
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}
	res, err := casScript.Run(ctx, r.client, []string{key}, oldValue, newValue, ttlMillis).Result()
	if err != nil {
		return false, err
	}
	swapped, _ := res.(int64)
	return swapped == 1, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
