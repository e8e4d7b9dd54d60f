package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore shares task locks between API nodes. Each lock is a key holding
// the owner's user id with a lease; a holder that stops heartbeating loses
// the lock when the lease runs out.
type RedisStore struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

// NewRedisStore creates a new Redis-backed lock store
func NewRedisStore(redisURL string, lease time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, lease), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, lease time.Duration) *RedisStore {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RedisStore{
		client: client,
		prefix: "lock:task:",
		lease:  lease,
	}
}

// Namespace returns a store over the same connection whose keys start with
// prefix and whose leases last lease. Closing either store closes both.
func (s *RedisStore) Namespace(prefix string, lease time.Duration) *RedisStore {
	ns := *s
	ns.prefix = prefix
	if lease > 0 {
		ns.lease = lease
	}
	return &ns
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + taskID
}

func (s *RedisStore) Acquire(ctx context.Context, taskID, userID string) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(taskID), userID, s.lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return userID, true, nil
	}

	holder, err := s.Holder(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if holder == userID {
		if _, err := s.Refresh(ctx, taskID, userID); err != nil {
			return "", false, err
		}
		return holder, true, nil
	}
	return holder, false, nil
}

func (s *RedisStore) Release(ctx context.Context, taskID, userID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(taskID)}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Refresh(ctx context.Context, taskID, userID string) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{s.key(taskID)}, userID, s.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Holder(ctx context.Context, taskID string) (string, error) {
	holder, err := s.client.Get(ctx, s.key(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return holder, nil
}

func (s *RedisStore) Clear(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
