package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors presence records so every API node reports the same
// status for a user. Keys expire after the offline threshold, so a node that
// dies without sending a disconnect still lets its users decay to offline.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	idleAfter    time.Duration
	offlineAfter time.Duration
}

func NewRedisStore(client *redis.Client, idleAfter, offlineAfter time.Duration) *RedisStore {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &RedisStore{
		client:       client,
		prefix:       "presence:",
		idleAfter:    idleAfter,
		offlineAfter: offlineAfter,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) Save(ctx context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.key(record.UserID), data, s.offlineAfter).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Load returns the stored record with its status re-derived for now. Unknown
// or expired users are offline.
func (s *RedisStore) Load(ctx context.Context, userID string, now time.Time) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load presence: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	if record.Status != StatusOffline {
		record.Status = Derive(record.LastSeen, now, s.idleAfter, s.offlineAfter)
	}
	if record.Status == StatusOffline {
		record.TaskID = ""
		record.Field = ""
	}
	return record, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}
