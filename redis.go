package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisLockoutTTL bounds how long a record can linger: well past the lock
// window so lazy expiry still gets to observe and reset it, but not forever.
const redisLockoutTTL = 24 * time.Hour

// RedisLockoutStore keeps lockout records in redis, for deployments where the
// guard state should survive restarts independently of the sqlite file.
type RedisLockoutStore struct {
	client *redis.Client
}

// NewRedisLockoutStore connects and verifies the server is reachable.
func NewRedisLockoutStore(addr string) (*RedisLockoutStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		DB:         0,
		PoolSize:   20,
		MaxRetries: 3,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisLockoutStore{client: client}, nil
}

func lockoutKey(identifier string) string {
	return "seatwatch:lockout:" + identifier
}

// GetLockout returns (nil, nil) when the identifier has no record.
func (s *RedisLockoutStore) GetLockout(ctx context.Context, identifier string) (*LockoutRecord, error) {
	data, err := s.client.Get(ctx, lockoutKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lockout record: %w", err)
	}

	var record LockoutRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode lockout record: %w", err)
	}
	return &record, nil
}

// PutLockout upserts the record by identifier.
func (s *RedisLockoutStore) PutLockout(ctx context.Context, record *LockoutRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode lockout record: %w", err)
	}

	if err := s.client.Set(ctx, lockoutKey(record.Identifier), data, redisLockoutTTL).Err(); err != nil {
		return fmt.Errorf("failed to store lockout record: %w", err)
	}
	return nil
}

// DeleteLockout removes the record; deleting a missing record is not an error.
func (s *RedisLockoutStore) DeleteLockout(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, lockoutKey(identifier)).Err(); err != nil {
		return fmt.Errorf("failed to delete lockout record: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisLockoutStore) Close() error {
	return s.client.Close()
}
