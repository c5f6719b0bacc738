package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "retailpos:analytics:"

type RedisSnapshotCache struct {
	client *redis.Client
	prefix string
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSnapshotCache(client *redis.Client, prefix string) *RedisSnapshotCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisSnapshotCache{client: client, prefix: prefix}
}

func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotCache) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, err
	}
	if entry.Expired(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, key Key, entry Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return c.Expire(ctx, key)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key.String(), payload, ttl).Err()
}

func (c *RedisSnapshotCache) Expire(ctx context.Context, key Key) error {
	return c.client.Del(ctx, c.prefix+key.String()).Err()
}

// Clear deletes every key under the cache prefix.
func (c *RedisSnapshotCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}
