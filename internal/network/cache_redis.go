package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache keeps per-subject visible sets in Redis as JSON blobs with a
// TTL. Cache errors degrade to misses; the store stays authoritative.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
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

	return &RedisCache{client: client, prefix: "vis:", ttl: ttl, logger: logger}, nil
}

// NewRedisCacheWithClient wraps an existing client; used by tests.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: "vis:", ttl: ttl, logger: logger}
}

func (c *RedisCache) key(subject string) string {
	return c.prefix + subject
}

func (c *RedisCache) Get(ctx context.Context, subject string) ([]string, bool) {
	jsonData, err := c.client.Get(ctx, c.key(subject)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("visibility cache read failed", zap.String("subject", subject), zap.Error(err))
		return nil, false
	}
	var objects []string
	if err := json.Unmarshal([]byte(jsonData), &objects); err != nil {
		return nil, false
	}
	return objects, true
}

func (c *RedisCache) Put(ctx context.Context, subject string, objects []string) {
	if objects == nil {
		objects = []string{}
	}
	jsonData, err := json.Marshal(objects)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(subject), jsonData, c.ttl).Err(); err != nil {
		c.logger.Warn("visibility cache write failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (c *RedisCache) AddMember(ctx context.Context, subject, object string) {
	objects, ok := c.Get(ctx, subject)
	if !ok {
		return
	}
	for _, existing := range objects {
		if existing == object {
			return
		}
	}
	c.Put(ctx, subject, append(objects, object))
}

func (c *RedisCache) RemoveMember(ctx context.Context, subject, object string) {
	objects, ok := c.Get(ctx, subject)
	if !ok {
		return
	}
	kept := objects[:0]
	for _, existing := range objects {
		if existing != object {
			kept = append(kept, existing)
		}
	}
	c.Put(ctx, subject, kept)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
