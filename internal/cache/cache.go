// Package cache provides a Redis-backed cache for rendered version diffs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no cached entry exists for a key.
var ErrMiss = errors.New("cache miss")

// DiffCache stores rendered diffs keyed by the version pair. Entries
// are immutable since versions never change after creation, so the TTL
// only bounds memory, not staleness.
type DiffCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDiffCache creates a Redis-backed diff cache.
func NewDiffCache(redisURL string) (*DiffCache, error) {
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

	return &DiffCache{
		client: client,
		prefix: "diff:",
		ttl:    24 * time.Hour,
	}, nil
}

func (c *DiffCache) key(fromVersionID, toVersionID string) string {
	return c.prefix + fromVersionID + ":" + toVersionID
}

// Put caches a rendered diff for a version pair.
func (c *DiffCache) Put(ctx context.Context, fromVersionID, toVersionID string, value any) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	if err := c.client.Set(ctx, c.key(fromVersionID, toVersionID), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache diff: %w", err)
	}
	return nil
}

// Get loads a cached diff into dest. Returns ErrMiss when absent.
func (c *DiffCache) Get(ctx context.Context, fromVersionID, toVersionID string, dest any) error {
	jsonData, err := c.client.Get(ctx, c.key(fromVersionID, toVersionID)).Result()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("lookup diff: %w", err)
	}
	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("unmarshal diff: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *DiffCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *DiffCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
