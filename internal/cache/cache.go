package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache stores short-lived JSON snapshots. Backed by redis when a URL
// is configured and reachable, otherwise by an in-process map so the
// service keeps working without the external dependency.
type Cache struct {
	client *redis.Client

	mu    sync.Mutex
	local map[string]entry
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// New connects to redis when redisURL is set. Connection problems
// degrade to the in-memory fallback instead of failing startup.
func New(redisURL string) *Cache {
	c := &Cache{local: make(map[string]entry)}

	if redisURL == "" {
		return c
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid redis url, using in-memory cache")
		return c
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, using in-memory cache")
		client.Close()
		return c
	}

	c.client = client
	log.Info().Msg("redis cache connected")
	return c
}

// Set stores a JSON-encoded value. A ttl of zero means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err == nil {
			return nil
		} else {
			log.Warn().Err(err).Str("key", key).Msg("redis set failed, using in-memory cache")
		}
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.local[key] = entry{data: data, expiresAt: expiresAt}
	c.mu.Unlock()

	return nil
}

// Get loads a cached value into dest. The second return is false when
// the key is missing or expired.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.client != nil {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return true, json.Unmarshal(data, dest)
		}
		if err == redis.Nil {
			return false, nil
		}
		log.Warn().Err(err).Str("key", key).Msg("redis get failed, using in-memory cache")
	}

	c.mu.Lock()
	e, ok := c.local[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.local, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}

	return true, json.Unmarshal(e.data, dest)
}

// Close releases the redis connection if one is held
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
