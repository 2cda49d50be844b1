package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "sketch-counter:"

// ErrDisabled is returned by Get when Redis is not available.
var ErrDisabled = errors.New("cache disabled")

// Cache is a Redis-backed cache of dataset ids. A Cache without a client
// is disabled: reads miss and writes are dropped.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(addr string, ttl time.Duration) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("Redis not available, caching disabled: %v", err)
		client.Close()
		return &Cache{ttl: ttl}
	}

	log.Info("Connected to Redis cache")
	return &Cache{client: client, ttl: ttl}
}

// Disabled returns a cache that never hits.
func Disabled() *Cache {
	return &Cache{}
}

func (c *Cache) Enabled() bool {
	return c.client != nil
}

func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if c.client == nil {
		return ErrDisabled
	}

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dest)
}

func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, keyPrefix+key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func datasetKey(name string) string {
	return fmt.Sprintf("dataset:%s", name)
}

// DatasetID returns the cached id of a dataset name.
func (c *Cache) DatasetID(ctx context.Context, name string) (int64, bool) {
	var id int64
	if err := c.Get(ctx, datasetKey(name), &id); err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, ErrDisabled) {
			log.WithError(err).Debug("Dataset cache read failed")
		}
		return 0, false
	}
	return id, true
}

func (c *Cache) SetDatasetID(ctx context.Context, name string, id int64) {
	if err := c.Set(ctx, datasetKey(name), id); err != nil {
		log.WithError(err).Debug("Dataset cache write failed")
	}
}

func (c *Cache) InvalidateDataset(ctx context.Context, name string) {
	if err := c.Delete(ctx, datasetKey(name)); err != nil {
		log.WithError(err).Warn("Dataset cache invalidation failed")
	}
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
