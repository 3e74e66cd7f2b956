// Package cache provides a small key/value cache used to memoize MAC
// sidecar resolutions. Redis backs it in production; a no-op
// implementation keeps the core independent of Redis being deployed.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache is a narrow get/set/delete interface. Implementations are
// best-effort: a miss and an unreachable backend look the same to callers.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Del(ctx context.Context, key string)
}

// Noop is a Cache that stores nothing.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool)         { return "", false }
func (Noop) Set(context.Context, string, string, time.Duration) {}
func (Noop) Del(context.Context, string)                        {}

// Redis is a Cache over a Redis server.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedis creates a Redis cache from a redis:// URL.
func NewRedis(url string, log *logrus.Entry) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{
		client: redis.NewClient(opts),
		log:    log.WithField("component", "cache"),
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.log.WithError(err).WithField("key", key).Debug("cache get")
		return "", false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Debug("cache set")
	}
}

func (r *Redis) Del(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Debug("cache del")
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
