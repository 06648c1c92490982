// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
)

// commands is the slice of the go-redis client the cache actually uses.
// Tests fake this instead of running a Redis server.
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis backs the lifecycle Cache contract with a Redis server. The monitor
// publishes status snapshots through it; the lifecycle manager only tracks
// its presence.
type Redis struct {
	client commands
	logger *logging.Logger
}

var _ lifecycle.Cache = (*Redis)(nil)

// NewRedis connects to the configured Redis server and verifies the
// connection with a ping.
func NewRedis(cfg config.CacheConfig, logger *logging.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, errs.CacheWrapWithCode(err, errs.OpConnect, errs.CacheErrConnection,
			fmt.Sprintf("connecting to redis at %s", cfg.Address))
	}

	logger.Info("connected to redis", "address", cfg.Address, "db", cfg.DB)
	return &Redis{
		client: client,
		logger: logger.WithField("component", "cache"),
	}, nil
}

// newWithClient wires an arbitrary command implementation, for tests.
func newWithClient(client commands, logger *logging.Logger) *Redis {
	return &Redis{client: client, logger: logger.WithField("component", "cache")}
}

// Get returns the value stored under key. A missing key reports the
// CACHE_MISS code so callers can tell absence from failure.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errs.CacheErrorf(errs.CacheErrMiss, "key %s not found", key)
	}
	if err != nil {
		return "", errs.CacheWrapWithCode(err, errs.OpGet, errs.CacheErrRead,
			fmt.Sprintf("reading key %s", key))
	}
	return val, nil
}

// Set stores value under key for at most ttl. A non-positive ttl stores the
// value without expiry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.CacheWrapWithCode(err, errs.OpSet, errs.CacheErrWrite,
			fmt.Sprintf("writing key %s", key))
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errs.CacheWrapWithCode(err, errs.OpDelete, errs.CacheErrDelete,
			fmt.Sprintf("deleting key %s", key))
	}
	return nil
}

// Ping verifies the server is reachable. Health checkers call this.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errs.CacheWrapWithCode(err, errs.OpPing, errs.CacheErrConnection,
			"pinging redis")
	}
	return nil
}
