package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes the Redis keys holding the documents, e.g.
// lottery:state.
const DefaultKeyPrefix = "lottery"

// RedisStore keeps each document under its own Redis key.
type RedisStore struct {
	docStore
	client redis.Cmdable
	prefix string
}

// NewRedisStore stores documents under prefix:<name>. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	r := &RedisStore{client: client, prefix: prefix}
	r.docStore = docStore{d: r}
	return r
}

// OpenRedis creates a client and pings it to validate the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty redis addr")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (r *RedisStore) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisStore) get(ctx context.Context, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key(name), err)
	}
	return data, nil
}

func (r *RedisStore) put(ctx context.Context, name string, data []byte) error {
	if err := r.client.Set(ctx, r.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key(name), err)
	}
	return nil
}
