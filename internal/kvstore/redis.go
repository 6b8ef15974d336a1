package kvstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

const defaultRedisPrefix = "packgate:cache:"

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis stores values as plain strings under a key prefix. Entries do not
// carry a redis TTL; the cache layer decides staleness.
type Redis struct {
	rdb   redis.UniversalClient
	keyNS string
}

func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, xerrors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	r := NewRedis(rdb, opts.KeyPrefix)
	if err := r.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return r, nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &Redis{rdb: rdb, keyNS: keyPrefix}
}

func (r *Redis) key(k string) string { return r.keyNS + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "redis get %s", key)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return xerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return xerrors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
