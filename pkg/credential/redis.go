package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists the credential as two redis keys under a prefix.
// Keys expire alongside the credential when it has an advisory expiry.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisBackend) String() string {
	return "redis:" + r.prefix
}

func (r *RedisBackend) tokenKey() string {
	return r.prefix + ":" + TokenKey
}

func (r *RedisBackend) expiresKey() string {
	return r.prefix + ":" + ExpiresKey
}

func (r *RedisBackend) Load(ctx context.Context) (Credential, bool, error) {
	values, err := r.rdb.MGet(ctx, r.tokenKey(), r.expiresKey()).Result()
	if err != nil {
		return Credential{}, false, fmt.Errorf("error reading credential from redis: %w", err)
	}

	fields := make(map[string]string, 2)
	if s, ok := values[0].(string); ok {
		fields[TokenKey] = s
	}
	if s, ok := values[1].(string); ok {
		fields[ExpiresKey] = s
	}

	c, ok := FromFields(fields)
	return c, ok, nil
}

func (r *RedisBackend) Save(ctx context.Context, c Credential) error {
	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = c.TTL(r.now())
		if ttl <= 0 {
			// already expired; keep it briefly so a restart still sees it
			ttl = time.Second
		}
	}

	fields := Fields(c)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(), fields[TokenKey], ttl)
		if exp, ok := fields[ExpiresKey]; ok {
			pipe.Set(ctx, r.expiresKey(), exp, ttl)
		} else {
			pipe.Del(ctx, r.expiresKey())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing credential to redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context) error {
	err := r.rdb.Del(ctx, r.tokenKey(), r.expiresKey()).Err()
	if err != nil {
		return fmt.Errorf("error deleting credential from redis: %w", err)
	}
	return nil
}
