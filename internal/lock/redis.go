package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// Redis holds keys with redislock so several server processes share one
// serialization point per piece.
type Redis struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	backoff time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "brickledger:lock:"
	}
	return &Redis{
		client:  redislock.New(client),
		prefix:  prefix,
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
	}
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (Handle, error) {
	keys = normalize(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	for _, key := range keys {
		lk, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(r.backoff),
		})
		if err != nil {
			releaseAll(context.WithoutCancel(ctx), held)
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
			}
			return nil, err
		}
		held = append(held, lk)
	}
	return &redisHandle{locks: held}, nil
}

type redisHandle struct {
	locks []*redislock.Lock
}

func (h *redisHandle) Release(ctx context.Context) error {
	return releaseAll(ctx, h.locks)
}

func releaseAll(ctx context.Context, locks []*redislock.Lock) error {
	var errs []error
	for i := len(locks) - 1; i >= 0; i-- {
		if err := locks[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
