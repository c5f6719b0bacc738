// Package lock provides the cross-instance guard used around full analytics
// refreshes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out a release func when the named lock is free.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

type Redis struct {
	client *redislock.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: redislock.New(client), prefix: "retailpos:lock:"}
}

// TryLock does not wait: a held lock yields ErrNotObtained immediately.
func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	l, err := r.client.Obtain(ctx, r.prefix+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}, nil
}

// Local satisfies Locker for single-instance deployments. It never contends;
// in-process re-entrancy is handled by the caller.
type Local struct{}

func (Local) TryLock(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}
