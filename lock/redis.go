/*
Package lock provides distributed implementations of compliance.GroupLocker.

PURPOSE:
  The in-process compliance.LocalLocker serializes writers inside one
  server. When several servers share a database, the group lock must live
  outside the process:

  Redis:    bsm/redislock with a TTL so a crashed holder cannot wedge a group
  Postgres: session-level pg_try_advisory_lock on a dedicated connection

  Both are try-locks. Contention returns compliance.ErrConcurrencyConflict,
  which callers treat as retryable.

SEE ALSO:
  - compliance/lock.go: GroupLocker and the key format
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-engine/compliance"
)

// DefaultTTL bounds how long a crashed holder keeps a group locked.
const DefaultTTL = 30 * time.Second

// Redis is a GroupLocker backed by a Redis lock per key.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

var _ compliance.GroupLocker = (*Redis)(nil)

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: redislock.New(rdb), ttl: ttl, log: log}
}

// Dial connects to addr and pings it before returning.
func Dial(ctx context.Context, addr, password string, ttl time.Duration, log logrus.FieldLogger) (*Redis, redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		PoolSize: 20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl, log), rdb, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := r.client.Obtain(ctx, "lock:"+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s is locked by another writer", compliance.ErrConcurrencyConflict, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}
	return func() {
		// The request context may already be done; release on a fresh one.
		if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithFields(logrus.Fields{"module": "lock", "key": key}).WithError(err).Warn("release redis lock")
		}
	}, nil
}
