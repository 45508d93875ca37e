package lock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-engine/compliance"
)

// Postgres is a GroupLocker using session advisory locks. Each held lock
// pins one pool connection until released.
type Postgres struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

var _ compliance.GroupLocker = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, log logrus.FieldLogger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, log logrus.FieldLogger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(pool, log), nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}
	id := advisoryKey(key)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s is locked by another writer", compliance.ErrConcurrencyConflict, key)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
			p.log.WithFields(logrus.Fields{"module": "lock", "key": key}).WithError(err).Warn("advisory unlock")
			// A connection still holding the lock must not go back to the pool.
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
