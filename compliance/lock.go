package compliance

import (
	"context"
	"fmt"
	"sync"
)

// GroupLocker serializes writers of one report group. Acquire never waits:
// contention fails fast with ErrConcurrencyConflict so the caller can retry.
type GroupLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process try-lock keyed by string.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s is locked by another writer", ErrConcurrencyConflict, key)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func groupLockKey(group fmt.Stringer) string { return "compliance-report-group:" + group.String() }

func creationLockKey(org OrganizationID, period CompliancePeriod) string {
	return "compliance-report-create:" + string(org) + ":" + string(period)
}
