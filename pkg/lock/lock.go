package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmptyKey   = errors.New("lock key cannot be empty")
	ErrEmptyToken = errors.New("lock token cannot be empty")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker is a lease-based mutual exclusion primitive keyed by an arbitrary
// string. It is not reentrant and does not queue waiters: a caller that
// fails to acquire simply moves on.
type Locker interface {
	// TryLock atomically acquires key for ttl if nobody holds it.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock releases key only if it is still held with token. It reports
	// whether the lock was actually released.
	Unlock(ctx context.Context, key, token string) (bool, error)
}

func validate(key, token string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if token == "" {
		return ErrEmptyToken
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
