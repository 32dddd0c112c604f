package lock

import (
	"context"
	"sync"
	"time"
)

var _ Locker = (*MemoryLocker)(nil)

type lease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker. It gives the same guarantees as
// RedisLocker within one process and is used for single-instance deployments
// and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.token != token || !l.now().Before(cur.expiresAt) {
		return false, nil
	}
	delete(l.leases, key)
	return true, nil
}

// Holder returns the token currently holding key, if the lease is live.
func (l *MemoryLocker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || !l.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.token, true
}
