package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
)

// MemoryLocker only coordinates goroutines of one process.
type MemoryLocker struct {
	mu    sync.Mutex
	clock clock.Clock
	held  map[string]Lease
}

func NewMemoryLocker(clk clock.Clock) *MemoryLocker {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryLocker{clock: clk, held: make(map[string]Lease)}
}

func (l *MemoryLocker) Backend() string { return config.LockBackendMemory }

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if current, ok := l.held[key]; ok && now.Before(current.ExpiresAt) {
		return Lease{}, false, nil
	}
	lease := Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	l.held[key] = lease
	return lease, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.held[lease.Key]; ok && current.Token == lease.Token {
		delete(l.held, lease.Key)
	}
	return nil
}
