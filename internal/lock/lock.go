// Package lock provides named, non-blocking, expiring locks shared by every
// process that talks to the same store.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrLockUnavailable = errors.New("lock_unavailable")
	ErrInvalidKey      = errors.New("invalid_lock_key")
	ErrInvalidTTL      = errors.New("invalid_lock_ttl")
)

// Lease identifies a held lock. Only the holder's token can release it.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker is a try-acquire lock: TryLock never waits for a holder to release.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, lease Lease) error
	Backend() string
}

// Key joins name parts into a lock key, e.g. Key("fiscal-closure", "2025-03-14").
func Key(name string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	all = append(all, strings.TrimSpace(name))
	for _, part := range parts {
		all = append(all, strings.TrimSpace(part))
	}
	return strings.Join(all, ":")
}

var Module = fx.Module("lock",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Clock  clock.Clock
	Log    *zap.Logger
}

// New selects the backend configured by LOCK_BACKEND.
func New(p Params) (Locker, error) {
	log := p.Log.Named("lock")
	switch p.Config.LockBackend {
	case config.LockBackendRedis:
		client, err := NewRedisClient(p.Config.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info("lock.backend", zap.String("backend", config.LockBackendRedis))
		return NewRedisLocker(client, p.Config.LockTimeout), nil
	case config.LockBackendMemory:
		log.Info("lock.backend", zap.String("backend", config.LockBackendMemory))
		return NewMemoryLocker(p.Clock), nil
	default:
		log.Info("lock.backend", zap.String("backend", config.LockBackendTable))
		return NewTableLocker(p.DB, p.Clock, p.Config.LockTimeout), nil
	}
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
