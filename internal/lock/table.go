package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

// SchedulerLock is one row per held lock.
type SchedulerLock struct {
	LockKey   string    `gorm:"primaryKey;column:lock_key;size:191"`
	Owner     string    `gorm:"column:owner;size:64;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (SchedulerLock) TableName() string { return "scheduler_locks" }

// TableLocker stores locks in the relational store so it works on every
// supported dialect without extra infrastructure.
type TableLocker struct {
	db      *gorm.DB
	clock   clock.Clock
	timeout time.Duration
}

func NewTableLocker(conn *gorm.DB, clk clock.Clock, timeout time.Duration) *TableLocker {
	if clk == nil {
		clk = clock.New()
	}
	return &TableLocker{db: conn, clock: clk, timeout: timeout}
}

func (l *TableLocker) Backend() string { return config.LockBackendTable }

func (l *TableLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}

	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock.Now().UTC()
	row := SchedulerLock{
		LockKey:   key,
		Owner:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	lease := Lease{Key: row.LockKey, Token: row.Owner, ExpiresAt: row.ExpiresAt}

	err := l.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return lease, true, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return Lease{}, false, fmt.Errorf("insert lock: %w", err)
	}

	// Reclaim a lease whose holder died without releasing it.
	res := l.db.WithContext(ctx).
		Model(&SchedulerLock{}).
		Where("lock_key = ? AND expires_at < ?", key, now).
		Updates(map[string]any{
			"owner":      row.Owner,
			"expires_at": row.ExpiresAt,
			"created_at": now,
		})
	if res.Error != nil {
		return Lease{}, false, fmt.Errorf("reclaim lock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return lease, true, nil
	}
	return Lease{}, false, nil
}

func (l *TableLocker) Release(ctx context.Context, lease Lease) error {
	if lease.Key == "" || lease.Token == "" {
		return nil
	}
	err := l.db.WithContext(ctx).
		Where("lock_key = ? AND owner = ?", lease.Key, lease.Token).
		Delete(&SchedulerLock{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
