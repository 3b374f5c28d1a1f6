package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/closure/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, bulletin *domain.ClosureBulletin) error {
	return db.WithContext(ctx).Create(bulletin).Error
}

func (r *repo) FindClosedOverlapping(ctx context.Context, db *gorm.DB, registerID string, closureType domain.ClosureType, start, end time.Time) (*domain.ClosureBulletin, error) {
	var bulletin domain.ClosureBulletin
	err := db.WithContext(ctx).
		Where("register_id = ? AND closure_type = ? AND is_closed = ?", registerID, closureType, true).
		Where("period_start < ? AND period_end > ?", end.UTC(), start.UTC()).
		Order("closed_at desc, id desc").
		Take(&bulletin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bulletin, nil
}

func (r *repo) FindClosedByKey(ctx context.Context, db *gorm.DB, registerID string, closureType domain.ClosureType, periodKey string) (*domain.ClosureBulletin, error) {
	var bulletin domain.ClosureBulletin
	err := db.WithContext(ctx).
		Where("register_id = ? AND closure_type = ? AND period_key = ? AND is_closed = ?", registerID, closureType, periodKey, true).
		Order("closed_at desc, id desc").
		Take(&bulletin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bulletin, nil
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, registerID string, id snowflake.ID) (*domain.ClosureBulletin, error) {
	var bulletin domain.ClosureBulletin
	err := db.WithContext(ctx).
		Where("register_id = ? AND id = ?", registerID, id).
		Take(&bulletin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bulletin, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, registerID string, closureType *domain.ClosureType) ([]domain.ClosureBulletin, error) {
	query := db.WithContext(ctx).Where("register_id = ?", registerID)
	if closureType != nil {
		query = query.Where("closure_type = ?", *closureType)
	}
	var bulletins []domain.ClosureBulletin
	err := query.Order("period_start desc, id desc").Find(&bulletins).Error
	return bulletins, err
}
