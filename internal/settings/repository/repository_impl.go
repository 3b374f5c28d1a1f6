package repository

import (
	"context"

	"github.com/smallbiznis/caisse/internal/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) All(ctx context.Context, db *gorm.DB) ([]domain.FiscalSetting, error) {
	var rows []domain.FiscalSetting
	err := db.WithContext(ctx).Order("setting_key asc").Find(&rows).Error
	return rows, err
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, rows []domain.FiscalSetting) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"setting_value", "updated_by", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *repo) InsertMissing(ctx context.Context, db *gorm.DB, rows []domain.FiscalSetting) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "setting_key"}}, DoNothing: true}).
		Create(&rows).Error
}
