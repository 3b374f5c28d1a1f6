package domain

import (
	"context"

	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context) (Settings, error)
	Update(ctx context.Context, settings Settings, updatedBy string) (Settings, error)
	// Seed stores the configured defaults for keys that are not set yet.
	Seed(ctx context.Context) error
}

type Repository interface {
	All(ctx context.Context, db *gorm.DB) ([]FiscalSetting, error)
	Upsert(ctx context.Context, db *gorm.DB, rows []FiscalSetting) error
	InsertMissing(ctx context.Context, db *gorm.DB, rows []FiscalSetting) error
}
