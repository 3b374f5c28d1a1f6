package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/archive/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, export *domain.ArchiveExport) error {
	return db.WithContext(ctx).Create(export).Error
}

// Update writes the mutable lifecycle columns only; identity and content
// references never change after completion.
func (r *repo) Update(ctx context.Context, db *gorm.DB, export *domain.ArchiveExport) error {
	return db.WithContext(ctx).
		Model(&domain.ArchiveExport{}).
		Where("id = ?", export.ID).
		Updates(map[string]any{
			"file_path":         export.FilePath,
			"file_name":         export.FileName,
			"file_hash":         export.FileHash,
			"file_size":         export.FileSize,
			"digital_signature": export.DigitalSignature,
			"export_status":     export.ExportStatus,
			"error_message":     export.ErrorMessage,
			"ledger_sequence":   export.LedgerSequence,
			"completed_at":      export.CompletedAt,
			"verified_at":       export.VerifiedAt,
		}).Error
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, registerID string, id snowflake.ID) (*domain.ArchiveExport, error) {
	var export domain.ArchiveExport
	err := db.WithContext(ctx).
		Where("register_id = ? AND id = ?", registerID, id).
		Take(&export).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &export, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.ArchiveExport, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.ArchiveExport{}).
		Where("register_id = ?", filter.RegisterID)
	if filter.Type != "" {
		stmt = stmt.Where("export_type = ?", filter.Type)
	}
	if filter.Status != "" {
		stmt = stmt.Where("export_status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var exports []*domain.ArchiveExport
	if err := stmt.Find(&exports).Error; err != nil {
		return nil, err
	}
	return exports, nil
}
