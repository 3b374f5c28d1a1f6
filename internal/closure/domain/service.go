package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateClosureRequest struct {
	Type      ClosureType
	Date      string
	Force     bool
	CreatedBy string
}

type ListClosuresRequest struct {
	Type *ClosureType
}

type Service interface {
	CreateClosure(ctx context.Context, req CreateClosureRequest) (ClosureBulletin, error)
	ListClosures(ctx context.Context, req ListClosuresRequest) ([]ClosureBulletin, error)
	ListClosuresTx(ctx context.Context, tx *gorm.DB, req ListClosuresRequest) ([]ClosureBulletin, error)
	GetClosure(ctx context.Context, id snowflake.ID) (ClosureBulletin, error)
	// ResolvePeriod pins a business date to its period under the current
	// closure time and time zone.
	ResolvePeriod(ctx context.Context, closureType ClosureType, date string) (Period, error)
	// FindClosed returns the most recently closed bulletin for exactly the
	// period key, or nil. Neighbouring periods never match.
	FindClosed(ctx context.Context, closureType ClosureType, periodKey string) (*ClosureBulletin, error)
	FindClosedTx(ctx context.Context, tx *gorm.DB, closureType ClosureType, periodKey string) (*ClosureBulletin, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, bulletin *ClosureBulletin) error
	FindClosedOverlapping(ctx context.Context, db *gorm.DB, registerID string, closureType ClosureType, start, end time.Time) (*ClosureBulletin, error)
	FindClosedByKey(ctx context.Context, db *gorm.DB, registerID string, closureType ClosureType, periodKey string) (*ClosureBulletin, error)
	GetByID(ctx context.Context, db *gorm.DB, registerID string, id snowflake.ID) (*ClosureBulletin, error)
	List(ctx context.Context, db *gorm.DB, registerID string, closureType *ClosureType) ([]ClosureBulletin, error)
}
