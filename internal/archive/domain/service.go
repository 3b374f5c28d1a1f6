package domain

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"gorm.io/gorm"
)

type ExportRequest struct {
	Type        ExportType
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Format      Format
	CreatedBy   string
}

type ListExportsRequest struct {
	pagination.Pagination
	Type   ExportType
	Status Status
}

type ListExportsResponse struct {
	pagination.PageInfo
	Exports []ArchiveExport `json:"exports"`
}

type VerificationErrorKind string

const (
	VerificationHashMismatch      VerificationErrorKind = "hash_mismatch"
	VerificationSignatureMismatch VerificationErrorKind = "signature_mismatch"
	VerificationSizeMismatch      VerificationErrorKind = "size_mismatch"
	VerificationFileMissing       VerificationErrorKind = "file_missing"
	VerificationNotCompleted      VerificationErrorKind = "not_completed"
)

type VerificationError struct {
	Kind     VerificationErrorKind `json:"kind"`
	Message  string                `json:"message"`
	Expected string                `json:"expected,omitempty"`
	Actual   string                `json:"actual,omitempty"`
}

type VerificationResult struct {
	ExportID   string              `json:"export_id"`
	IsValid    bool                `json:"is_valid"`
	Errors     []VerificationError `json:"errors"`
	VerifiedAt time.Time           `json:"verified_at"`
}

// HasKind reports whether the result carries an error of the given kind.
func (r VerificationResult) HasKind(kind VerificationErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Err returns ErrSignature wrapped with the failing kinds, or nil when valid.
func (r VerificationResult) Err() error {
	if r.IsValid {
		return nil
	}
	kinds := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		kinds = append(kinds, string(e.Kind))
	}
	return fmt.Errorf("%w: %s", ErrSignature, strings.Join(kinds, ","))
}

type Download struct {
	Reader      io.ReadCloser
	FileName    string
	ContentType string
	Size        int64
}

type Service interface {
	ExportData(ctx context.Context, req ExportRequest) (ArchiveExport, error)
	VerifyExport(ctx context.Context, id snowflake.ID) (VerificationResult, error)
	DownloadExport(ctx context.Context, id snowflake.ID) (Download, error)
	ListExports(ctx context.Context, req ListExportsRequest) (ListExportsResponse, error)
	GetExport(ctx context.Context, id snowflake.ID) (ArchiveExport, error)
}

type ExportCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	RegisterID string
	Type       ExportType
	Status     Status
	Cursor     *ExportCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, export *ArchiveExport) error
	Update(ctx context.Context, db *gorm.DB, export *ArchiveExport) error
	GetByID(ctx context.Context, db *gorm.DB, registerID string, id snowflake.ID) (*ArchiveExport, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*ArchiveExport, error)
}
