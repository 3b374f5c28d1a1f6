package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ExportType string

const (
	ExportTypeDaily   ExportType = "DAILY"
	ExportTypeMonthly ExportType = "MONTHLY"
	ExportTypeFull    ExportType = "FULL"
)

func (t ExportType) Valid() bool {
	switch t {
	case ExportTypeDaily, ExportTypeMonthly, ExportTypeFull:
		return true
	default:
		return false
	}
}

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
)

func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatPDF:
		return true
	default:
		return false
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

// Supports reports whether the format can render the export type. PDF is a
// report of one bulletin and has no full-ledger layout.
func (f Format) Supports(t ExportType) bool {
	if !f.Valid() || !t.Valid() {
		return false
	}
	return !(f == FormatPDF && t == ExportTypeFull)
}

type Status string

// FLAGGED marks a produced export whose artifact failed a later verification.
// A passing re-check moves it back to VERIFIED.
const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusVerified  Status = "VERIFIED"
	StatusFlagged   Status = "FLAGGED"
)

// Produced reports whether the export holds a stored artifact.
func (s Status) Produced() bool {
	switch s {
	case StatusCompleted, StatusVerified, StatusFlagged:
		return true
	default:
		return false
	}
}

// ArchiveExport tracks one produced artifact. The artifact bytes live in the
// blob store; hash and signature are kept here, out of band.
type ArchiveExport struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	RegisterID       string       `json:"register_id" gorm:"type:varchar(64);not null;index:ix_archive_exports_register_created,priority:1"`
	ExportType       ExportType   `json:"export_type" gorm:"type:varchar(16);not null"`
	PeriodStart      *time.Time   `json:"period_start,omitempty"`
	PeriodEnd        *time.Time   `json:"period_end,omitempty"`
	Format           Format       `json:"format" gorm:"type:varchar(8);not null"`
	FilePath         string       `json:"file_path,omitempty" gorm:"type:varchar(512)"`
	FileName         string       `json:"file_name,omitempty" gorm:"type:varchar(255)"`
	FileHash         string       `json:"file_hash,omitempty" gorm:"type:varchar(64)"`
	FileSize         int64        `json:"file_size"`
	DigitalSignature string       `json:"digital_signature,omitempty" gorm:"type:varchar(128)"`
	ExportStatus     Status       `json:"export_status" gorm:"type:varchar(16);not null;index"`
	ErrorMessage     *string      `json:"error_message,omitempty" gorm:"type:text"`
	LedgerSequence   *int64       `json:"ledger_sequence,omitempty"`
	CreatedBy        string       `json:"created_by" gorm:"type:varchar(128);not null"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null;index:ix_archive_exports_register_created,priority:2"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	VerifiedAt       *time.Time   `json:"verified_at,omitempty"`
}

func (ArchiveExport) TableName() string { return "archive_exports" }
