package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"gorm.io/gorm"
)

type AppendRequest struct {
	Type          TransactionType
	OrderID       string
	Amount        decimal.Decimal
	VATAmount     decimal.Decimal
	PaymentMethod string
	Payload       Payload
	UserID        string
}

type ListEntriesRequest struct {
	pagination.Pagination
	From         *time.Time
	To           *time.Time
	FromSequence int64
	ToSequence   int64
	Type         TransactionType
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []JournalEntry `json:"entries"`
}

type IntegrityErrorKind string

const (
	IntegrityErrorSequenceGap  IntegrityErrorKind = "sequence_gap"
	IntegrityErrorChainBreak   IntegrityErrorKind = "chain_break"
	IntegrityErrorHashMismatch IntegrityErrorKind = "hash_mismatch"
)

type IntegrityError struct {
	Sequence int64              `json:"sequence"`
	Kind     IntegrityErrorKind `json:"kind"`
	Message  string             `json:"message"`
	Expected string             `json:"expected,omitempty"`
	Actual   string             `json:"actual,omitempty"`
}

type VerificationResult struct {
	IsValid        bool             `json:"is_valid"`
	EntriesChecked int64            `json:"entries_checked"`
	Errors         []IntegrityError `json:"errors"`
	VerifiedAt     time.Time        `json:"verified_at"`
}

// SequenceRange is the first and last sequence of entries in a time window.
type SequenceRange struct {
	First int64
	Last  int64
	Count int64
}

type Service interface {
	Append(ctx context.Context, req AppendRequest) (JournalEntry, error)
	// AppendTx appends using the caller's transaction so the entry commits or
	// rolls back with the caller's other writes.
	AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (JournalEntry, error)
	GetBySequence(ctx context.Context, sequence int64) (JournalEntry, error)
	Last(ctx context.Context) (*JournalEntry, error)
	List(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	// RangeTx lists every entry of the register whose timestamp falls in
	// [from, to), read through tx.
	RangeTx(ctx context.Context, tx *gorm.DB, from, to time.Time) ([]JournalEntry, error)
	SequenceRangeTx(ctx context.Context, tx *gorm.DB, from, to time.Time) (SequenceRange, error)
	// EntriesTx returns the whole chain in sequence order, read through tx.
	EntriesTx(ctx context.Context, tx *gorm.DB) ([]JournalEntry, error)
	Verify(ctx context.Context) (VerificationResult, error)
	RegisterID() string
}

type ListFilter struct {
	RegisterID   string
	From         *time.Time
	To           *time.Time
	FromSequence int64
	ToSequence   int64
	Type         TransactionType
	AfterSeq     int64
	Limit        int
}

type Repository interface {
	EnsureHead(ctx context.Context, db *gorm.DB, registerID, genesis string) error
	LockHead(ctx context.Context, db *gorm.DB, registerID string) (LedgerHead, error)
	UpdateHead(ctx context.Context, db *gorm.DB, head LedgerHead) error
	LastEntry(ctx context.Context, db *gorm.DB, registerID string) (*JournalEntry, error)
	Insert(ctx context.Context, db *gorm.DB, entry *JournalEntry) error
	GetBySequence(ctx context.Context, db *gorm.DB, registerID string, sequence int64) (*JournalEntry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*JournalEntry, error)
	Batch(ctx context.Context, db *gorm.DB, registerID string, afterSeq int64, limit int) ([]JournalEntry, error)
	SequenceRange(ctx context.Context, db *gorm.DB, registerID string, from, to time.Time) (SequenceRange, error)
}
