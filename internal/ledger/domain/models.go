package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionTypeSale       TransactionType = "SALE"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeCorrection TransactionType = "CORRECTION"
	TransactionTypeClosure    TransactionType = "CLOSURE"
	TransactionTypeArchive    TransactionType = "ARCHIVE"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeSale, TransactionTypeRefund, TransactionTypeCorrection,
		TransactionTypeClosure, TransactionTypeArchive:
		return true
	default:
		return false
	}
}

// JournalEntry is one link of a register's hash chain. Rows are written once
// and never updated or deleted.
type JournalEntry struct {
	ID              int64           `json:"-" gorm:"primaryKey;autoIncrement"`
	RegisterID      string          `json:"register_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_journal_entries_register_sequence,priority:1;index:ix_journal_entries_register_timestamp,priority:1"`
	SequenceNumber  int64           `json:"sequence_number" gorm:"not null;uniqueIndex:ux_journal_entries_register_sequence,priority:2"`
	TransactionType TransactionType `json:"transaction_type" gorm:"type:varchar(16);not null;index"`
	OrderID         *string         `json:"order_id,omitempty" gorm:"type:varchar(64);index"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`
	VATAmount       decimal.Decimal `json:"vat_amount" gorm:"type:numeric(14,2);not null"`
	PaymentMethod   string          `json:"payment_method" gorm:"type:varchar(32);not null"`
	TransactionData datatypes.JSON  `json:"transaction_data"`
	PreviousHash    string          `json:"previous_hash" gorm:"type:varchar(128);not null"`
	CurrentHash     string          `json:"current_hash" gorm:"type:varchar(64);not null"`
	Timestamp       time.Time       `json:"timestamp" gorm:"precision:3;not null;index:ix_journal_entries_register_timestamp,priority:2"`
	UserID          *string         `json:"user_id,omitempty" gorm:"type:varchar(128)"`
}

func (JournalEntry) TableName() string { return "journal_entries" }

func (JournalEntry) BeforeUpdate(*gorm.DB) error { return ErrImmutableEntry }

func (JournalEntry) BeforeDelete(*gorm.DB) error { return ErrImmutableEntry }

// LedgerHead is the per-register row appenders lock before extending the chain.
type LedgerHead struct {
	RegisterID   string    `gorm:"primaryKey;type:varchar(64)"`
	LastSequence int64     `gorm:"not null;default:0"`
	LastHash     string    `gorm:"type:varchar(128);not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (LedgerHead) TableName() string { return "ledger_heads" }
