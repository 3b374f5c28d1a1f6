package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ClosureType string

const (
	ClosureTypeDaily   ClosureType = "DAILY"
	ClosureTypeWeekly  ClosureType = "WEEKLY"
	ClosureTypeMonthly ClosureType = "MONTHLY"
	ClosureTypeAnnual  ClosureType = "ANNUAL"
)

func (t ClosureType) Valid() bool {
	switch t {
	case ClosureTypeDaily, ClosureTypeWeekly, ClosureTypeMonthly, ClosureTypeAnnual:
		return true
	default:
		return false
	}
}

// VATBucket sums the sales lines whose rate snapped to Rate.
type VATBucket struct {
	Rate decimal.Decimal `json:"rate"`
	Base decimal.Decimal `json:"base"`
	VAT  decimal.Decimal `json:"vat"`
}

type VATBreakdown map[string]VATBucket

type PaymentBreakdown map[string]decimal.Decimal

// ClosureBulletin is the aggregate of one fiscal period. Bulletins are only
// ever written closed and are never modified afterwards.
type ClosureBulletin struct {
	ID                      snowflake.ID                         `json:"id" gorm:"primaryKey"`
	RegisterID              string                               `json:"register_id" gorm:"type:varchar(64);not null;index:ix_closure_bulletins_lookup,priority:1"`
	ClosureType             ClosureType                          `json:"closure_type" gorm:"type:varchar(16);not null;index:ix_closure_bulletins_lookup,priority:2"`
	PeriodKey               string                               `json:"period_key" gorm:"type:varchar(16);not null"`
	PeriodStart             time.Time                            `json:"period_start" gorm:"not null;index:ix_closure_bulletins_lookup,priority:3"`
	PeriodEnd               time.Time                            `json:"period_end" gorm:"not null"`
	TotalTransactions       int64                                `json:"total_transactions" gorm:"not null"`
	TotalAmount             decimal.Decimal                      `json:"total_amount" gorm:"type:numeric(14,2);not null"`
	TotalVAT                decimal.Decimal                      `json:"total_vat" gorm:"type:numeric(14,2);not null"`
	VATBreakdown            datatypes.JSONType[VATBreakdown]     `json:"vat_breakdown"`
	PaymentMethodsBreakdown datatypes.JSONType[PaymentBreakdown] `json:"payment_methods_breakdown"`
	TipsTotal               decimal.Decimal                      `json:"tips_total" gorm:"type:numeric(14,2);not null"`
	ChangeTotal             decimal.Decimal                      `json:"change_total" gorm:"type:numeric(14,2);not null"`
	FirstSequence           int64                                `json:"first_sequence" gorm:"not null"`
	LastSequence            int64                                `json:"last_sequence" gorm:"not null"`
	ClosureHash             string                               `json:"closure_hash" gorm:"type:varchar(64);not null"`
	IsClosed                bool                                 `json:"is_closed" gorm:"not null"`
	ClosedAt                *time.Time                           `json:"closed_at,omitempty"`
	Forced                  bool                                 `json:"forced" gorm:"not null;default:false"`
	LedgerSequence          int64                                `json:"ledger_sequence" gorm:"not null"`
	CreatedBy               string                               `json:"created_by" gorm:"type:varchar(128);not null"`
	CreatedAt               time.Time                            `json:"created_at" gorm:"not null"`
}

func (ClosureBulletin) TableName() string { return "closure_bulletins" }

func (ClosureBulletin) BeforeUpdate(*gorm.DB) error { return ErrImmutableBulletin }

func (ClosureBulletin) BeforeDelete(*gorm.DB) error { return ErrImmutableBulletin }
