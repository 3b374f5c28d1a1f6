package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payload is the type-specific body of a journal entry. Each variant belongs
// to exactly one TransactionType.
type Payload interface {
	Kind() TransactionType
}

type PayloadLine struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Total     decimal.Decimal `json:"total"`
	Tax       decimal.Decimal `json:"tax"`
}

type SalePayload struct {
	OrderNumber string          `json:"order_number,omitempty"`
	Lines       []PayloadLine   `json:"lines,omitempty"`
	IsSplit     bool            `json:"is_split,omitempty"`
	Tips        decimal.Decimal `json:"tips"`
	ChangeGiven decimal.Decimal `json:"change_given"`
}

func (SalePayload) Kind() TransactionType { return TransactionTypeSale }

type RefundPayload struct {
	OriginalOrderID string `json:"original_order_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (RefundPayload) Kind() TransactionType { return TransactionTypeRefund }

type CorrectionPayload struct {
	CorrectsSequence int64  `json:"corrects_sequence"`
	Reason           string `json:"reason"`
}

func (CorrectionPayload) Kind() TransactionType { return TransactionTypeCorrection }

type ClosurePayload struct {
	BulletinID        string          `json:"bulletin_id"`
	ClosureType       string          `json:"closure_type"`
	PeriodKey         string          `json:"period_key"`
	ClosureHash       string          `json:"closure_hash"`
	TotalTransactions int64           `json:"total_transactions"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	TotalVAT          decimal.Decimal `json:"total_vat"`
	Forced            bool            `json:"forced,omitempty"`
}

func (ClosurePayload) Kind() TransactionType { return TransactionTypeClosure }

type ArchivePayload struct {
	ExportID   string `json:"export_id"`
	ExportType string `json:"export_type"`
	Format     string `json:"format"`
	FileHash   string `json:"file_hash"`
}

func (ArchivePayload) Kind() TransactionType { return TransactionTypeArchive }

type payloadEnvelope struct {
	Kind TransactionType `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload stores a payload as {"kind": TYPE, "data": {...}}.
func EncodePayload(p Payload) (datatypes.JSON, error) {
	if p == nil {
		return nil, ErrPayloadMismatch
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// DecodePayload restores the variant recorded in the envelope.
func DecodePayload(raw datatypes.JSON) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	var target Payload
	switch env.Kind {
	case TransactionTypeSale:
		var p SalePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		target = p
	case TransactionTypeRefund:
		var p RefundPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		target = p
	case TransactionTypeCorrection:
		var p CorrectionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		target = p
	case TransactionTypeClosure:
		var p ClosurePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		target = p
	case TransactionTypeArchive:
		var p ArchivePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		target = p
	default:
		return nil, ErrInvalidTransactionType
	}
	return target, nil
}
