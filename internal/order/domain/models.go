package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

const PaymentMethodSplit = "split"

// Order is the read model of a till order. Orders are owned by the order
// management system; this service only reads them.
type Order struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OrderNumber   string          `json:"order_number" gorm:"type:varchar(64);not null"`
	RegisterID    string          `json:"register_id" gorm:"type:varchar(64);not null;index:ix_orders_register_finalized,priority:1"`
	Status        OrderStatus     `json:"status" gorm:"type:varchar(16);not null"`
	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"type:numeric(14,2);not null"`
	TaxAmount     decimal.Decimal `json:"tax_amount" gorm:"type:numeric(14,2);not null"`
	PaymentMethod string          `json:"payment_method" gorm:"type:varchar(32);not null"`
	IsSplit       bool            `json:"is_split" gorm:"not null;default:false"`
	Tips          decimal.Decimal `json:"tips" gorm:"type:numeric(14,2);not null;default:0"`
	ChangeGiven   decimal.Decimal `json:"change_given" gorm:"type:numeric(14,2);not null;default:0"`
	Notes         string          `json:"notes,omitempty" gorm:"type:text"`
	CashierID     string          `json:"cashier_id,omitempty" gorm:"type:varchar(128)"`
	CreatedAt     time.Time       `json:"created_at" gorm:"not null"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty" gorm:"index:ix_orders_register_finalized,priority:2"`
	Items         []OrderItem     `json:"items" gorm:"foreignKey:OrderID"`
	Payments      []OrderPayment  `json:"payments" gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID         int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID    string          `json:"order_id" gorm:"type:varchar(64);not null;index"`
	Name       string          `json:"name" gorm:"type:varchar(255);not null"`
	Quantity   int             `json:"quantity" gorm:"not null"`
	UnitPrice  decimal.Decimal `json:"unit_price" gorm:"type:numeric(14,2);not null"`
	TaxRate    decimal.Decimal `json:"tax_rate" gorm:"type:numeric(6,3);not null"`
	TotalPrice decimal.Decimal `json:"total_price" gorm:"type:numeric(14,2);not null"`
	TaxAmount  decimal.Decimal `json:"tax_amount" gorm:"type:numeric(14,2);not null"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderPayment is one tender of a split payment.
type OrderPayment struct {
	ID      int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID string          `json:"order_id" gorm:"type:varchar(64);not null;index"`
	Method  string          `json:"method" gorm:"type:varchar(32);not null"`
	Amount  decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`
}

func (OrderPayment) TableName() string { return "order_payments" }

type EventType string

const (
	EventOrderFinalized  EventType = "ORDER_FINALIZED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventReturnRequested EventType = "RETURN_REQUESTED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventOrderFinalized, EventOrderCancelled, EventReturnRequested:
		return true
	default:
		return false
	}
}

type EventStatus string

const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusSkipped   EventStatus = "SKIPPED"
	EventStatusFailed    EventStatus = "FAILED"
)

// OrderEvent is an outbox row written by the order management system.
type OrderEvent struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID        string         `json:"event_id" gorm:"type:varchar(128);not null;uniqueIndex"`
	EventType      EventType      `json:"event_type" gorm:"type:varchar(32);not null"`
	OrderID        string         `json:"order_id" gorm:"type:varchar(64);not null;index"`
	RegisterID     string         `json:"register_id" gorm:"type:varchar(64);not null;index:ix_order_events_register_status,priority:1"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	Status         EventStatus    `json:"status" gorm:"type:varchar(16);not null;index:ix_order_events_register_status,priority:2"`
	Attempts       int            `json:"attempts" gorm:"not null;default:0"`
	LastError      *string        `json:"last_error,omitempty" gorm:"type:text"`
	LedgerSequence *int64         `json:"ledger_sequence,omitempty"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

func (OrderEvent) TableName() string { return "order_events" }
