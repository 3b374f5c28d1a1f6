package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound    = errors.New("order_not_found")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidEventID   = errors.New("invalid_event_id")
	ErrInvalidOrderID   = errors.New("invalid_order_id")
	ErrOrderNotFinal    = errors.New("order_not_finalized")
)

// Source is the read side of the order collaborator used by closures.
type Source interface {
	// FindCompleted returns completed orders of a register finalized in [from, to),
	// with their items and payments.
	FindCompleted(ctx context.Context, registerID string, from, to time.Time) ([]Order, error)
	// FindCompletedTx is FindCompleted read through the caller's transaction.
	FindCompletedTx(ctx context.Context, tx *gorm.DB, registerID string, from, to time.Time) ([]Order, error)
	GetByID(ctx context.Context, id string) (Order, error)
}

type IngestRequest struct {
	EventID   string
	EventType EventType
	OrderID   string
}

type IngestResult struct {
	Event     OrderEvent `json:"event"`
	Duplicate bool       `json:"duplicate"`
}

// Consumer turns order events into ledger entries.
type Consumer interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	ProcessPending(ctx context.Context) (int, error)
}

type Repository interface {
	FindCompleted(ctx context.Context, db *gorm.DB, registerID string, from, to time.Time) ([]Order, error)
	GetByID(ctx context.Context, db *gorm.DB, id string) (*Order, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *OrderEvent) (bool, error)
	GetEventByEventID(ctx context.Context, db *gorm.DB, eventID string) (*OrderEvent, error)
	ListPendingEvents(ctx context.Context, db *gorm.DB, registerID string, limit int) ([]OrderEvent, error)
	MarkEvent(ctx context.Context, db *gorm.DB, event OrderEvent) error
}
