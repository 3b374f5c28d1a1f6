package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/caisse/internal/order/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindCompleted(ctx context.Context, db *gorm.DB, registerID string, from, to time.Time) ([]domain.Order, error) {
	var orders []domain.Order
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id asc") }).
		Preload("Payments", func(tx *gorm.DB) *gorm.DB { return tx.Order("id asc") }).
		Where("register_id = ? AND status = ? AND finalized_at >= ? AND finalized_at < ?",
			registerID,
			domain.OrderStatusCompleted,
			from.UTC(),
			to.UTC(),
		).
		Order("finalized_at asc, id asc").
		Find(&orders).Error
	return orders, err
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id asc") }).
		Preload("Payments", func(tx *gorm.DB) *gorm.DB { return tx.Order("id asc") }).
		Where("id = ?", id).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// InsertEvent reports false when the event id was already recorded.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.OrderEvent) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) GetEventByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.OrderEvent, error) {
	var event domain.OrderEvent
	err := db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) ListPendingEvents(ctx context.Context, db *gorm.DB, registerID string, limit int) ([]domain.OrderEvent, error) {
	var events []domain.OrderEvent
	err := db.WithContext(ctx).
		Where("register_id = ? AND status = ?", registerID, domain.EventStatusPending).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) MarkEvent(ctx context.Context, db *gorm.DB, event domain.OrderEvent) error {
	return db.WithContext(ctx).Exec(
		`UPDATE order_events
		 SET status = ?, attempts = ?, last_error = ?, ledger_sequence = ?, processed_at = ?
		 WHERE id = ?`,
		event.Status,
		event.Attempts,
		event.LastError,
		event.LedgerSequence,
		event.ProcessedAt,
		event.ID,
	).Error
}
